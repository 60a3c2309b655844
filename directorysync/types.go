package directorysync

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
)

type TokenRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type TriggerResponse struct {
	RunId  int  `json:"runId,omitempty"`
	Queued bool `json:"queued,omitempty"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID             int              `json:"id"`
	Status         models.RunStatus `json:"status"`
	TriggeredBy    string           `json:"triggeredBy"`
	StartedAt      *string          `json:"startedAt"`
	FinishedAt     *string          `json:"finishedAt"`
	DurationMs     int64            `json:"durationMs"`
	TotalDistricts int              `json:"totalDistricts"`
	TotalUnits     int              `json:"totalUnits"`
	NewUnits       int              `json:"newUnits"`
	UpdatedUnits   int              `json:"updatedUnits"`
	ErrorMessage   *string          `json:"errorMessage"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Stats json.RawMessage `json:"stats,omitempty"`
}

type DistrictResponse struct {
	*models.District
	ActiveUnits int `json:"activeUnits"`
}

type UnitResponse struct {
	*models.LocalUnit
	DistrictName string `json:"districtName"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload asks whichever instance receives it to start a run.
type SyncPubSubPayload struct {
	Trigger     string    `json:"trigger"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run *models.RunHistory) SyncRunResponse {
	start := run.StartTime
	return SyncRunResponse{
		ID:             run.ID,
		Status:         run.Status,
		TriggeredBy:    run.TriggeredBy,
		StartedAt:      formatTime(&start),
		FinishedAt:     formatTime(run.EndTime),
		DurationMs:     run.DurationMs,
		TotalDistricts: run.TotalDistricts,
		TotalUnits:     run.TotalUnits,
		NewUnits:       run.NewUnits,
		UpdatedUnits:   run.UpdatedUnits,
		ErrorMessage:   run.ErrorMessage,
	}
}
