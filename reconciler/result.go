package reconciler

import (
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
)

// RunResult is the aggregate outcome of one reconciliation pass.
type RunResult struct {
	RunId   int              `json:"runId"`
	Skipped bool             `json:"skipped"`
	Status  models.RunStatus `json:"status,omitempty"`
	Trigger string           `json:"trigger,omitempty"`

	DistrictsTotal     int `json:"districtsTotal"`
	DistrictsProcessed int `json:"districtsProcessed"`
	DistrictsCreated   int `json:"districtsCreated"`
	DistrictsFailed    int `json:"districtsFailed"`

	UnitsProcessed   int `json:"unitsProcessed"`
	UnitsCreated     int `json:"unitsCreated"`
	UnitsEnriched    int `json:"unitsEnriched"`
	UnitsReactivated int `json:"unitsReactivated"`
	UnitsDeactivated int `json:"unitsDeactivated"`
	EnrichmentFailed int `json:"enrichmentFailed"`
	UpdatesFound     int `json:"updatesFound"`

	SubUnitsReparented int `json:"subUnitsReparented"`
	SubUnitsUnresolved int `json:"subUnitsUnresolved"`
	OrphansDeactivated int `json:"orphansDeactivated"`

	// PassErrors lists failures of the corrective passes, which never fail the run.
	PassErrors []string `json:"passErrors,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

func skippedResult(trigger string) *RunResult {
	return &RunResult{Skipped: true, Trigger: trigger}
}
