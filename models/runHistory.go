package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// RunHistory is one row per reconciliation invocation.
//
// RunningSlot is 1 while the run is in flight and NULL otherwise. The unique index on it
// makes "at most one running row" a store-level constraint rather than a convention.
type RunHistory struct {
	ID             int        `gorm:"primary_key" json:"id"`
	Status         RunStatus  `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggeredBy"`
	RunningSlot    *int       `gorm:"uniqueIndex" json:"-"`
	StartTime      time.Time  `gorm:"not null" json:"startTime"`
	EndTime        *time.Time `json:"endTime"`
	TotalDistricts int        `gorm:"not null;default:0" json:"totalDistricts"`
	TotalUnits     int        `gorm:"not null;default:0" json:"totalUnits"`
	NewUnits       int        `gorm:"not null;default:0" json:"newUnits"`
	UpdatedUnits   int        `gorm:"not null;default:0" json:"updatedUnits"`
	ErrorMessage   *string    `gorm:"type:text" json:"errorMessage"`
	DurationMs     int64      `json:"durationMs"`
	StatsJSON      string     `gorm:"type:text" json:"stats,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

const (
	DefaultRunHistoryLimit = 20
	MaxRunHistoryLimit     = 100
)

const runningSlotValue = 1

// RunningSlotValue returns the value stored in RunningSlot for an in-flight run.
func RunningSlotValue() *int {
	v := runningSlotValue
	return &v
}

// ListRunHistory returns the most recent n runs, newest first.
func ListRunHistory(ctx context.Context, db *gorm.DB, n int) ([]*RunHistory, error) {
	if n <= 0 {
		n = DefaultRunHistoryLimit
	}
	if n > MaxRunHistoryLimit {
		n = MaxRunHistoryLimit
	}
	var results []*RunHistory
	if err := db.WithContext(ctx).Order("id DESC").Limit(n).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// GetRunHistory returns nil, nil when the run does not exist.
func GetRunHistory(ctx context.Context, db *gorm.DB, id int) (*RunHistory, error) {
	var result RunHistory
	err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindRunningRun returns the in-flight run, or nil.
func FindRunningRun(ctx context.Context, db *gorm.DB) (*RunHistory, error) {
	var result RunHistory
	err := db.WithContext(ctx).Where("status = ?", RunStatusRunning).Order("id DESC").First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FailRunningRuns marks every running row failed with message and returns how many changed.
func FailRunningRuns(ctx context.Context, db *gorm.DB, message string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&RunHistory{}).
		Where("status = ?", RunStatusRunning).
		Updates(map[string]interface{}{
			"status":        RunStatusFailed,
			"running_slot":  nil,
			"end_time":      now,
			"error_message": message,
		})
	return result.RowsAffected, result.Error
}
