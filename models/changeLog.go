package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	ChangeFieldName       = "name"
	ChangeFieldDistrictId = "district_id"
	ChangeFieldIsActive   = "is_active"
	ChangeFieldSlug       = "slug"
	ChangeFieldAddress    = "address"
	ChangeFieldSchedule   = "schedule"
)

// ChangeLogEntry is append-only; nothing in the sync path reads it back.
type ChangeLogEntry struct {
	ID        int       `gorm:"primary_key" json:"id"`
	RunId     int       `gorm:"index;not null" json:"runId"`
	UnitId    int       `gorm:"index;not null" json:"unitId"`
	UnitName  string    `gorm:"size:255;not null" json:"unitName"`
	FieldName string    `gorm:"size:64;not null" json:"fieldName"`
	OldValue  *string   `gorm:"type:text" json:"oldValue"`
	NewValue  *string   `gorm:"type:text" json:"newValue"`
	ChangedAt time.Time `gorm:"index;not null" json:"changedAt"`
}

type ChangeLogQuery struct {
	RunId  *int
	Limit  int
	Cursor *string
}

type ChangeLogPage struct {
	Entries  []*ChangeLogEntry `json:"entries"`
	PageInfo PageInfo          `json:"pageInfo"`
}

const (
	DefaultChangeLogLimit = 50
	MaxChangeLogLimit     = 500
)

// ListChangeLog pages entries newest first. The cursor is the opaque EndCursor of the previous page.
func ListChangeLog(ctx context.Context, db *gorm.DB, q ChangeLogQuery) (*ChangeLogPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultChangeLogLimit
	}
	if limit > MaxChangeLogLimit {
		limit = MaxChangeLogLimit
	}

	query := db.WithContext(ctx).Model(&ChangeLogEntry{})
	if q.RunId != nil {
		query = query.Where("run_id = ?", *q.RunId)
	}
	if q.Cursor != nil && *q.Cursor != "" {
		afterId, err := DecodeIdCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query = query.Where("id < ?", afterId)
	}

	var entries []*ChangeLogEntry
	if err := query.Order("id DESC").Limit(limit + 1).Find(&entries).Error; err != nil {
		return nil, err
	}

	hasNext := len(entries) > limit
	if hasNext {
		entries = entries[:limit]
	}
	page := &ChangeLogPage{Entries: entries, PageInfo: PageInfo{HasNextPage: &hasNext}}
	if len(entries) > 0 {
		page.PageInfo.StartCursor = EncodeIdCursor(entries[0].ID)
		page.PageInfo.EndCursor = EncodeIdCursor(entries[len(entries)-1].ID)
	}
	return page, nil
}
