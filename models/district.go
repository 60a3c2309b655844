package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type District struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	PageRef   string    `gorm:"size:1024" json:"pageRef"`
	Region    Region    `gorm:"size:32;not null" json:"region"`
	IsActive  *bool     `gorm:"not null;default:true" json:"isActive"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (d District) Active() bool {
	return d.IsActive != nil && *d.IsActive
}

type DistrictFilter struct {
	Active *bool
}

// ListDistricts returns districts ordered by name.
func ListDistricts(ctx context.Context, db *gorm.DB, filter DistrictFilter) ([]*District, error) {
	var results []*District
	query := db.WithContext(ctx).Model(&District{})
	if filter.Active != nil {
		query = query.Where("is_active = ?", *filter.Active)
	}
	if err := query.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
