package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LocalUnit is one congregation/site. A nil Slug marks a sub-unit the source never lists on its own page.
type LocalUnit struct {
	ID         int       `gorm:"primary_key" json:"id"`
	DistrictId int       `gorm:"index;not null" json:"districtId"`
	District   *District `gorm:"foreignKey:DistrictId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	Name       string    `gorm:"size:255;not null;index" json:"name"`
	Slug       *string   `gorm:"size:255;uniqueIndex" json:"slug"`
	IsActive   *bool     `gorm:"not null;default:true" json:"isActive"`

	Address        *string          `gorm:"type:text" json:"address"`
	Schedule       *string          `gorm:"type:text" json:"schedule"`
	Contact        *string          `gorm:"size:255" json:"contact"`
	ImageUrl       *string          `gorm:"size:1024" json:"imageUrl"`
	MapLink        *string          `gorm:"size:1024" json:"mapLink"`
	Latitude       *float64         `json:"latitude"`
	Longitude      *float64         `json:"longitude"`
	Timezone       *string          `gorm:"size:64" json:"timezone"`
	AirDistance    *decimal.Decimal `gorm:"type:decimal(10,2)" json:"airDistance"`
	RoadDistance   *decimal.Decimal `gorm:"type:decimal(10,2)" json:"roadDistance"`
	TravelTime     *string          `gorm:"size:32" json:"travelTime"`
	TimezoneDiff   *string          `gorm:"size:64" json:"timezoneDiff"`
	LastEnrichedAt *time.Time       `json:"lastEnrichedAt"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// HasSlug reports whether the unit carries a non-empty source slug.
func (u LocalUnit) HasSlug() bool {
	return u.Slug != nil && *u.Slug != ""
}

func (u LocalUnit) Active() bool {
	return u.IsActive != nil && *u.IsActive
}

type LocalUnitFilter struct {
	DistrictId *int
	Active     *bool
	Limit      int
	Offset     int
}

// ListLocalUnits returns units ordered by district then name.
func ListLocalUnits(ctx context.Context, db *gorm.DB, filter LocalUnitFilter) ([]*LocalUnit, error) {
	var results []*LocalUnit
	query := db.WithContext(ctx).Model(&LocalUnit{})
	if filter.DistrictId != nil {
		query = query.Where("district_id = ?", *filter.DistrictId)
	}
	if filter.Active != nil {
		query = query.Where("is_active = ?", *filter.Active)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}
	if err := query.Order("district_id").Order("name").Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
