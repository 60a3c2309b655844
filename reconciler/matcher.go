package reconciler

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"gorm.io/gorm"
)

// DistrictMatcher finds the stored district a scraped district name refers to.
// The source has no stable district id, so this is the one place name-based identity lives.
type DistrictMatcher interface {
	Match(ctx context.Context, db *gorm.DB, name string) (*models.District, error)
}

// ExactNameMatcher matches on the display name verbatim (subject to the column's collation).
type ExactNameMatcher struct{}

func (ExactNameMatcher) Match(ctx context.Context, db *gorm.DB, name string) (*models.District, error) {
	var d models.District
	err := db.WithContext(ctx).Where("name = ?", name).Order("id").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
