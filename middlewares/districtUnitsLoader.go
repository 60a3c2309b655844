package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

// active units only; inactive rows are history
type districtUnitsReader struct {
	db *gorm.DB
}

func (r *districtUnitsReader) getDistrictUnits(ctx context.Context, districtIds []int) []*dataloader.Result[[]*models.LocalUnit] {
	var results []models.LocalUnit
	err := r.db.WithContext(ctx).Model(&models.LocalUnit{}).
		Where("district_id IN ? AND is_active = ?", districtIds, true).
		Order("name").Find(&results).Error
	if err != nil {
		return handleError[[]*models.LocalUnit](len(districtIds), err)
	}
	return generateLoaderArrayResults(results, districtIds)
}

func GetDistrictUnits(ctx context.Context, districtId int) ([]*models.LocalUnit, error) {
	loaders := For(ctx)
	return loaders.DistrictUnitsLoader.Load(ctx, districtId)()
}
