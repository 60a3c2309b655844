package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type districtReader struct {
	db *gorm.DB
}

func (r *districtReader) getDistricts(ctx context.Context, ids []int) []*dataloader.Result[*models.District] {
	var results []models.District
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.District](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetDistrict(ctx context.Context, id int) (*models.District, error) {
	loaders := For(ctx)
	return loaders.DistrictLoader.Load(ctx, id)()
}

func GetDistricts(ctx context.Context, ids []int) ([]*models.District, []error) {
	loaders := For(ctx)
	return loaders.DistrictLoader.LoadMany(ctx, ids)()
}
