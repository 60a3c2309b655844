package reconciler

import (
	"context"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// deactivateOrphans is phase 8: active units whose district is inactive or missing.
func (e *Engine) deactivateOrphans(ctx context.Context, run *models.RunHistory, result *RunResult) error {
	now := e.now()
	var orphans []*models.LocalUnit

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activeDistricts := tx.Model(&models.District{}).Select("id").Where("is_active = ?", true)
		orphans = nil
		err := tx.Where("is_active = ? AND district_id NOT IN (?)", true, activeDistricts).
			Order("id").
			Find(&orphans).Error
		if err != nil {
			return err
		}
		for _, unit := range orphans {
			if err := tx.Model(unit).Update("is_active", false).Error; err != nil {
				return err
			}
			changes := newChangeSet(run.ID, unit)
			changes.addBool(models.ChangeFieldIsActive, true, false)
			if err := changes.save(tx, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	result.OrphansDeactivated += len(orphans)
	for _, unit := range orphans {
		e.logger.WithFields(logrus.Fields{
			"module":     moduleName,
			"runId":      run.ID,
			"unitId":     unit.ID,
			"unit":       unit.Name,
			"districtId": unit.DistrictId,
		}).Info("unit deactivated: district inactive or missing")
	}
	return nil
}
