package reconciler

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// upsertUnit is phase 3 for one listed unit: match by slug, then by name within the district,
// then create. It reports whether the unit was created.
//
// The name fallback prefers slug-less rows and skips rows holding a slug that is listed in the
// same scrape (listed), so a renamed slug keeps its row without taking over a namesake's.
func (e *Engine) upsertUnit(ctx context.Context, run *models.RunHistory, district *models.District, ref source.UnitRef, listed []string, result *RunResult) (*models.LocalUnit, bool, error) {
	var (
		unit    *models.LocalUnit
		created bool
		changes *changeSet
		counts  RunResult
	)
	now := e.now()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, created, changes, counts = nil, false, nil, RunResult{}

		if ref.Slug != nil {
			found, err := findUnit(tx.Where("slug = ?", *ref.Slug))
			if err != nil {
				return err
			}
			if found != nil {
				unit = found
				changes = newChangeSet(run.ID, unit)
				wasActive := unit.Active()
				oldName, oldDistrict := unit.Name, unit.DistrictId

				unit.Name = ref.Name
				unit.DistrictId = district.ID
				unit.IsActive = utils.NewTrue()
				if changes.add(models.ChangeFieldName, &oldName, &unit.Name) {
					counts.UpdatesFound++
				}
				if changes.addInt(models.ChangeFieldDistrictId, oldDistrict, district.ID) {
					counts.UpdatesFound++
				}
				if !wasActive {
					changes.addBool(models.ChangeFieldIsActive, false, true)
					counts.UnitsReactivated++
				}
				if err := tx.Model(unit).Select("name", "district_id", "is_active").Updates(unit).Error; err != nil {
					return err
				}
				return changes.save(tx, now)
			}
		}

		byName := tx.Where("name = ? AND district_id = ?", ref.Name, district.ID)
		if len(listed) > 0 {
			byName = byName.Where("(slug IS NULL OR slug = '' OR slug NOT IN ?)", listed)
		}
		found, err := findUnit(byName.Order("CASE WHEN slug IS NULL OR slug = '' THEN 0 ELSE 1 END"))
		if err != nil {
			return err
		}
		if found != nil {
			unit = found
			changes = newChangeSet(run.ID, unit)
			if !unit.Active() {
				changes.addBool(models.ChangeFieldIsActive, false, true)
				counts.UnitsReactivated++
			}
			unit.IsActive = utils.NewTrue()
			columns := []interface{}{"is_active"}
			if ref.Slug != nil {
				oldSlug := utils.NilIfEmpty(utils.DereferencePtr(unit.Slug))
				// attaching a first slug is bookkeeping; replacing one is an update
				if changes.add(models.ChangeFieldSlug, oldSlug, ref.Slug) && oldSlug != nil {
					counts.UpdatesFound++
				}
				unit.Slug = ref.Slug
				columns = append(columns, "slug")
			}
			if err := tx.Model(unit).Select(columns[0], columns[1:]...).Updates(unit).Error; err != nil {
				return err
			}
			return changes.save(tx, now)
		}

		unit = &models.LocalUnit{
			DistrictId: district.ID,
			Name:       ref.Name,
			Slug:       ref.Slug,
			IsActive:   utils.NewTrue(),
		}
		created = true
		counts.UnitsCreated++
		return tx.Create(unit).Error
	})
	if err != nil {
		return nil, false, err
	}

	result.UnitsCreated += counts.UnitsCreated
	result.UnitsReactivated += counts.UnitsReactivated
	result.UpdatesFound += counts.UpdatesFound
	if changes != nil && !changes.empty() {
		e.logger.WithFields(logrus.Fields{
			"module":  moduleName,
			"runId":   run.ID,
			"unitId":  unit.ID,
			"unit":    unit.Name,
			"changes": len(changes.entries),
		}).Info("unit updated")
	}
	return unit, created, nil
}

// findUnit returns the lowest-id unit matching query, or nil.
func findUnit(query *gorm.DB) (*models.LocalUnit, error) {
	var unit models.LocalUnit
	err := query.Order("id").First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// deactivateStale is phase 5: active units of the district whose non-empty slug the scrape no
// longer lists. Slug-less units are never touched here.
func (e *Engine) deactivateStale(ctx context.Context, run *models.RunHistory, district *models.District, observed []string, result *RunResult) error {
	now := e.now()
	var stale []*models.LocalUnit

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("district_id = ? AND is_active = ? AND slug IS NOT NULL AND slug <> ''", district.ID, true)
		if len(observed) > 0 {
			query = query.Where("slug NOT IN ?", observed)
		}
		stale = nil
		if err := query.Order("id").Find(&stale).Error; err != nil {
			return err
		}
		for _, unit := range stale {
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

	result.UnitsDeactivated += len(stale)
	for _, unit := range stale {
		e.logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"runId":    run.ID,
			"district": district.Name,
			"unitId":   unit.ID,
			"unit":     unit.Name,
			"slug":     utils.DereferencePtr(unit.Slug),
		}).Info("unit no longer listed; deactivated")
	}
	return nil
}
