package reconciler

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/subunit"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// reparentSubUnits is phase 7: inactive slug-less sub-units follow their parent unit's district.
func (e *Engine) reparentSubUnits(ctx context.Context, run *models.RunHistory, result *RunResult) error {
	var orphans []*models.LocalUnit
	err := e.db.WithContext(ctx).
		Where("is_active = ? AND (slug IS NULL OR slug = '')", false).
		Order("id").
		Find(&orphans).Error
	if err != nil {
		return err
	}

	now := e.now()
	for _, unit := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates := subunit.Candidates(unit.Name)
		if len(candidates) == 0 {
			continue
		}
		log := e.logger.WithFields(logrus.Fields{"module": moduleName, "runId": run.ID, "unitId": unit.ID, "unit": unit.Name})

		parent, err := e.findParent(ctx, candidates)
		if err != nil {
			return err
		}
		if parent == nil {
			result.SubUnitsUnresolved++
			log.WithField("candidates", candidates).Info("no parent unit found for sub-unit")
			continue
		}
		if parent.DistrictId == unit.DistrictId {
			continue
		}

		oldDistrict := unit.DistrictId
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(unit).Update("district_id", parent.DistrictId).Error; err != nil {
				return err
			}
			changes := newChangeSet(run.ID, unit)
			changes.addInt(models.ChangeFieldDistrictId, oldDistrict, parent.DistrictId)
			return changes.save(tx, now)
		})
		if err != nil {
			return err
		}
		result.SubUnitsReparented++
		log.WithFields(logrus.Fields{
			"parentId":     parent.ID,
			"fromDistrict": oldDistrict,
			"toDistrict":   parent.DistrictId,
		}).Info("sub-unit reparented")
	}
	return nil
}

// findParent looks for an active slugged unit named exactly like a candidate (candidate order,
// lowest id), then for one whose name starts with the longest candidate, shortest name first.
// The prefix fallback can pick a wrong parent for short base names.
func (e *Engine) findParent(ctx context.Context, candidates []string) (*models.LocalUnit, error) {
	active := e.db.WithContext(ctx).
		Where("is_active = ? AND slug IS NOT NULL AND slug <> ''", true).
		Session(&gorm.Session{})

	var exact []*models.LocalUnit
	if err := active.Where("name IN ?", candidates).Order("id").Find(&exact).Error; err != nil {
		return nil, err
	}
	for _, name := range candidates {
		for _, u := range exact {
			if u.Name == name {
				return u, nil
			}
		}
	}

	prefix := subunit.EscapeLike(subunit.Longest(candidates)) + "%"
	var fuzzy models.LocalUnit
	err := active.
		Where("name LIKE ? ESCAPE '"+subunit.LikeEscapeChar+"'", prefix).
		Order("LENGTH(name)").Order("id").
		First(&fuzzy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fuzzy, nil
}
