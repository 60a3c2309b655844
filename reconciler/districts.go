package reconciler

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
)

// fetchDistricts is phase 1. Any non-success answer is fatal: an unreachable source must never
// read as an empty directory.
func (e *Engine) fetchDistricts(ctx context.Context) ([]source.DistrictRef, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	res := e.directory.ListDistricts(ctx)
	if !res.OK() {
		reason := res.Reason
		if res.Kind == source.ResultNotFound {
			reason = "district list page not found"
		}
		return nil, fmt.Errorf("%w: %s", ErrDistrictListFailed, reason)
	}

	refs := make([]source.DistrictRef, 0, len(res.Data))
	seen := map[string]struct{}{}
	for _, ref := range res.Data {
		ref.Name = strings.TrimSpace(ref.Name)
		if ref.Name == "" {
			continue
		}
		if _, ok := seen[ref.Name]; ok {
			continue
		}
		seen[ref.Name] = struct{}{}
		if ref.PageRef == "" {
			ref.PageRef = ref.Name
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, ErrEmptyDirectory
	}
	return refs, nil
}

// deactivateAllDistricts is phase 0; phase 2 reactivates every district the scrape still lists.
func (e *Engine) deactivateAllDistricts(ctx context.Context) error {
	res := e.db.WithContext(ctx).Model(&models.District{}).
		Where("is_active = ?", true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate districts: %w", res.Error)
	}
	e.logger.WithFields(logrus.Fields{"module": moduleName, "rows": res.RowsAffected}).Debug("districts reset to inactive")
	return nil
}

// upsertDistrict is phase 2 for one district.
func (e *Engine) upsertDistrict(ctx context.Context, ref source.DistrictRef) (*models.District, bool, error) {
	region := models.RegionForDistrict(ref.Name)

	existing, err := e.matcher.Match(ctx, e.db, ref.Name)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		district := &models.District{
			Name:     ref.Name,
			PageRef:  ref.PageRef,
			Region:   region,
			IsActive: utils.NewTrue(),
		}
		err := e.db.WithContext(ctx).Create(district).Error
		if err == nil {
			return district, true, nil
		}
		if !utils.IsDuplicateKeyError(err) {
			return nil, false, err
		}
		// created concurrently under the same name
		existing, err = e.matcher.Match(ctx, e.db, ref.Name)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("district %q vanished after duplicate insert", ref.Name)
		}
	}

	err = e.db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
		"is_active": true,
		"region":    region,
		"page_ref":  ref.PageRef,
	}).Error
	if err != nil {
		return nil, false, err
	}
	existing.IsActive = utils.NewTrue()
	existing.Region = region
	existing.PageRef = ref.PageRef
	return existing, false, nil
}

// reconcileDistrict runs phases 2-5 for the district at idx. A failed unit listing skips the
// district's units and its stale pass; only store errors are returned.
func (e *Engine) reconcileDistrict(ctx context.Context, run *models.RunHistory, idx int, ref source.DistrictRef, result *RunResult) error {
	log := e.logger.WithFields(logrus.Fields{"module": moduleName, "runId": run.ID, "district": ref.Name})

	district, created, err := e.upsertDistrict(ctx, ref)
	if err != nil {
		return fmt.Errorf("upsert district %q: %w", ref.Name, err)
	}
	result.DistrictsProcessed++
	if created {
		result.DistrictsCreated++
		log.Info("district created")
	}
	e.progress.enterDistrict(district.Name)

	listing := e.listUnits(ctx, ref.PageRef)
	if !listing.OK() {
		result.DistrictsFailed++
		log.WithFields(logrus.Fields{"kind": listing.Kind.String(), "reason": listing.Reason}).
			Warn("unit listing failed; skipping district")
		return nil
	}

	refs := normalizeUnitRefs(listing.Data)
	fetched := e.prefetchEnrichment(ctx, refs)

	listed := make([]string, 0, len(refs))
	for _, unitRef := range refs {
		if unitRef.Slug != nil {
			listed = append(listed, *unitRef.Slug)
		}
	}

	observed := make([]string, 0, len(refs))
	for j, unitRef := range refs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconciliation cancelled: %w", err)
		}

		unit, unitCreated, err := e.upsertUnit(ctx, run, district, unitRef, listed, result)
		if err != nil {
			return fmt.Errorf("upsert unit %q in %q: %w", unitRef.Name, district.Name, err)
		}
		if unit.HasSlug() {
			observed = append(observed, *unit.Slug)
			if err := e.applyEnrichment(ctx, run, unit, unitCreated, fetched[j], result); err != nil {
				return fmt.Errorf("enrich unit %q: %w", unit.Name, err)
			}
		}
		result.UnitsProcessed++
		e.progress.unitDone(idx, j+1, len(refs), unit.Name)
	}

	if err := e.deactivateStale(ctx, run, district, observed, result); err != nil {
		return fmt.Errorf("deactivate stale units in %q: %w", district.Name, err)
	}
	return nil
}

func (e *Engine) listUnits(ctx context.Context, pageRef string) source.Result[[]source.UnitRef] {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return e.directory.ListUnits(ctx, pageRef)
}

// normalizeUnitRefs trims names and slugs, drops nameless rows and keeps the first listing of a slug.
func normalizeUnitRefs(refs []source.UnitRef) []source.UnitRef {
	out := make([]source.UnitRef, 0, len(refs))
	seen := map[string]struct{}{}
	for _, ref := range refs {
		name := strings.TrimSpace(ref.Name)
		if name == "" {
			continue
		}
		var slug *string
		if ref.Slug != nil {
			if s := strings.TrimSpace(*ref.Slug); s != "" {
				if _, ok := seen[s]; ok {
					continue
				}
				seen[s] = struct{}{}
				slug = &s
			}
		}
		out = append(out, source.UnitRef{Name: name, Slug: slug})
	}
	return out
}
