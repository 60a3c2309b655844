package reconciler

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/directory_backend/geo"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// fetched is the I/O half of phase 4 for one unit, gathered ahead of the sequential writes.
type fetched struct {
	enrichment source.Result[*source.Enrichment]
	zone       source.Result[string]
}

// prefetchEnrichment fetches detail pages (and timezones) for the district's slugged units in
// parallel. The slice is indexed like refs; slug-less entries stay nil.
func (e *Engine) prefetchEnrichment(ctx context.Context, refs []source.UnitRef) []*fetched {
	out := make([]*fetched, len(refs))

	var g errgroup.Group
	g.SetLimit(e.cfg.EnrichConcurrency)
	for i, ref := range refs {
		if ref.Slug == nil {
			continue
		}
		i, slug := i, *ref.Slug
		g.Go(func() error {
			out[i] = e.fetchOne(ctx, slug)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) fetchOne(ctx context.Context, slug string) (f *fetched) {
	f = &fetched{zone: source.NotFound[string]()}
	defer func() {
		if r := recover(); r != nil {
			f.enrichment = source.Failed[*source.Enrichment]("panic: %v", r)
		}
	}()

	enrichCtx, cancel := context.WithTimeout(ctx, e.cfg.EnrichTimeout)
	f.enrichment = e.enricher.Enrich(enrichCtx, slug)
	cancel()

	if !f.enrichment.OK() || f.enrichment.Data == nil {
		return f
	}
	point, ok := enrichmentPoint(f.enrichment.Data)
	if !ok {
		return f
	}
	tzCtx, cancel := context.WithTimeout(ctx, e.cfg.TimezoneTimeout)
	f.zone = e.timezones.ResolveTimezone(tzCtx, point.Latitude, point.Longitude)
	cancel()
	return f
}

func enrichmentPoint(en *source.Enrichment) (geo.Point, bool) {
	if en.Latitude == nil || en.Longitude == nil {
		return geo.Point{}, false
	}
	p := geo.Point{Latitude: *en.Latitude, Longitude: *en.Longitude}
	return p, geo.ValidPoint(p)
}

// applyEnrichment is phase 4 for one unit. Fields the scrape leaves empty keep their stored value.
// Only store errors are returned; a failed or empty fetch leaves the unit untouched.
func (e *Engine) applyEnrichment(ctx context.Context, run *models.RunHistory, unit *models.LocalUnit, created bool, f *fetched, result *RunResult) error {
	log := e.logger.WithFields(logrus.Fields{"module": moduleName, "runId": run.ID, "unit": unit.Name, "slug": utils.DereferencePtr(unit.Slug)})
	if f == nil {
		return nil
	}
	switch f.enrichment.Kind {
	case source.ResultNotFound:
		log.Debug("no detail page for unit")
		return nil
	case source.ResultScrapeError:
		result.EnrichmentFailed++
		log.WithField("reason", f.enrichment.Reason).Warn("enrichment failed; keeping stored details")
		return nil
	}
	en := f.enrichment.Data
	if en == nil {
		return nil
	}

	now := e.now()
	prevAddress, prevSchedule := unit.Address, unit.Schedule

	unit.Address = keep(text(en.Address), unit.Address)
	unit.Schedule = keep(text(en.Schedule), unit.Schedule)
	unit.MapLink = keep(text(en.MapLink), unit.MapLink)
	if c := text(en.Contact); c != nil {
		unit.Contact = utils.NilIfEmpty(utils.NormalizeContact(*c))
	}
	if en.ImageUrl != nil {
		unit.ImageUrl = keep(source.NormalizeImageURL(*en.ImageUrl, e.cfg.ImageBaseURL), unit.ImageUrl)
	}

	if point, ok := enrichmentPoint(en); ok {
		unit.Latitude = &point.Latitude
		unit.Longitude = &point.Longitude
	}
	if unit.Latitude != nil && unit.Longitude != nil {
		point := geo.Point{Latitude: *unit.Latitude, Longitude: *unit.Longitude}
		if geo.ValidPoint(point) {
			prox := geo.Compute(e.cfg.Reference, point)
			air, road := prox.AirDistance(), prox.RoadDistance()
			unit.AirDistance = &air
			unit.RoadDistance = &road
			unit.TravelTime = &prox.TravelTime
		}
	}

	switch f.zone.Kind {
	case source.ResultSuccess:
		if zone := strings.TrimSpace(f.zone.Data); zone != "" {
			unit.Timezone = &zone
		}
	case source.ResultScrapeError:
		log.WithField("reason", f.zone.Reason).Warn("timezone lookup failed")
	}
	if unit.Timezone != nil {
		label, err := geo.TimezoneLabel(*unit.Timezone, now)
		if err != nil {
			log.WithError(err).Warn("unknown timezone")
		} else {
			unit.TimezoneDiff = &label
		}
	}
	unit.LastEnrichedAt = &now

	changes := newChangeSet(run.ID, unit)
	if !created {
		if changes.add(models.ChangeFieldAddress, prevAddress, unit.Address) {
			result.UpdatesFound++
		}
		if changes.add(models.ChangeFieldSchedule, prevSchedule, unit.Schedule) {
			result.UpdatesFound++
		}
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(unit).Select(
			"address", "schedule", "contact", "image_url", "map_link",
			"latitude", "longitude", "timezone",
			"air_distance", "road_distance", "travel_time", "timezone_diff",
			"last_enriched_at",
		).Updates(unit).Error
		if err != nil {
			return err
		}
		return changes.save(tx, now)
	})
	if err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	result.UnitsEnriched++
	return nil
}

// text trims s, treating blank as absent.
func text(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func keep(next, prev *string) *string {
	if next != nil {
		return next
	}
	return prev
}
