// Package reconciler merges a fresh scrape of the external directory into the store.
//
// A pass runs these phases in order. Phase numbers follow the directory model; the fetch (1)
// runs ahead of the reset (0) so a failed fetch leaves the stored directory untouched.
//
//	1  fetch the district list (a failure aborts the run before anything is written)
//	0  deactivate every district
//	2  upsert each district in source order, reactivating the ones observed
//	3  upsert each district's units (slug match, then name+district preferring slug-less rows, then create)
//	4  enrich each unit from its detail page, never regressing a populated field
//	5  deactivate slugged units of the district that the scrape no longer lists
//	6  repeat 3-5 for every district, then report 100%
//	7  reparent inactive sub-units onto the district of their parent unit
//	8  deactivate active units whose district is inactive or missing
//
// Phases 7 and 8 are corrective and never fail a run. Rows are never deleted.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/geo"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const moduleName = "reconciler"

type Config struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Directory source.Directory
	Enricher  source.Enricher
	Timezones source.TimezoneResolver

	// Optional.
	Matcher  DistrictMatcher
	Progress *Progress
	Lock     RunLock

	Reference         geo.Point
	ImageBaseURL      *url.URL
	EnrichConcurrency int
	FetchTimeout      time.Duration
	EnrichTimeout     time.Duration
	TimezoneTimeout   time.Duration

	Now func() time.Time
}

// ConfigFromSettings fills the tunables of a Config from the loaded sync settings.
func ConfigFromSettings(s *config.SyncSettings) Config {
	base, _ := url.Parse(s.SourceBaseURL)
	return Config{
		Reference:         geo.Point{Latitude: s.ReferenceLatitude, Longitude: s.ReferenceLongitude},
		ImageBaseURL:      base,
		EnrichConcurrency: s.EnrichConcurrency,
		FetchTimeout:      s.SourceTimeout,
		EnrichTimeout:     s.EnrichTimeout,
		TimezoneTimeout:   s.TimezoneTimeout,
	}
}

type Engine struct {
	db        *gorm.DB
	logger    *logrus.Logger
	directory source.Directory
	enricher  source.Enricher
	timezones source.TimezoneResolver
	matcher   DistrictMatcher
	progress  *Progress
	lock      RunLock
	cfg       Config
	now       func() time.Time
	tracer    trace.Tracer

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
}

func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("reconciler: DB is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("reconciler: Directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = config.GetLogger()
	}
	if cfg.Enricher == nil {
		cfg.Enricher = noEnricher{}
	}
	if cfg.Timezones == nil {
		cfg.Timezones = source.PhilippinesTimezoneResolver{}
	}
	if cfg.Matcher == nil {
		cfg.Matcher = ExactNameMatcher{}
	}
	if cfg.Progress == nil {
		cfg.Progress = NewProgress()
	}
	if cfg.EnrichConcurrency <= 0 {
		cfg.EnrichConcurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 20 * time.Second
	}
	if cfg.TimezoneTimeout <= 0 {
		cfg.TimezoneTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		db:        cfg.DB,
		logger:    cfg.Logger,
		directory: cfg.Directory,
		enricher:  cfg.Enricher,
		timezones: cfg.Timezones,
		matcher:   cfg.Matcher,
		progress:  cfg.Progress,
		lock:      cfg.Lock,
		cfg:       cfg,
		now:       cfg.Now,
		tracer:    otel.Tracer(moduleName),
	}, nil
}

func (e *Engine) Progress() *Progress {
	return e.progress
}

// IsRunning reports whether this process has a pass in flight.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run executes one pass synchronously. A pass already in flight yields a Skipped result and no writes.
func (e *Engine) Run(ctx context.Context, trigger string) (*RunResult, error) {
	c, err := e.begin(ctx, trigger)
	if errors.Is(err, ErrAlreadyRunning) {
		e.logger.WithFields(logrus.Fields{"trigger": trigger}).Info("reconciliation skipped: already running")
		return skippedResult(trigger), nil
	}
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, c)
}

// Start claims the run synchronously and executes the pass in the background.
// It returns ErrAlreadyRunning when a pass is in flight.
func (e *Engine) Start(ctx context.Context, trigger string) (*models.RunHistory, error) {
	c, err := e.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = e.execute(context.WithoutCancel(ctx), c)
	}()
	return c.run, nil
}

// ForceReset clears the in-process running flag, cancels any in-flight pass, marks every
// running history row failed and drops the cross-process lock. It returns the rows changed.
func (e *Engine) ForceReset(ctx context.Context) (int64, error) {
	e.mu.Lock()
	cancel := e.cancel
	wasRunning := e.running
	e.running = false
	e.cancel = nil
	e.gen++
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	n, err := models.FailRunningRuns(ctx, e.db, msgForceReset, e.now())
	if err != nil {
		config.LogError(e.logger, moduleName, "ForceReset", "failing running runs", nil, err)
		return 0, err
	}
	if e.lock != nil {
		if err := e.lock.Reset(ctx); err != nil {
			config.LogError(e.logger, moduleName, "ForceReset", "resetting run lock", nil, err)
		}
	}
	e.progress.reset(msgForceReset)

	e.logger.WithFields(logrus.Fields{"rows": n, "wasRunning": wasRunning}).Warn("reconciliation force-reset")
	return n, nil
}

// RecoverInterruptedRuns marks runs left "running" by a crashed process as failed. It does nothing
// while this process has a pass in flight or another process holds the run lock.
func (e *Engine) RecoverInterruptedRuns(ctx context.Context) (int64, error) {
	if e.IsRunning() {
		return 0, nil
	}
	if e.lock != nil {
		held, err := e.lock.Held(ctx)
		if err != nil {
			return 0, fmt.Errorf("check run lock: %w", err)
		}
		if held {
			e.logger.Info("run lock held by another instance; skipping interrupted-run recovery")
			return 0, nil
		}
	}
	n, err := models.FailRunningRuns(ctx, e.db, msgInterrupted, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.WithFields(logrus.Fields{"rows": n}).Warn("marked interrupted runs as failed")
	}
	return n, nil
}

func (e *Engine) History(ctx context.Context, n int) ([]*models.RunHistory, error) {
	return models.ListRunHistory(ctx, e.db, n)
}

func (e *Engine) ChangeLog(ctx context.Context, q models.ChangeLogQuery) (*models.ChangeLogPage, error) {
	return models.ListChangeLog(ctx, e.db, q)
}

// execute runs phases 0-8 for a claimed run and records the outcome.
func (e *Engine) execute(parent context.Context, c *claim) (result *RunResult, err error) {
	run := c.run
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	if e.gen == c.gen {
		e.cancel = cancel
	}
	e.mu.Unlock()
	defer e.release(ctx, c, cancel)

	ctx, span := e.tracer.Start(ctx, "reconciler.Run", trace.WithAttributes(
		attribute.Int("run.id", run.ID),
		attribute.String("run.trigger", run.TriggeredBy),
	))
	defer span.End()

	result = &RunResult{RunId: run.ID, Trigger: run.TriggeredBy, Status: models.RunStatusRunning, StartedAt: run.StartTime}
	log := e.logger.WithFields(logrus.Fields{"module": moduleName, "runId": run.ID, "trigger": run.TriggeredBy})
	log.Info("reconciliation started")

	err = e.runPrimaryPhases(ctx, run, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.failRun(ctx, run, result, err)
		e.progress.fail(err.Error())
		log.WithError(err).Error("reconciliation failed")
		return result, err
	}
	e.progress.phasesDone()

	e.progress.setPhase(PhaseReparent)
	e.bestEffort(ctx, "reparentSubUnits", result, func(ctx context.Context) error {
		return e.reparentSubUnits(ctx, run, result)
	})
	e.progress.setPhase(PhaseCleanup)
	e.bestEffort(ctx, "deactivateOrphans", result, func(ctx context.Context) error {
		return e.deactivateOrphans(ctx, run, result)
	})

	e.progress.setPhase(PhaseFinalizing)
	if err := e.finalizeRun(ctx, run, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.progress.fail(err.Error())
		log.WithError(err).Error("reconciliation could not be finalized")
		return result, err
	}
	e.progress.complete()

	span.SetStatus(codes.Ok, "")
	log.WithFields(logrus.Fields{
		"districts":   result.DistrictsProcessed,
		"units":       result.UnitsProcessed,
		"created":     result.UnitsCreated,
		"reactivated": result.UnitsReactivated,
		"deactivated": result.UnitsDeactivated,
		"updates":     result.UpdatesFound,
		"reparented":  result.SubUnitsReparented,
		"orphans":     result.OrphansDeactivated,
		"durationMs":  result.DurationMs,
	}).Info("reconciliation completed")
	return result, nil
}

// runPrimaryPhases is phases 0-6; any error or panic here fails the run.
func (e *Engine) runPrimaryPhases(ctx context.Context, run *models.RunHistory, result *RunResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during reconciliation: %v", r)
		}
	}()

	e.progress.setPhase(PhaseDistricts)
	districts, err := e.fetchDistricts(ctx)
	if err != nil {
		return err
	}
	result.DistrictsTotal = len(districts)
	if err := e.recordTotalDistricts(ctx, run, len(districts)); err != nil {
		return err
	}

	if err := e.deactivateAllDistricts(ctx); err != nil {
		return err
	}

	e.progress.setTotal(len(districts))
	for i, ref := range districts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconciliation cancelled: %w", err)
		}
		if err := e.reconcileDistrict(ctx, run, i, ref, result); err != nil {
			return err
		}
		e.progress.districtDone(i + 1)
	}
	return nil
}

// bestEffort runs a corrective pass, logging and recording any error or panic instead of propagating it.
func (e *Engine) bestEffort(ctx context.Context, name string, result *RunResult, pass func(context.Context) error) {
	ctx, span := e.tracer.Start(ctx, "reconciler."+name)
	defer span.End()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return pass(ctx)
	}()
	if err != nil {
		span.RecordError(err)
		result.PassErrors = append(result.PassErrors, fmt.Sprintf("%s: %v", name, err))
		config.LogError(e.logger, moduleName, name, "corrective pass failed; continuing", nil, err)
	}
}

func (e *Engine) release(ctx context.Context, c *claim, cancel context.CancelFunc) {
	cancel()
	unlockCtx, done := writeContext(ctx)
	c.unlock(unlockCtx)
	done()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == c.gen {
		e.running = false
		e.cancel = nil
	}
}

// noEnricher is used when no detail-page source is configured.
type noEnricher struct{}

func (noEnricher) Enrich(context.Context, string) source.Result[*source.Enrichment] {
	return source.NotFound[*source.Enrichment]()
}
