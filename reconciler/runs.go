package reconciler

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// claim is a run this process owns: the history row, the in-process generation and the lock release.
type claim struct {
	run    *models.RunHistory
	gen    uint64
	unlock func(context.Context)
}

// begin performs the check-and-mark: in-process flag, then the cross-process lock, then the
// running history row (guarded by its unique running slot). Any layer refusing yields ErrAlreadyRunning.
func (e *Engine) begin(ctx context.Context, trigger string) (*claim, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	abort := func() {
		e.mu.Lock()
		if e.gen == gen {
			e.running = false
		}
		e.mu.Unlock()
	}

	unlock := func(context.Context) {}
	if e.lock != nil {
		release, err := e.lock.Acquire(ctx)
		if err != nil {
			abort()
			return nil, err
		}
		unlock = release
	}

	run, err := e.markRunning(ctx, trigger)
	if err != nil {
		unlock(context.WithoutCancel(ctx))
		abort()
		return nil, err
	}

	e.progress.begin(run.ID)
	return &claim{run: run, gen: gen, unlock: unlock}, nil
}

func (e *Engine) markRunning(ctx context.Context, trigger string) (*models.RunHistory, error) {
	run := &models.RunHistory{
		Status:      models.RunStatusRunning,
		TriggeredBy: trigger,
		RunningSlot: models.RunningSlotValue(),
		StartTime:   e.now(),
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.RunHistory{}).Where("status = ?", models.RunStatusRunning).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyRunning
		}
		return tx.Create(run).Error
	})
	if errors.Is(err, ErrAlreadyRunning) || utils.IsDuplicateKeyError(err) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		config.LogError(e.logger, moduleName, "markRunning", "creating run history", trigger, err)
		return nil, err
	}
	return run, nil
}

func (e *Engine) recordTotalDistricts(ctx context.Context, run *models.RunHistory, total int) error {
	run.TotalDistricts = total
	return e.db.WithContext(ctx).Model(&models.RunHistory{}).
		Where("id = ?", run.ID).
		Update("total_districts", total).Error
}

// writeContext detaches from cancellation so a cancelled pass can still record its outcome.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func (e *Engine) finishFields(run *models.RunHistory, result *RunResult, status models.RunStatus) map[string]interface{} {
	end := e.now()
	result.Status = status
	result.FinishedAt = end
	result.DurationMs = end.Sub(run.StartTime).Milliseconds()

	fields := map[string]interface{}{
		"status":          status,
		"running_slot":    nil,
		"end_time":        end,
		"total_districts": result.DistrictsTotal,
		"total_units":     result.UnitsProcessed,
		"new_units":       result.UnitsCreated,
		"updated_units":   result.UpdatesFound,
		"duration_ms":     result.DurationMs,
	}
	if stats, err := utils.MarshalToJSON(result); err == nil {
		fields["stats_json"] = stats
	}
	return fields
}

// finalizeRun writes the completed status. It only touches the row while it is still running,
// so a run that was force-reset mid-flight keeps its failed status.
func (e *Engine) finalizeRun(ctx context.Context, run *models.RunHistory, result *RunResult) error {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	fields := e.finishFields(run, result, models.RunStatusCompleted)
	res := e.db.WithContext(ctx).Model(&models.RunHistory{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Updates(fields)
	if res.Error != nil {
		config.LogError(e.logger, moduleName, "finalizeRun", "updating run history", run.ID, res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		result.Status = models.RunStatusFailed
		result.Error = ErrRunReset.Error()
		return ErrRunReset
	}
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *models.RunHistory, result *RunResult, cause error) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	result.Error = cause.Error()
	fields := e.finishFields(run, result, models.RunStatusFailed)
	fields["error_message"] = cause.Error()
	res := e.db.WithContext(ctx).Model(&models.RunHistory{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Updates(fields)
	if res.Error != nil {
		config.LogError(e.logger, moduleName, "failRun", "updating run history", run.ID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		e.logger.WithFields(logrus.Fields{"runId": run.ID}).Warn("failed run was already closed (force-reset?)")
	}
}
