// Package directorysync exposes the reconciliation engine to operators over HTTP and Pub/Sub.
package directorysync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Service struct {
	Engine   *reconciler.Engine
	DB       *gorm.DB
	Logger   *logrus.Logger
	Dispatch string

	// Publish sends a run request to the sync topic. Defaults to PublishSyncRequest.
	Publish func(ctx context.Context, payload SyncPubSubPayload) error
}

func NewService(engine *reconciler.Engine, db *gorm.DB, logger *logrus.Logger, dispatch string) *Service {
	if logger == nil {
		logger = config.GetLogger()
	}
	if dispatch == "" {
		dispatch = config.DispatchLocal
	}
	return &Service{
		Engine:   engine,
		DB:       db,
		Logger:   logger,
		Dispatch: dispatch,
		Publish:  PublishSyncRequest,
	}
}

// Trigger starts a run locally, or queues one on the sync topic when dispatching through Pub/Sub.
// It returns reconciler.ErrAlreadyRunning when this process already has a pass in flight.
func (s *Service) Trigger(ctx context.Context, trigger, requestedBy string) (*TriggerResponse, error) {
	if s.Dispatch == config.DispatchPubSub {
		if s.Engine.IsRunning() {
			return nil, reconciler.ErrAlreadyRunning
		}
		payload := SyncPubSubPayload{Trigger: trigger, RequestedBy: requestedBy, RequestedAt: time.Now()}
		if err := s.Publish(ctx, payload); err != nil {
			config.LogError(s.Logger, "directorysync", "Trigger", "publishing sync request", payload, err)
			return nil, err
		}
		return &TriggerResponse{Queued: true}, nil
	}

	run, err := s.Engine.Start(ctx, trigger)
	if err != nil {
		if !errors.Is(err, reconciler.ErrAlreadyRunning) {
			config.LogError(s.Logger, "directorysync", "Trigger", "starting run", trigger, err)
		}
		return nil, err
	}
	s.Logger.WithFields(logrus.Fields{"runId": run.ID, "trigger": trigger, "requestedBy": requestedBy}).Info("reconciliation started")
	return &TriggerResponse{RunId: run.ID}, nil
}

// RunScheduler triggers a run every interval until ctx is done. A zero interval disables it.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.Trigger(ctx, models.TriggerSchedule, "scheduler")
			if errors.Is(err, reconciler.ErrAlreadyRunning) {
				s.Logger.WithField("trigger", models.TriggerSchedule).Info("scheduled run skipped: already running")
			}
		}
	}
}
