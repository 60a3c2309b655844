package directorysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func PublishSyncRequest(ctx context.Context, payload SyncPubSubPayload) error {
	_, err := config.PublishJSON(ctx, config.SyncTopicName(), payload, envBoolDefault("DIRECTORY_SYNC_CREATE_TOPIC", false))
	return err
}

// PubSubPushHandler starts a run for a pushed sync request. It always answers 204 so Pub/Sub
// does not redeliver requests that are skipped or malformed.
func (s *Service) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_DIRECTORY_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			s.Logger.WithError(err).Warn("invalid pubsub push envelope")
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			s.Logger.WithFields(logrus.Fields{"messageId": envelope.Message.ID}).WithError(err).Warn("invalid sync request payload")
			c.Status(http.StatusNoContent)
			return
		}
		trigger := models.TriggerPubSub
		if payload.Trigger != "" {
			if parsed, err := models.ParseTrigger(payload.Trigger); err == nil {
				trigger = parsed
			}
		}

		run, err := s.Engine.Start(c.Request.Context(), trigger)
		log := s.Logger.WithFields(logrus.Fields{"messageId": envelope.Message.ID, "trigger": trigger})
		switch {
		case errors.Is(err, reconciler.ErrAlreadyRunning):
			log.Info("pushed sync request skipped: already running")
		case err != nil:
			log.WithError(err).Error("pushed sync request failed to start")
		default:
			log.WithField("runId", run.ID).Info("reconciliation started from pubsub")
		}
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
