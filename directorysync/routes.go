package directorysync

import (
	"net/http"

	"bitbucket.org/mmdatafocus/directory_backend/middlewares"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the operator API. The push endpoint sits outside bearer auth since Pub/Sub
// sends its own OIDC token.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/api/auth/token", s.TokenHandler())
	r.POST("/pubsub/directory-sync", s.PubSubPushHandler())

	api := r.Group("/api/directory", middlewares.AuthMiddleware(), middlewares.RequireOperator(), middlewares.LoaderMiddleware())
	api.POST("/sync", s.TriggerSyncHandler())
	api.GET("/sync/progress", s.ProgressHandler())
	api.POST("/sync/reset", s.ResetHandler())
	api.GET("/sync-runs", s.SyncHistoryHandler())
	api.GET("/sync-runs/:id", s.SyncRunDetailHandler())
	api.GET("/change-log", s.ChangeLogHandler())
	api.GET("/districts", s.DistrictsHandler())
	api.GET("/units", s.UnitsHandler())
	api.GET("/export", s.ExportHandler())
}
