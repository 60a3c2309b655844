package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/directorysync"
	"bitbucket.org/mmdatafocus/directory_backend/middlewares"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// progressMirrorInterval bounds how often in-flight snapshots are written to Redis.
const progressMirrorInterval = time.Second

func main() {
	port := os.Getenv("DIRECTORY_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.GetSyncSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Fields are filled in once the store is reachable; the readiness gate keeps requests out until then.
	svc := directorysync.NewService(nil, nil, logger, settings.Dispatch)
	var ready atomic.Bool

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	svc.RegisterRoutes(r)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS=off; running without run lock or progress mirror")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engine, err := newEngine(settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Fatal(err)
	}
	if n, err := engine.RecoverInterruptedRuns(sigCtx); err != nil {
		config.LogError(logger, "main", "RecoverInterruptedRuns", "startup recovery", nil, err)
	} else if n > 0 {
		logger.WithFields(logrus.Fields{"rows": n}).Warn("recovered interrupted runs")
	}

	svc.Engine = engine
	svc.DB = db
	ready.Store(true)

	go svc.RunScheduler(sigCtx, settings.SyncInterval)
	if envBool("SYNC_ON_STARTUP") {
		if _, err := svc.Trigger(sigCtx, models.TriggerStartup, "startup"); err != nil {
			config.LogError(logger, "main", "Trigger", "startup run", nil, err)
		}
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func newEngine(settings *config.SyncSettings, logger *logrus.Logger) (*reconciler.Engine, error) {
	src, err := source.NewHTMLSourceFromSettings(settings, logger)
	if err != nil {
		return nil, err
	}

	cfg := reconciler.ConfigFromSettings(settings)
	cfg.DB = config.GetDB()
	cfg.Logger = logger
	cfg.Directory = src
	cfg.Enricher = src
	cfg.Timezones = source.NewTimezoneResolverFromSettings(settings)
	cfg.Progress = reconciler.NewProgress()

	if rdb := config.GetRedisDB(); rdb != nil {
		cfg.Lock = reconciler.NewRedisRunLock(rdb, config.GetRedisLock(), settings.LockTTL, logger)
		mirrorProgress(cfg.Progress, logger)
	}
	return reconciler.New(cfg)
}

// mirrorProgress copies snapshots to Redis so directoryctl and other instances can read them.
// Running snapshots are throttled; terminal ones are always written.
func mirrorProgress(p *reconciler.Progress, logger *logrus.Logger) {
	var mu sync.Mutex
	var last time.Time
	p.OnChange(func(s reconciler.ProgressSnapshot) {
		mu.Lock()
		if s.Status == reconciler.ProgressRunning && time.Since(last) < progressMirrorInterval {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()
		if err := config.SetRedisObject(reconciler.ProgressRedisKey, s, 24*time.Hour); err != nil {
			logger.WithError(err).Warn("failed to mirror progress to redis")
		}
	})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
