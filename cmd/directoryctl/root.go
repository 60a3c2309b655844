package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:           "directoryctl",
	Short:         "Operate the directory reconciler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// connectStore connects the database, and Redis when REDIS_ADDRESS names a server.
func connectStore() *gorm.DB {
	config.ConnectDatabaseWithRetry()
	if redisConfigured() {
		config.ConnectRedisWithRetry()
	}
	return config.GetDB()
}

func redisConfigured() bool {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	return addr != "" && config.RedisEnabled()
}

// newEngine builds an engine over the live HTML source, or over dir when one is given.
func newEngine(db *gorm.DB, dir *source.StaticDirectory) (*reconciler.Engine, error) {
	settings, err := config.GetSyncSettings()
	if err != nil {
		return nil, err
	}
	logger := config.GetLogger()

	cfg := reconciler.ConfigFromSettings(settings)
	cfg.DB = db
	cfg.Logger = logger
	if dir != nil {
		cfg.Directory = dir
		cfg.Enricher = dir
		cfg.Timezones = source.PhilippinesTimezoneResolver{}
	} else {
		src, err := source.NewHTMLSourceFromSettings(settings, logger)
		if err != nil {
			return nil, err
		}
		cfg.Directory = src
		cfg.Enricher = src
		cfg.Timezones = source.NewTimezoneResolverFromSettings(settings)
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		cfg.Lock = reconciler.NewRedisRunLock(rdb, config.GetRedisLock(), settings.LockTTL, logger)
	}
	return reconciler.New(cfg)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
