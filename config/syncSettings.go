package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DispatchLocal  = "local"
	DispatchPubSub = "pubsub"
)

// SyncSettings holds everything the reconciler and its collaborators need at runtime.
type SyncSettings struct {
	SourceBaseURL       string        `mapstructure:"source_base_url" validate:"required,url"`
	SourceDirectoryPath string        `mapstructure:"source_directory_path" validate:"required"`
	SourceUnitPath      string        `mapstructure:"source_unit_path" validate:"required"`
	SourceUserAgent     string        `mapstructure:"source_user_agent" validate:"required"`
	SourceRatePerSec    float64       `mapstructure:"source_rate_per_sec" validate:"gt=0"`
	SourceTimeout       time.Duration `mapstructure:"source_timeout" validate:"gt=0"`
	EnrichTimeout       time.Duration `mapstructure:"enrich_timeout" validate:"gt=0"`
	TimezoneAPIURL      string        `mapstructure:"timezone_api_url" validate:"omitempty,url"`
	TimezoneTimeout     time.Duration `mapstructure:"timezone_timeout" validate:"gt=0"`
	ReferenceLatitude   float64       `mapstructure:"reference_latitude" validate:"gte=-90,lte=90"`
	ReferenceLongitude  float64       `mapstructure:"reference_longitude" validate:"gte=-180,lte=180"`
	EnrichConcurrency   int           `mapstructure:"sync_enrich_concurrency" validate:"gte=1,lte=32"`
	SyncInterval        time.Duration `mapstructure:"sync_interval" validate:"gte=0"`
	Dispatch            string        `mapstructure:"sync_dispatch" validate:"oneof=local pubsub"`
	LockTTL             time.Duration `mapstructure:"sync_lock_ttl" validate:"gt=0"`
}

var (
	settingsOnce sync.Once
	settings     *SyncSettings
	settingsErr  error
)

var settingsDefaults = map[string]interface{}{
	"source_base_url":         "https://directory.example.org",
	"source_directory_path":   "/districts",
	"source_unit_path":        "/locales/",
	"source_user_agent":       "directory-sync/1.0",
	"source_rate_per_sec":     2.0,
	"source_timeout":          "30s",
	"enrich_timeout":          "20s",
	"timezone_api_url":        "",
	"timezone_timeout":        "10s",
	"reference_latitude":      14.6760,
	"reference_longitude":     121.0437,
	"sync_enrich_concurrency": 4,
	"sync_interval":           "0s",
	"sync_dispatch":           DispatchLocal,
	"sync_lock_ttl":           "2m",
}

// GetSyncSettings loads the settings once from the environment (and .env).
func GetSyncSettings() (*SyncSettings, error) {
	settingsOnce.Do(func() {
		settings, settingsErr = LoadSyncSettings(viper.New())
	})
	return settings, settingsErr
}

// LoadSyncSettings reads settings from v, applying defaults, and validates them.
func LoadSyncSettings(v *viper.Viper) (*SyncSettings, error) {
	for key, value := range settingsDefaults {
		v.SetDefault(key, value)
		// AutomaticEnv only resolves keys viper already knows about, so bind each one.
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
	v.AutomaticEnv()

	var s SyncSettings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode sync settings: %w", err)
	}
	s.SourceBaseURL = strings.TrimRight(strings.TrimSpace(s.SourceBaseURL), "/")
	s.Dispatch = strings.ToLower(strings.TrimSpace(s.Dispatch))

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid sync settings: %w", err)
	}
	return &s, nil
}
