package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
)

// HTTPTimezoneResolver asks a JSON lookup service for the zone at a coordinate.
// The service is called as GET <url>?lat=..&lng=.. and may answer with any of
// "timeZoneId", "zoneName" or "timezone".
type HTTPTimezoneResolver struct {
	client *resty.Client
	url    string
}

type timezoneResponse struct {
	TimeZoneId string `json:"timeZoneId"`
	ZoneName   string `json:"zoneName"`
	Timezone   string `json:"timezone"`
}

func NewHTTPTimezoneResolver(apiURL string, timeout time.Duration) *HTTPTimezoneResolver {
	return &HTTPTimezoneResolver{
		client: resty.New().
			SetTimeout(timeout).
			SetRetryCount(1).
			SetHeader("Accept", "application/json"),
		url: apiURL,
	}
}

func (r *HTTPTimezoneResolver) ResolveTimezone(ctx context.Context, lat, lng float64) Result[string] {
	var body timezoneResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("lat", fmt.Sprintf("%.6f", lat)).
		SetQueryParam("lng", fmt.Sprintf("%.6f", lng)).
		SetResult(&body).
		Get(r.url)
	if err != nil {
		return Failed[string]("timezone lookup: %v", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return NotFound[string]()
	}
	if resp.IsError() {
		return Failed[string]("timezone lookup: status %d", resp.StatusCode())
	}
	for _, zone := range []string{body.TimeZoneId, body.ZoneName, body.Timezone} {
		if zone = strings.TrimSpace(zone); zone != "" {
			return Success(zone)
		}
	}
	return NotFound[string]()
}

// PhilippinesTimezoneResolver answers Asia/Manila inside the Philippine bounding box and
// NotFound elsewhere. Used when no lookup service is configured.
type PhilippinesTimezoneResolver struct{}

func (PhilippinesTimezoneResolver) ResolveTimezone(_ context.Context, lat, lng float64) Result[string] {
	if lat >= 4.2 && lat <= 21.5 && lng >= 116.0 && lng <= 127.0 {
		return Success("Asia/Manila")
	}
	return NotFound[string]()
}

// CachedTimezoneResolver memoises successful and not-found lookups per ~1 km grid cell.
type CachedTimezoneResolver struct {
	inner TimezoneResolver
	cache *gocache.Cache
}

func NewCachedTimezoneResolver(inner TimezoneResolver, ttl time.Duration) *CachedTimezoneResolver {
	return &CachedTimezoneResolver{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedTimezoneResolver) ResolveTimezone(ctx context.Context, lat, lng float64) Result[string] {
	key := fmt.Sprintf("%.2f,%.2f", lat, lng)
	if v, ok := c.cache.Get(key); ok {
		return v.(Result[string])
	}
	res := c.inner.ResolveTimezone(ctx, lat, lng)
	if res.Kind != ResultScrapeError {
		c.cache.Set(key, res, gocache.DefaultExpiration)
	}
	return res
}

// NewTimezoneResolverFromSettings returns the configured resolver wrapped in a process-lifetime cache.
func NewTimezoneResolverFromSettings(s *config.SyncSettings) TimezoneResolver {
	var inner TimezoneResolver = PhilippinesTimezoneResolver{}
	if strings.TrimSpace(s.TimezoneAPIURL) != "" {
		inner = NewHTTPTimezoneResolver(s.TimezoneAPIURL, s.TimezoneTimeout)
	}
	return NewCachedTimezoneResolver(inner, 24*time.Hour)
}
