package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directoryPage = `<html><body>
<nav><a href="/about">About</a></nav>
<ul class="district-list">
  <li><a href="/districts/alpha">  Alpha </a></li>
  <li><a href="districts/beta">Beta
     District</a></li>
  <li><a href="/districts/alpha">Alpha</a></li>
  <li><a href="">Empty</a></li>
</ul></body></html>`

const alphaPage = `<html><body><ul class="locale-list">
  <li class="locale"><a href="/locales/church-one"><span class="locale-name">Church One</span></a></li>
  <li class="locale"><a href="https://directory.test/locales/church%20two/">Church Two</a></li>
  <li class="locale"><span class="locale-name">Church One Ext.</span></li>
  <li class="locale"><a href="/maps?q=1,2">Church Three GWS</a></li>
</ul></body></html>`

const emptyPage = `<html><body><ul class="locale-list"></ul></body></html>`

const detailPage = `<html><body><div class="locale-detail">
  <p data-field="address">  12 Rizal St.,
     Malolos </p>
  <div data-field="schedule">Sunday<br>9:00 AM<ul><li>Thursday  7:00 PM</li></ul></div>
  <span data-field="contact">0917 123 4567</span>
  <img data-field="image" src="//cdn.test/img/one.jpg">
  <a data-field="map" href="https://maps.test/?q=14.85,120.81">Map</a>
</div></body></html>`

func newTestSource(t *testing.T, handler http.Handler) (*HTMLSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewHTMLSource(HTMLSourceOptions{
		BaseURL:       srv.URL,
		DirectoryPath: "/directory",
		UnitPath:      "/locales/",
		UserAgent:     "directory-sync-test",
		RatePerSec:    1000,
		Timeout:       2 * time.Second,
	}, logrus.New())
	require.NoError(t, err)
	return s, srv
}

func TestListDistricts(t *testing.T) {
	var ua atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		_, _ = w.Write([]byte(directoryPage))
	})
	s, srv := newTestSource(t, mux)

	res := s.ListDistricts(context.Background())
	require.True(t, res.OK(), res.Reason)
	require.Len(t, res.Data, 2)
	assert.Equal(t, DistrictRef{Name: "Alpha", PageRef: srv.URL + "/districts/alpha"}, res.Data[0])
	assert.Equal(t, DistrictRef{Name: "Beta District", PageRef: srv.URL + "/districts/beta"}, res.Data[1])
	assert.Equal(t, "directory-sync-test", ua.Load())
}

func TestListDistrictsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>Maintenance</p></body></html>`))
	})
	s, _ := newTestSource(t, mux)
	res := s.ListDistricts(context.Background())
	assert.Equal(t, ResultScrapeError, res.Kind)
	var scrapeErr *ScrapeError
	assert.ErrorAs(t, res.Err(), &scrapeErr)

	down, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	assert.Equal(t, ResultScrapeError, down.ListDistricts(context.Background()).Kind)
}

func TestListUnits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/districts/alpha", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(alphaPage))
	})
	mux.HandleFunc("/districts/empty", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(emptyPage))
	})
	mux.HandleFunc("/districts/broken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>oops</body></html>`))
	})
	s, srv := newTestSource(t, mux)
	ctx := context.Background()

	res := s.ListUnits(ctx, srv.URL+"/districts/alpha")
	require.True(t, res.OK(), res.Reason)
	require.Len(t, res.Data, 4)
	assert.Equal(t, "Church One", res.Data[0].Name)
	assert.Equal(t, "church-one", *res.Data[0].Slug)
	assert.Equal(t, "Church Two", res.Data[1].Name)
	assert.Equal(t, "church two", *res.Data[1].Slug)
	assert.Equal(t, "Church One Ext.", res.Data[2].Name)
	assert.Nil(t, res.Data[2].Slug)
	assert.Equal(t, "Church Three GWS", res.Data[3].Name)
	assert.Nil(t, res.Data[3].Slug)

	empty := s.ListUnits(ctx, "/districts/empty")
	require.True(t, empty.OK())
	assert.Empty(t, empty.Data)
	assert.NotNil(t, empty.Data)

	assert.Equal(t, ResultScrapeError, s.ListUnits(ctx, "/districts/broken").Kind)
	assert.Equal(t, ResultNotFound, s.ListUnits(ctx, "/districts/missing").Kind)
}

func TestListUnitsTimeout(t *testing.T) {
	s, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := s.ListUnits(ctx, "/districts/slow")
	assert.Equal(t, ResultScrapeError, res.Kind)
}

func TestEnrich(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/locales/church-one", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(detailPage))
	})
	s, _ := newTestSource(t, mux)
	ctx := context.Background()

	res := s.Enrich(ctx, "church-one")
	require.True(t, res.OK(), res.Reason)
	e := res.Data
	assert.Equal(t, "12 Rizal St., Malolos", *e.Address)
	assert.Equal(t, "Sunday\n9:00 AM\nThursday 7:00 PM", *e.Schedule)
	assert.Equal(t, "0917 123 4567", *e.Contact)
	assert.Equal(t, "//cdn.test/img/one.jpg", *e.ImageUrl)
	assert.Equal(t, "https://maps.test/?q=14.85,120.81", *e.MapLink)
	require.NotNil(t, e.Latitude)
	assert.InDelta(t, 14.85, *e.Latitude, 1e-9)
	assert.InDelta(t, 120.81, *e.Longitude, 1e-9)

	assert.Equal(t, ResultNotFound, s.Enrich(ctx, "missing").Kind)
	assert.Equal(t, ResultNotFound, s.Enrich(ctx, "").Kind)
}

func TestNormalizeImageURL(t *testing.T) {
	base, _ := url.Parse("https://directory.test/locales/x")
	cases := map[string]string{
		"//cdn.test/a.jpg":         "https://cdn.test/a.jpg",
		"/img/a b.png":             "https://directory.test/img/a%20b.png",
		"  http://x.test/a.png  ":  "http://x.test/a.png",
		"img/a.png":                "https://directory.test/locales/img/a.png",
		"data:image/png;base64,AA": "",
		"":                         "",
		"ftp://x.test/a.png":       "",
	}
	for in, want := range cases {
		got := NormalizeImageURL(in, base)
		if want == "" {
			assert.Nil(t, got, in)
			continue
		}
		require.NotNil(t, got, in)
		assert.Equal(t, want, *got, in)
	}
}

func TestTimezoneResolvers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Query().Get("lat"), "-") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"zoneName":"Asia/Tokyo"}`))
	}))
	defer srv.Close()

	resolver := NewCachedTimezoneResolver(NewHTTPTimezoneResolver(srv.URL, time.Second), time.Minute)
	ctx := context.Background()

	res := resolver.ResolveTimezone(ctx, 35.68, 139.69)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, "Asia/Tokyo", res.Data)
	res = resolver.ResolveTimezone(ctx, 35.681, 139.691)
	assert.Equal(t, "Asia/Tokyo", res.Data)
	assert.EqualValues(t, 1, calls.Load())

	assert.Equal(t, ResultNotFound, resolver.ResolveTimezone(ctx, -33.8, 151.2).Kind)

	ph := PhilippinesTimezoneResolver{}
	assert.Equal(t, "Asia/Manila", ph.ResolveTimezone(ctx, 14.6, 121.0).Data)
	assert.Equal(t, ResultNotFound, ph.ResolveTimezone(ctx, 35.6, 139.7).Kind)
}

func TestLoadSnapshot(t *testing.T) {
	s, err := LoadSnapshot(strings.NewReader(`{
		"districts": [{"name": "Alpha", "units": [{"name": "Church One", "slug": "c1"}, {"name": "Church One Ext.", "slug": null}]},
		              {"name": "Beta", "units": []}],
		"enrichments": {"c1": {"address": "Somewhere"}}
	}`))
	require.NoError(t, err)
	ctx := context.Background()

	districts := s.ListDistricts(ctx)
	require.True(t, districts.OK())
	require.Len(t, districts.Data, 2)

	units := s.ListUnits(ctx, districts.Data[0].PageRef)
	require.True(t, units.OK())
	require.Len(t, units.Data, 2)
	assert.Nil(t, units.Data[1].Slug)

	beta := s.ListUnits(ctx, "Beta")
	require.True(t, beta.OK())
	assert.Empty(t, beta.Data)

	e := s.Enrich(ctx, "c1")
	require.True(t, e.OK())
	assert.Equal(t, "Somewhere", *e.Data.Address)
	assert.Equal(t, 1, s.EnrichCalls("c1"))
}
