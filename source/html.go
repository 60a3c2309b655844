package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

type HTMLSourceOptions struct {
	BaseURL       string
	DirectoryPath string
	UnitPath      string
	UserAgent     string
	RatePerSec    float64
	Timeout       time.Duration
	RetryCount    int
}

// HTMLSource scrapes the directory site. It implements Directory and Enricher.
type HTMLSource struct {
	client        *resty.Client
	limiter       *rate.Limiter
	baseURL       *url.URL
	directoryPath string
	unitPath      string
	logger        *logrus.Logger
}

func NewHTMLSource(opts HTMLSourceOptions, logger *logrus.Logger) (*HTMLSource, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.UnitPath == "" {
		opts.UnitPath = "/locales/"
	}

	client := resty.New().
		SetBaseURL(base.String()).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "text/html,application/xhtml+xml")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &HTMLSource{
		client:        client,
		limiter:       rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		baseURL:       base,
		directoryPath: opts.DirectoryPath,
		unitPath:      opts.UnitPath,
		logger:        logger,
	}, nil
}

func NewHTMLSourceFromSettings(s *config.SyncSettings, logger *logrus.Logger) (*HTMLSource, error) {
	return NewHTMLSource(HTMLSourceOptions{
		BaseURL:       s.SourceBaseURL,
		DirectoryPath: s.SourceDirectoryPath,
		UnitPath:      s.SourceUnitPath,
		UserAgent:     s.SourceUserAgent,
		RatePerSec:    s.SourceRatePerSec,
		Timeout:       s.SourceTimeout,
		RetryCount:    2,
	}, logger)
}

// BaseURL is the site root, used to resolve relative image links.
func (s *HTMLSource) BaseURL() *url.URL {
	return s.baseURL
}

// fetch returns the parsed page and the page's own URL for resolving relative links.
func (s *HTMLSource) fetch(ctx context.Context, ref string) (*html.Node, *url.URL, ResultKind, string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, ResultScrapeError, fmt.Sprintf("rate limiter: %v", err)
	}

	pageURL, err := s.baseURL.Parse(ref)
	if err != nil {
		return nil, nil, ResultScrapeError, fmt.Sprintf("invalid page ref %q", ref)
	}

	resp, err := s.client.R().SetContext(ctx).Get(pageURL.String())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, ResultScrapeError, fmt.Sprintf("timeout fetching %s", pageURL)
		}
		return nil, nil, ResultScrapeError, fmt.Sprintf("fetch %s: %v", pageURL, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound || code == http.StatusGone:
		return nil, pageURL, ResultNotFound, ""
	case code < 200 || code >= 300:
		return nil, pageURL, ResultScrapeError, fmt.Sprintf("fetch %s: status %d", pageURL, code)
	}

	doc, err := html.Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, pageURL, ResultScrapeError, fmt.Sprintf("parse %s: %v", pageURL, err)
	}
	return doc, pageURL, ResultSuccess, ""
}

func (s *HTMLSource) ListDistricts(ctx context.Context) Result[[]DistrictRef] {
	doc, pageURL, kind, reason := s.fetch(ctx, s.directoryPath)
	switch kind {
	case ResultNotFound:
		return Failed[[]DistrictRef]("directory page not found at %s", pageURL)
	case ResultScrapeError:
		return Failed[[]DistrictRef]("%s", reason)
	}

	container := findFirst(doc, withClass(classDistrictList))
	if container == nil {
		return Failed[[]DistrictRef]("district list markup not found at %s", pageURL)
	}

	districts := []DistrictRef{}
	seen := map[string]struct{}{}
	for _, a := range findAll(container, isLink) {
		name := textContent(a)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		districts = append(districts, DistrictRef{Name: name, PageRef: resolveRef(pageURL, attr(a, "href"))})
	}
	return Success(districts)
}

func (s *HTMLSource) ListUnits(ctx context.Context, pageRef string) Result[[]UnitRef] {
	doc, pageURL, kind, reason := s.fetch(ctx, pageRef)
	switch kind {
	case ResultNotFound:
		return NotFound[[]UnitRef]()
	case ResultScrapeError:
		return Failed[[]UnitRef]("%s", reason)
	}

	container := findFirst(doc, withClass(classLocaleList))
	if container == nil {
		return Failed[[]UnitRef]("unit list markup not found at %s", pageURL)
	}

	units := []UnitRef{}
	for _, item := range findAll(container, withClass(classLocale)) {
		name := ""
		if n := findFirst(item, withClass(classLocaleName)); n != nil {
			name = textContent(n)
		}
		var slug *string
		for _, a := range findAll(item, isLink) {
			if sl := slugFromHref(resolveRef(pageURL, attr(a, "href")), s.unitPath); sl != "" {
				slug = &sl
				if name == "" {
					name = textContent(a)
				}
				break
			}
		}
		if name == "" {
			name = textContent(item)
		}
		if name == "" {
			continue
		}
		units = append(units, UnitRef{Name: name, Slug: slug})
	}
	return Success(units)
}

func (s *HTMLSource) Enrich(ctx context.Context, slug string) Result[*Enrichment] {
	if strings.TrimSpace(slug) == "" {
		return NotFound[*Enrichment]()
	}
	ref := "/" + strings.Trim(s.unitPath, "/") + "/" + url.PathEscape(slug)
	doc, pageURL, kind, reason := s.fetch(ctx, ref)
	switch kind {
	case ResultNotFound:
		return NotFound[*Enrichment]()
	case ResultScrapeError:
		return Failed[*Enrichment]("%s", reason)
	}

	detail := findFirst(doc, withClass(classLocaleDetail))
	if detail == nil {
		return Failed[*Enrichment]("unit detail markup not found at %s", pageURL)
	}

	e := &Enrichment{}
	if n := findFirst(detail, withField("address")); n != nil {
		e.Address = optional(textContent(n))
	}
	if n := findFirst(detail, withField("schedule")); n != nil {
		e.Schedule = optional(blockText(n))
	}
	if n := findFirst(detail, withField("contact")); n != nil {
		e.Contact = optional(textContent(n))
	}
	if n := findFirst(detail, withField("image")); n != nil {
		src := attr(n, "src")
		if src == "" {
			src = attr(n, "data-src")
		}
		e.ImageUrl = optional(src)
	}
	if n := findFirst(detail, withField("map")); n != nil {
		e.MapLink = optional(resolveRef(pageURL, attr(n, "href")))
	}
	if n := findFirst(detail, func(n *html.Node) bool { return attr(n, attrLat) != "" }); n != nil {
		e.Latitude = parseCoordinate(attr(n, attrLat))
		e.Longitude = parseCoordinate(attr(n, attrLng))
	}
	if (e.Latitude == nil || e.Longitude == nil) && e.MapLink != nil {
		e.Latitude, e.Longitude = coordinatesFromMapLink(*e.MapLink)
	}
	return Success(e)
}
