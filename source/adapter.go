// Package source fetches the external directory: the district list, each district's units, per-unit
// detail pages and timezone lookups. Every call returns a tagged Result so callers never have to
// guess whether an empty answer means "nothing there" or "could not fetch".
package source

import (
	"context"
	"errors"
	"fmt"
)

type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultNotFound
	ResultScrapeError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultNotFound:
		return "not_found"
	case ResultScrapeError:
		return "scrape_error"
	}
	return "unknown"
}

var ErrNotFound = errors.New("source: not found")

// ScrapeError is a fetch or parse failure with a human-readable reason.
type ScrapeError struct {
	Reason string
}

func (e *ScrapeError) Error() string {
	return "source: scrape failed: " + e.Reason
}

// Result is Success{Data} | NotFound | ScrapeError{Reason}.
type Result[T any] struct {
	Kind   ResultKind
	Data   T
	Reason string
}

func Success[T any](data T) Result[T] {
	return Result[T]{Kind: ResultSuccess, Data: data}
}

func NotFound[T any]() Result[T] {
	return Result[T]{Kind: ResultNotFound}
}

func Failed[T any](format string, args ...any) Result[T] {
	return Result[T]{Kind: ResultScrapeError, Reason: fmt.Sprintf(format, args...)}
}

func (r Result[T]) OK() bool {
	return r.Kind == ResultSuccess
}

// Err is nil on success, ErrNotFound or a *ScrapeError otherwise.
func (r Result[T]) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultNotFound:
		return ErrNotFound
	}
	return &ScrapeError{Reason: r.Reason}
}

type DistrictRef struct {
	Name    string `json:"name"`
	PageRef string `json:"pageRef"`
}

// UnitRef is one unit on a district page. Slug is nil for sub-units without a page of their own.
type UnitRef struct {
	Name string  `json:"name"`
	Slug *string `json:"slug"`
}

// Enrichment is what a unit's detail page yields. Every field is optional.
type Enrichment struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   *string  `json:"address"`
	Schedule  *string  `json:"schedule"`
	Contact   *string  `json:"contact"`
	ImageUrl  *string  `json:"imageUrl"`
	MapLink   *string  `json:"mapLink"`
}

type Directory interface {
	ListDistricts(ctx context.Context) Result[[]DistrictRef]
	ListUnits(ctx context.Context, pageRef string) Result[[]UnitRef]
}

type Enricher interface {
	Enrich(ctx context.Context, slug string) Result[*Enrichment]
}

// TimezoneResolver maps coordinates to an IANA zone name.
type TimezoneResolver interface {
	ResolveTimezone(ctx context.Context, lat, lng float64) Result[string]
}
