package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StaticDirectory serves a fixed snapshot from memory. It implements Directory and Enricher and is
// used for fixture-driven runs (directoryctl run --fixture) and tests.
type StaticDirectory struct {
	mu sync.Mutex

	districts      []DistrictRef
	districtsError string
	units          map[string][]UnitRef
	unitErrors     map[string]string
	enrichments    map[string]*Enrichment
	enrichErrors   map[string]string

	unitCalls   map[string]int
	enrichCalls map[string]int
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		units:        map[string][]UnitRef{},
		unitErrors:   map[string]string{},
		enrichments:  map[string]*Enrichment{},
		enrichErrors: map[string]string{},
		unitCalls:    map[string]int{},
		enrichCalls:  map[string]int{},
	}
}

// SetDistrict adds or replaces a district and its unit list. The page ref defaults to the name.
func (s *StaticDirectory) SetDistrict(name string, units ...UnitRef) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := name
	replaced := false
	for i, d := range s.districts {
		if d.Name == name {
			s.districts[i].PageRef = ref
			replaced = true
		}
	}
	if !replaced {
		s.districts = append(s.districts, DistrictRef{Name: name, PageRef: ref})
	}
	if units == nil {
		units = []UnitRef{}
	}
	s.units[ref] = units
	delete(s.unitErrors, ref)
	return s
}

func (s *StaticDirectory) RemoveDistrict(name string) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.districts[:0]
	for _, d := range s.districts {
		if d.Name != name {
			kept = append(kept, d)
		}
	}
	s.districts = kept
	return s
}

func (s *StaticDirectory) FailDistricts(reason string) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.districtsError = reason
	return s
}

func (s *StaticDirectory) FailUnits(pageRef, reason string) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitErrors[pageRef] = reason
	return s
}

func (s *StaticDirectory) SetEnrichment(slug string, e *Enrichment) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichments[slug] = e
	delete(s.enrichErrors, slug)
	return s
}

func (s *StaticDirectory) FailEnrichment(slug, reason string) *StaticDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichErrors[slug] = reason
	return s
}

func (s *StaticDirectory) UnitCalls(pageRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitCalls[pageRef]
}

func (s *StaticDirectory) EnrichCalls(slug string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrichCalls[slug]
}

func (s *StaticDirectory) ListDistricts(ctx context.Context) Result[[]DistrictRef] {
	if err := ctx.Err(); err != nil {
		return Failed[[]DistrictRef]("%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.districtsError != "" {
		return Failed[[]DistrictRef]("%s", s.districtsError)
	}
	out := make([]DistrictRef, len(s.districts))
	copy(out, s.districts)
	return Success(out)
}

func (s *StaticDirectory) ListUnits(ctx context.Context, pageRef string) Result[[]UnitRef] {
	if err := ctx.Err(); err != nil {
		return Failed[[]UnitRef]("%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitCalls[pageRef]++
	if reason, ok := s.unitErrors[pageRef]; ok {
		return Failed[[]UnitRef]("%s", reason)
	}
	units, ok := s.units[pageRef]
	if !ok {
		return NotFound[[]UnitRef]()
	}
	out := make([]UnitRef, len(units))
	copy(out, units)
	return Success(out)
}

func (s *StaticDirectory) Enrich(ctx context.Context, slug string) Result[*Enrichment] {
	if err := ctx.Err(); err != nil {
		return Failed[*Enrichment]("%v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichCalls[slug]++
	if reason, ok := s.enrichErrors[slug]; ok {
		return Failed[*Enrichment]("%s", reason)
	}
	e, ok := s.enrichments[slug]
	if !ok {
		return NotFound[*Enrichment]()
	}
	cp := *e
	return Success(&cp)
}

// Snapshot is the JSON fixture format accepted by LoadSnapshot.
type Snapshot struct {
	Districts []struct {
		Name  string    `json:"name"`
		Units []UnitRef `json:"units"`
	} `json:"districts"`
	Enrichments map[string]*Enrichment `json:"enrichments"`
}

func LoadSnapshot(r io.Reader) (*StaticDirectory, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s := NewStaticDirectory()
	for _, d := range snap.Districts {
		if d.Name == "" {
			return nil, fmt.Errorf("snapshot district without name")
		}
		s.SetDistrict(d.Name, d.Units...)
	}
	for slug, e := range snap.Enrichments {
		if e != nil {
			s.SetEnrichment(slug, e)
		}
	}
	return s, nil
}

// Slug is a convenience for building UnitRefs.
func Slug(s string) *string {
	return &s
}
