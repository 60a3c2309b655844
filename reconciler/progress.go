package reconciler

import (
	"math"
	"sync"
	"time"
)

type ProgressStatus string

const (
	ProgressIdle      ProgressStatus = "idle"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

const (
	PhaseStarting   = "starting"
	PhaseDistricts  = "fetching districts"
	PhaseUnits      = "reconciling units"
	PhaseReparent   = "reparenting sub-units"
	PhaseCleanup    = "cleaning up orphans"
	PhaseFinalizing = "finalizing"
)

// ProgressRedisKey is where the service mirrors snapshots for other processes.
const ProgressRedisKey = "directory:sync:progress"

type ProgressSnapshot struct {
	Status              ProgressStatus `json:"status"`
	RunId               int            `json:"runId"`
	Phase               string         `json:"phase"`
	Percentage          int            `json:"percentage"`
	CurrentDistrictName string         `json:"currentDistrictName"`
	CurrentUnitName     string         `json:"currentUnitName"`
	Processed           int            `json:"processed"`
	Total               int            `json:"total"`
	Message             string         `json:"message,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Progress is the engine's mutable progress handle. Readers take snapshots; the percentage
// only ever moves forward within a run.
type Progress struct {
	mu       sync.RWMutex
	snap     ProgressSnapshot
	onChange []func(ProgressSnapshot)
}

func NewProgress() *Progress {
	return &Progress{snap: ProgressSnapshot{Status: ProgressIdle, UpdatedAt: time.Now()}}
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// OnChange registers fn to receive every new snapshot. fn runs on the engine's goroutine.
func (p *Progress) OnChange(fn func(ProgressSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

func (p *Progress) update(mutate func(s *ProgressSnapshot)) {
	p.mu.Lock()
	mutate(&p.snap)
	p.snap.UpdatedAt = time.Now()
	snap := p.snap
	hooks := p.onChange
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(snap)
	}
}

func (p *Progress) begin(runId int) {
	p.update(func(s *ProgressSnapshot) {
		*s = ProgressSnapshot{Status: ProgressRunning, RunId: runId, Phase: PhaseStarting}
	})
}

func (p *Progress) setPhase(phase string) {
	p.update(func(s *ProgressSnapshot) { s.Phase = phase })
}

func (p *Progress) setTotal(total int) {
	p.update(func(s *ProgressSnapshot) {
		s.Total = total
		s.Phase = PhaseUnits
	})
}

func (p *Progress) enterDistrict(name string) {
	p.update(func(s *ProgressSnapshot) {
		s.CurrentDistrictName = name
		s.CurrentUnitName = ""
	})
}

// unitDone records unitIdx of unitCount finished inside the district at districtIdx.
func (p *Progress) unitDone(districtIdx, unitIdx, unitCount int, unitName string) {
	p.update(func(s *ProgressSnapshot) {
		s.CurrentUnitName = unitName
		frac := 0.0
		if unitCount > 0 {
			frac = float64(unitIdx) / float64(unitCount)
		}
		s.Percentage = advance(s.Percentage, percentOf(float64(districtIdx)+frac, s.Total))
	})
}

func (p *Progress) districtDone(processed int) {
	p.update(func(s *ProgressSnapshot) {
		s.Processed = processed
		s.Percentage = advance(s.Percentage, percentOf(float64(processed), s.Total))
	})
}

func (p *Progress) phasesDone() {
	p.update(func(s *ProgressSnapshot) {
		s.Percentage = 100
		s.CurrentUnitName = ""
		s.Phase = PhaseReparent
	})
}

func (p *Progress) complete() {
	p.update(func(s *ProgressSnapshot) {
		s.Status = ProgressCompleted
		s.Phase = PhaseFinalizing
		s.Percentage = 100
	})
}

func (p *Progress) fail(msg string) {
	p.update(func(s *ProgressSnapshot) {
		s.Status = ProgressFailed
		s.Message = msg
	})
}

func (p *Progress) reset(msg string) {
	p.update(func(s *ProgressSnapshot) {
		*s = ProgressSnapshot{Status: ProgressIdle, Message: msg}
	})
}

func percentOf(done float64, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Floor(done / float64(total) * 100))
	if pct > 100 {
		return 100
	}
	return pct
}

func advance(current, next int) int {
	if next > current {
		return next
	}
	return current
}
