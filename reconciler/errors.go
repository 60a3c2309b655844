package reconciler

import "errors"

var (
	// ErrAlreadyRunning is returned by Start (and surfaced as a skipped result by Run) while a pass is in flight.
	ErrAlreadyRunning = errors.New("reconciliation already running")

	ErrDistrictListFailed = errors.New("district list fetch failed")
	ErrEmptyDirectory     = errors.New("district list is empty")

	// ErrRunReset means the run's history row was force-reset while the pass was still executing.
	ErrRunReset = errors.New("run was reset while in progress")
)

const (
	msgInterrupted = "interrupted: process restarted while the run was in progress"
	msgForceReset  = "reset by operator"
)
