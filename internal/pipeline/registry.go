package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/erni-foto/pipeline/pkg/errors"
)

// Registry tracks every run known to the orchestrator and guards its state
// machine: Pending -> Running -> {Completed, Failed, Cancelled}, with
// Pending -> Cancelled for runs withdrawn before admission. Terminal states
// are immutable and the stage index only moves forward.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty run registry
func NewRegistry() *Registry {
	return &Registry{
		runs:    make(map[string]*Run),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Add registers a new pending run
func (r *Registry) Add(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return errors.NewConflictError("run already registered")
	}

	r.runs[run.ID] = run
	return nil
}

// Get returns a snapshot of a run
func (r *Registry) Get(runID string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return Run{}, errors.NewNotFoundError("run")
	}

	return *run, nil
}

// MarkRunning transitions a pending run to running and stores its cancel
// function. Returns false when the run was cancelled before admission.
func (r *Registry) MarkRunning(runID string, cancel context.CancelFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return false, errors.NewNotFoundError("run")
	}

	if run.State == RunStateCancelled {
		return false, nil
	}
	if run.State != RunStatePending {
		return false, errors.NewConflictError("run is not pending")
	}

	now := time.Now().UTC()
	run.State = RunStateRunning
	run.StartedAt = &now
	run.CurrentStage = 0
	r.cancels[runID] = cancel
	return true, nil
}

// AdvanceStage moves a running run to the given stage index
func (r *Registry) AdvanceStage(runID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return errors.NewNotFoundError("run")
	}

	if run.State != RunStateRunning {
		return errors.NewConflictError("run is not running")
	}
	if index < run.CurrentStage {
		return errors.NewConflictError("stage index cannot move backwards")
	}

	run.CurrentStage = index
	return nil
}

// Finish moves a run into a terminal state. The stage index and last error
// freeze at their final values.
func (r *Registry) Finish(runID string, state RunState, lastErr *RunError) error {
	if !state.IsTerminal() {
		return errors.NewValidationError("finish requires a terminal state")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return errors.NewNotFoundError("run")
	}

	if run.State.IsTerminal() {
		return errors.NewConflictError("run already finished")
	}

	now := time.Now().UTC()
	run.State = state
	run.LastError = lastErr
	run.FinishedAt = &now
	delete(r.cancels, runID)
	return nil
}

// RequestCancel cancels a run. A pending run goes straight to Cancelled; a
// running run has its context cancelled and finishes on its own. Cancelling
// a terminal run is a conflict.
func (r *Registry) RequestCancel(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return errors.NewNotFoundError("run")
	}

	switch run.State {
	case RunStatePending:
		now := time.Now().UTC()
		run.State = RunStateCancelled
		run.FinishedAt = &now
		return nil
	case RunStateRunning:
		if cancel, ok := r.cancels[runID]; ok {
			cancel()
		}
		return nil
	default:
		return errors.NewConflictError("run already finished")
	}
}

// Status returns the externally visible view of a run
func (r *Registry) Status(runID string) (*RunStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, errors.NewNotFoundError("run")
	}

	status := &RunStatus{
		RunID:        run.ID,
		State:        run.State,
		CurrentStage: run.CurrentStage,
		LastError:    run.LastError,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if run.CurrentStage >= 0 && run.CurrentStage < len(StageNames) {
		status.StageName = StageNames[run.CurrentStage]
	}

	return status, nil
}

// Len returns the number of registered runs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.runs)
}
