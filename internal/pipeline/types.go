package pipeline

import (
	"time"

	"github.com/erni-foto/pipeline/internal/library"
)

// RunState is the lifecycle state of a pipeline run
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// WorkItem describes one photo to push through the pipeline
type WorkItem struct {
	SessionID string `json:"session_id"`
	AssetID   string `json:"asset_id"`
	LibraryID string `json:"library_id"`
	FileName  string `json:"file_name"`
}

// RunError captures why a run failed
type RunError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Run is one pipeline execution tracked by the registry
type Run struct {
	ID           string     `json:"id"`
	Item         WorkItem   `json:"item"`
	State        RunState   `json:"state"`
	CurrentStage int        `json:"current_stage"`
	LastError    *RunError  `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunStatus is the externally visible view of a run
type RunStatus struct {
	RunID        string     `json:"run_id"`
	State        RunState   `json:"state"`
	CurrentStage int        `json:"current_stage"`
	StageName    string     `json:"stage_name,omitempty"`
	LastError    *RunError  `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// DetectedField is one metadata value proposed by content analysis
type DetectedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Detection is the outcome of content analysis for one asset
type Detection struct {
	Caption  string                   `json:"caption"`
	Fields   map[string]DetectedField `json:"fields"`
	PIIFound bool                     `json:"pii_found"`
}

// ReportEntry summarizes one stage outcome for the validation report
type ReportEntry struct {
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// Report aggregates the run outcome
type Report struct {
	RunID       string        `json:"run_id"`
	SessionID   string        `json:"session_id"`
	FileName    string        `json:"file_name"`
	Entries     []ReportEntry `json:"entries"`
	GeneratedAt time.Time     `json:"generated_at"`
	PDF         []byte        `json:"-"`
}

// Exchange is the working state handed from stage to stage within one run
type Exchange struct {
	RunID     string
	SessionID string
	Item      WorkItem

	Schema         *library.Schema
	Asset          []byte
	AssetHash      string
	Detection      *Detection
	Metadata       map[string]string
	UploadedItemID string
	Report         *Report

	entries []ReportEntry
}

// RecordOutcome appends a stage outcome consumed later by the report stage
func (e *Exchange) RecordOutcome(entry ReportEntry) {
	e.entries = append(e.entries, entry)
}

// Outcomes returns the stage outcomes recorded so far
func (e *Exchange) Outcomes() []ReportEntry {
	return e.entries
}
