package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erni-foto/pipeline/internal/session"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
	"github.com/erni-foto/pipeline/pkg/metrics"
	"github.com/erni-foto/pipeline/pkg/resilience"
	"github.com/erni-foto/pipeline/pkg/tracing"
)

// Archiver persists terminal runs to long-term storage
type Archiver interface {
	SaveRun(ctx context.Context, run Run, report *Report) error
}

// Service is the pipeline orchestrator: it admits submitted work items into
// a bounded worker pool and drives each run through the fixed stage
// sequence.
type Service struct {
	cfg      *config.PipelineConfig
	stages   []Stage
	registry *Registry
	sessions *session.Manager
	metrics  *metrics.Metrics
	tracing  *tracing.TracingService
	logger   *logging.Logger
	archiver Archiver

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the orchestrator
func NewService(
	cfg *config.PipelineConfig,
	stages []Stage,
	sessions *session.Manager,
	m *metrics.Metrics,
	ts *tracing.TracingService,
	archiver Archiver,
) (*Service, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("pipeline configuration is required")
	}
	if sessions == nil {
		return nil, errors.NewValidationError("session store is required")
	}
	if err := ValidateStages(stages); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if ts == nil {
		var err error
		ts, err = tracing.NewTracingService(&tracing.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		cfg:      cfg,
		stages:   stages,
		registry: NewRegistry(),
		sessions: sessions,
		metrics:  m,
		tracing:  ts,
		logger:   logging.GetLogger(),
		archiver: archiver,
		queue:    make(chan string, cfg.MaxConcurrentRuns*4),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the worker pool
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.MaxConcurrentRuns; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.logger.Info("Pipeline orchestrator started",
		"workers", s.cfg.MaxConcurrentRuns,
		"run_timeout", s.runTimeout().String(),
	)
}

// Stop shuts the worker pool down, waiting up to 30 seconds for in-flight
// runs to finish.
func (s *Service) Stop() error {
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Pipeline orchestrator stopped")
		return nil
	case <-time.After(30 * time.Second):
		return errors.NewTimeoutError("orchestrator shutdown")
	}
}

// Submit registers a work item and returns the run ID. The run starts once
// a worker picks it up; a full queue rejects the submission.
func (s *Service) Submit(ctx context.Context, item WorkItem) (string, error) {
	if item.AssetID == "" {
		return "", errors.NewValidationError("asset ID is required")
	}
	if item.LibraryID == "" {
		return "", errors.NewValidationError("library ID is required")
	}
	if item.SessionID == "" {
		item.SessionID = uuid.New().String()
	}

	run := &Run{
		ID:        uuid.New().String(),
		Item:      item,
		State:     RunStatePending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.registry.Add(run); err != nil {
		return "", err
	}

	select {
	case s.queue <- run.ID:
	default:
		_ = s.registry.Finish(run.ID, RunStateFailed, &RunError{
			Kind:    string(resilience.ErrorKindFatal),
			Message: "submission queue is full",
		})
		return "", errors.NewRateLimitError("pipeline is at capacity")
	}

	s.logger.Info("Run submitted",
		"run_id", run.ID,
		"session_id", item.SessionID,
		"asset_id", item.AssetID,
	)

	return run.ID, nil
}

// Cancel cancels a run. Pending runs finish immediately; running runs stop
// at the next stage boundary or when the in-flight handler observes its
// context.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	return s.registry.RequestCancel(runID)
}

// GetStatus returns the externally visible state of a run
func (s *Service) GetStatus(ctx context.Context, runID string) (*RunStatus, error) {
	return s.registry.Status(runID)
}

// SessionStats exposes the session store degradation counters
func (s *Service) SessionStats() session.Stats {
	return s.sessions.Stats()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case runID := <-s.queue:
			s.executeRun(runID)
		}
	}
}

// executeRun drives one run through the stage sequence
func (s *Service) executeRun(runID string) {
	run, err := s.registry.Get(runID)
	if err != nil {
		s.logger.Error("Dequeued unknown run", "run_id", runID)
		return
	}

	baseCtx := logging.WithRunID(context.Background(), runID)
	baseCtx = logging.WithSessionID(baseCtx, run.Item.SessionID)

	runCtx, cancel := context.WithTimeout(baseCtx, s.runTimeout())
	defer cancel()

	started, err := s.registry.MarkRunning(runID, cancel)
	if err != nil {
		s.logger.LogError(baseCtx, err, "Failed to start run", nil)
		return
	}
	if !started {
		// Cancelled while pending
		return
	}

	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunFinished()
	}

	runCtx, rootSpan := s.tracing.StartRunSpan(runCtx, runID, run.Item.SessionID)
	defer rootSpan.End()

	sess := s.loadOrCreateSession(runCtx, run.Item.SessionID)

	exchange := &Exchange{
		RunID:     runID,
		SessionID: run.Item.SessionID,
		Item:      run.Item,
	}

	for i, stage := range s.stages {
		// Cancellation and the run deadline are observed at every stage
		// boundary before more work starts.
		if finished := s.checkBoundary(runCtx, runID, stage.Name); finished {
			s.tracing.RecordError(rootSpan, runCtx.Err())
			s.archive(runID, exchange)
			return
		}

		if err := s.registry.AdvanceStage(runID, i); err != nil {
			// The run must not stay in Running; a conflict here means
			// something else already finished it, which Finish tolerates.
			runErr := errors.NewRunError(runID, "failed to advance stage").WithCause(err)
			s.logger.LogError(runCtx, runErr, "Failed to advance stage", nil)
			if finishErr := s.registry.Finish(runID, RunStateFailed, &RunError{
				Kind:    string(resilience.ErrorKindFatal),
				Stage:   stage.Name,
				Message: runErr.Error(),
			}); finishErr == nil && s.metrics != nil {
				s.metrics.RecordRun(string(RunStateFailed))
			}
			s.tracing.RecordError(rootSpan, runErr)
			s.archive(runID, exchange)
			return
		}

		stageErr := s.executeStage(runCtx, stage, exchange)
		if stageErr != nil {
			s.finishWithError(runCtx, runID, stage.Name, stageErr)
			s.tracing.RecordError(rootSpan, stageErr)
			s.archive(runID, exchange)
			return
		}
	}

	s.persistSession(runCtx, sess, exchange)

	if err := s.registry.Finish(runID, RunStateCompleted, nil); err != nil {
		s.logger.LogError(runCtx, err, "Failed to complete run", nil)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRun(string(RunStateCompleted))
	}
	s.tracing.SetSpanOK(rootSpan)
	s.logger.LogStageEvent(runCtx, "run_completed", runID, "", nil)

	s.archive(runID, exchange)
}

// executeStage runs one stage under its retry policy inside a handoff span
func (s *Service) executeStage(ctx context.Context, stage Stage, exchange *Exchange) error {
	stageCtx, span := s.tracing.StartHandoffSpan(ctx, stage.Name, exchange.RunID, exchange.SessionID)
	defer span.End()

	retrier, err := resilience.NewRetrier(resilience.Config{
		Policy: stage.Policy,
		OnAttempt: func(attempt int, kind resilience.ErrorKind, willRetry bool) {
			s.tracing.RecordRetryAttempt(span, attempt, string(kind), willRetry)
			s.logger.LogRetryEvent(stageCtx, stage.Name, attempt, string(kind), willRetry)
			if s.metrics != nil {
				s.metrics.RecordRetryAttempt(stage.Name, string(kind))
			}
		},
		OnRecovered: func(attempts int) {
			if s.metrics != nil {
				s.metrics.RecordRetrySuccess(stage.Name)
			}
		},
		OnExhausted: func(attempts int, kind resilience.ErrorKind) {
			if s.metrics != nil {
				s.metrics.RecordRetryExhausted(stage.Name, string(kind))
			}
		},
	})
	if err != nil {
		return err
	}

	start := time.Now()
	execErr := retrier.Execute(stageCtx, func(attemptCtx context.Context) error {
		handlerCtx := attemptCtx
		if s.cfg.StageTimeout > 0 {
			var cancel context.CancelFunc
			handlerCtx, cancel = context.WithTimeout(attemptCtx, s.cfg.StageTimeout)
			defer cancel()
		}
		return stage.Handler(handlerCtx, exchange)
	})
	duration := time.Since(start)

	status := "success"
	message := ""
	if execErr != nil {
		status = "failed"
		message = execErr.Error()
		s.tracing.RecordError(span, execErr)
	} else {
		s.tracing.SetSpanOK(span)
	}

	exchange.RecordOutcome(ReportEntry{
		Stage:    stage.Name,
		Status:   status,
		Duration: duration,
		Message:  message,
	})

	if s.metrics != nil {
		s.metrics.RecordStageDuration(stage.Name, status, duration)
	}
	s.logger.LogStageEvent(stageCtx, "stage_finished", exchange.RunID, stage.Name, map[string]interface{}{
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	return execErr
}

// checkBoundary observes cancellation and the run deadline between stages.
// It finishes the run and returns true when no further stage may start.
func (s *Service) checkBoundary(ctx context.Context, runID, stageName string) bool {
	switch ctx.Err() {
	case nil:
		return false
	case context.DeadlineExceeded:
		runErr := errors.NewRunTimeoutError(runID)
		_ = s.registry.Finish(runID, RunStateFailed, &RunError{
			Kind:    string(resilience.ErrorKindFatal),
			Stage:   stageName,
			Message: runErr.Message,
		})
		if s.metrics != nil {
			s.metrics.RecordRun(string(RunStateFailed))
		}
		s.logger.LogError(ctx, runErr, "Run exceeded its deadline", nil)
		return true
	default:
		_ = s.registry.Finish(runID, RunStateCancelled, nil)
		if s.metrics != nil {
			s.metrics.RecordRun(string(RunStateCancelled))
		}
		s.logger.LogStageEvent(ctx, "run_cancelled", runID, stageName, nil)
		return true
	}
}

// finishWithError maps a stage failure onto the run's terminal state
func (s *Service) finishWithError(ctx context.Context, runID, stageName string, stageErr error) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		// The run deadline fired mid-stage; it overrides the handler error.
		runErr := errors.NewRunTimeoutError(runID)
		_ = s.registry.Finish(runID, RunStateFailed, &RunError{
			Kind:    string(resilience.ErrorKindFatal),
			Stage:   stageName,
			Message: runErr.Message,
		})
		if s.metrics != nil {
			s.metrics.RecordRun(string(RunStateFailed))
		}
		return
	case context.Canceled:
		_ = s.registry.Finish(runID, RunStateCancelled, nil)
		if s.metrics != nil {
			s.metrics.RecordRun(string(RunStateCancelled))
		}
		s.logger.LogStageEvent(ctx, "run_cancelled", runID, stageName, nil)
		return
	}

	kind := resilience.Classify(stageErr)
	_ = s.registry.Finish(runID, RunStateFailed, &RunError{
		Kind:    string(kind),
		Stage:   stageName,
		Message: stageErr.Error(),
	})
	if s.metrics != nil {
		s.metrics.RecordRun(string(RunStateFailed))
	}
	s.logger.LogError(ctx, stageErr, "Run failed", map[string]interface{}{
		"stage":      stageName,
		"error_kind": string(kind),
	})
}

// loadOrCreateSession fetches the run's session, creating it on first use.
// The session store absorbs primary outages, so only a miss needs handling.
func (s *Service) loadOrCreateSession(ctx context.Context, sessionID string) *session.Session {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		sess = session.NewSession(sessionID)
		if setErr := s.sessions.Set(ctx, sess); setErr != nil {
			s.logger.LogError(ctx, setErr, "Failed to create session", nil)
		}
	}
	return sess
}

// persistSession records the run outcome in the session for later runs
func (s *Service) persistSession(ctx context.Context, sess *session.Session, exchange *Exchange) {
	sess.Data["last_run_id"] = exchange.RunID
	sess.Data["last_asset_id"] = exchange.Item.AssetID
	if exchange.UploadedItemID != "" {
		sess.Data["last_uploaded_item_id"] = exchange.UploadedItemID
	}
	if exchange.Schema != nil {
		sess.Data["schema_version"] = exchange.Schema.Version
	}

	if err := s.sessions.Set(ctx, sess); err != nil {
		s.logger.LogError(ctx, err, "Failed to persist session", nil)
	}
}

// archive hands a terminal run to the archiver when one is configured
func (s *Service) archive(runID string, exchange *Exchange) {
	if s.archiver == nil {
		return
	}

	run, err := s.registry.Get(runID)
	if err != nil || !run.State.IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.archiver.SaveRun(ctx, run, exchange.Report); err != nil {
		s.logger.LogError(ctx, err, "Failed to archive run", map[string]interface{}{
			"run_id": runID,
		})
	}
}

// runTimeout returns the configured run deadline, or one derived from the
// stage budget when none is set: every stage exhausting its attempts plus
// the full backoff schedule.
func (s *Service) runTimeout() time.Duration {
	if s.cfg.RunTimeout > 0 {
		return s.cfg.RunTimeout
	}

	var total time.Duration
	for _, stage := range s.stages {
		stageBudget := time.Duration(stage.Policy.MaxAttempts) * s.cfg.StageTimeout
		for attempt := 1; attempt < stage.Policy.MaxAttempts; attempt++ {
			stageBudget += stage.Policy.Wait(attempt)
		}
		total += stageBudget
	}

	if total <= 0 {
		return 15 * time.Minute
	}
	return total
}
