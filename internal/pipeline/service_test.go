package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erni-foto/pipeline/internal/session"
	apperrors "github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/resilience"
)

func testConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		MaxConcurrentRuns: 2,
		StageTimeout:      time.Second,
		RunTimeout:        10 * time.Second,
	}
}

func testPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Base:        2.0,
	}
}

// testStages builds the canonical sequence where every stage succeeds unless
// overridden.
func testStages(overrides map[string]Handler) []Stage {
	stages := make([]Stage, 0, len(StageNames))
	for _, name := range StageNames {
		handler := func(ctx context.Context, exchange *Exchange) error { return nil }
		if override, ok := overrides[name]; ok {
			handler = override
		}
		stages = append(stages, Stage{
			Name:    name,
			Handler: handler,
			Policy:  testPolicy(),
		})
	}
	return stages
}

func newTestService(t *testing.T, cfg *config.PipelineConfig, overrides map[string]Handler) *Service {
	t.Helper()

	sessions := session.NewManager(
		session.NewLocalStore(100, time.Minute),
		session.NewLocalStore(100, time.Minute),
		nil,
	)

	svc, err := NewService(cfg, testStages(overrides), sessions, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	t.Cleanup(func() { _ = svc.Stop() })

	return svc
}

func waitForTerminal(t *testing.T, svc *Service, runID string) *RunStatus {
	t.Helper()

	var status *RunStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = svc.GetStatus(context.Background(), runID)
		require.NoError(t, err)
		return status.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	return status
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	var order []string
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageSchemaResolution: func(ctx context.Context, e *Exchange) error {
			order = append(order, StageSchemaResolution)
			return nil
		},
		StageAssetFetch: func(ctx context.Context, e *Exchange) error {
			order = append(order, StageAssetFetch)
			return nil
		},
		StageContentAnalysis: func(ctx context.Context, e *Exchange) error {
			order = append(order, StageContentAnalysis)
			return nil
		},
		StageUpload: func(ctx context.Context, e *Exchange) error {
			order = append(order, StageUpload)
			return nil
		},
		StageReport: func(ctx context.Context, e *Exchange) error {
			order = append(order, StageReport)
			return nil
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{
		SessionID: "s1",
		AssetID:   "a1",
		LibraryID: "lib1",
		FileName:  "IMG_0001.jpg",
	})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCompleted, status.State)
	assert.Nil(t, status.LastError)
	assert.Equal(t, StageNames, order, "stages must run in the fixed order")
}

func TestFatalErrorFailsRunWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageContentAnalysis: func(ctx context.Context, e *Exchange) error {
			attempts.Add(1)
			return apperrors.NewValidationError("asset is not a photo")
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateFailed, status.State)
	assert.Equal(t, int32(1), attempts.Load(), "a fatal error gets exactly one attempt")
	assert.Equal(t, 2, status.CurrentStage, "the index freezes at the failing stage")
	assert.Equal(t, StageContentAnalysis, status.StageName)

	require.NotNil(t, status.LastError)
	assert.Equal(t, string(resilience.ErrorKindFatal), status.LastError.Kind)
	assert.Equal(t, StageContentAnalysis, status.LastError.Stage)
	assert.Contains(t, status.LastError.Message, "asset is not a photo")
}

func TestTransientFailuresRecoverWithinBudget(t *testing.T) {
	var attempts atomic.Int32
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageUpload: func(ctx context.Context, e *Exchange) error {
			if attempts.Add(1) < 3 {
				return apperrors.NewExternalError("library", "service unavailable")
			}
			return nil
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCompleted, status.State)
	assert.Nil(t, status.LastError)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTransientExhaustionFailsRun(t *testing.T) {
	var attempts atomic.Int32
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageAssetFetch: func(ctx context.Context, e *Exchange) error {
			attempts.Add(1)
			return apperrors.NewTimeoutError("asset download")
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateFailed, status.State)
	assert.Equal(t, int32(3), attempts.Load(), "the policy allows three attempts")

	require.NotNil(t, status.LastError)
	assert.Equal(t, string(resilience.ErrorKindTransient), status.LastError.Kind)
	assert.Equal(t, StageAssetFetch, status.LastError.Stage)
}

func TestCancelRunningRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageContentAnalysis: func(ctx context.Context, e *Exchange) error {
			close(entered)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-release:
				return nil
			}
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	<-entered
	require.NoError(t, svc.Cancel(context.Background(), runID))

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCancelled, status.State)
	assert.Nil(t, status.LastError)

	// Cancelling a terminal run is a conflict
	err = svc.Cancel(context.Background(), runID)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestCancelledRunSkipsRemainingStages(t *testing.T) {
	var uploadRan atomic.Bool
	entered := make(chan struct{})
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageContentAnalysis: func(ctx context.Context, e *Exchange) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
		StageUpload: func(ctx context.Context, e *Exchange) error {
			uploadRan.Store(true)
			return nil
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	<-entered
	require.NoError(t, svc.Cancel(context.Background(), runID))

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCancelled, status.State)
	assert.False(t, uploadRan.Load(), "no stage may start after cancellation")
}

func TestRunDeadlineFailsAsRunTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RunTimeout = 50 * time.Millisecond

	svc := newTestService(t, cfg, map[string]Handler{
		StageAssetFetch: func(ctx context.Context, e *Exchange) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateFailed, status.State)

	require.NotNil(t, status.LastError)
	assert.Equal(t, string(resilience.ErrorKindFatal), status.LastError.Kind, "the run deadline is never retried")
	assert.Contains(t, status.LastError.Message, "deadline")
}

// captureArchiver hands archived runs to the test
type captureArchiver struct {
	saved chan Run
}

func (a *captureArchiver) SaveRun(ctx context.Context, run Run, report *Report) error {
	a.saved <- run
	return nil
}

func TestRunFinishedUnderneathStopsTheSequence(t *testing.T) {
	var svc *Service
	var uploadRan atomic.Bool
	arch := &captureArchiver{saved: make(chan Run, 1)}

	stages := testStages(map[string]Handler{
		StageContentAnalysis: func(ctx context.Context, e *Exchange) error {
			// Something else (an operator, a crashed sibling) finishes the
			// run while the handler is still in flight.
			require.NoError(t, svc.registry.Finish(e.RunID, RunStateFailed, &RunError{
				Kind:    string(resilience.ErrorKindFatal),
				Stage:   StageContentAnalysis,
				Message: "aborted by operator",
			}))
			return nil
		},
		StageUpload: func(ctx context.Context, e *Exchange) error {
			uploadRan.Store(true)
			return nil
		},
	})

	sessions := session.NewManager(
		session.NewLocalStore(100, time.Minute),
		session.NewLocalStore(100, time.Minute),
		nil,
	)

	var err error
	svc, err = NewService(testConfig(), stages, sessions, nil, nil, arch)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	t.Cleanup(func() { _ = svc.Stop() })

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	// Archival happens after the orchestrator has stopped the sequence
	select {
	case run := <-arch.saved:
		assert.Equal(t, RunStateFailed, run.State, "the run must not be left running")
	case <-time.After(5 * time.Second):
		t.Fatal("run was never archived")
	}

	assert.False(t, uploadRan.Load(), "no stage may start once the run is terminal")

	status, err := svc.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, status.LastError)
	assert.Equal(t, "aborted by operator", status.LastError.Message)
}

func TestGetStatusUnknownRun(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)

	_, err := svc.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestSubmitValidation(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)

	_, err := svc.Submit(context.Background(), WorkItem{LibraryID: "lib1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = svc.Submit(context.Background(), WorkItem{AssetID: "a1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestSubmitGeneratesSessionID(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCompleted, status.State)
}

func TestExchangeFlowsBetweenStages(t *testing.T) {
	svc := newTestService(t, testConfig(), map[string]Handler{
		StageAssetFetch: func(ctx context.Context, e *Exchange) error {
			e.Asset = []byte{0xFF, 0xD8}
			e.AssetHash = "abc123"
			return nil
		},
		StageUpload: func(ctx context.Context, e *Exchange) error {
			if e.AssetHash != "abc123" {
				return apperrors.NewInternalError("exchange lost the fetched asset")
			}
			e.UploadedItemID = "item-1"
			return nil
		},
	})

	runID, err := svc.Submit(context.Background(), WorkItem{AssetID: "a1", LibraryID: "lib1"})
	require.NoError(t, err)

	status := waitForTerminal(t, svc, runID)
	assert.Equal(t, RunStateCompleted, status.State)
}
