package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/erni-foto/pipeline/pkg/errors"
)

func newPendingRun(id string) *Run {
	return &Run{
		ID:        id,
		State:     RunStatePending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Add(newPendingRun("r1")))

	run, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatePending, run.State)

	err = reg.Add(newPendingRun("r1"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(newPendingRun("r1")))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := reg.MarkRunning("r1", cancel)
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, reg.AdvanceStage("r1", 1))
	require.NoError(t, reg.AdvanceStage("r1", 2))

	// The index never moves backwards
	err = reg.AdvanceStage("r1", 1)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	require.NoError(t, reg.Finish("r1", RunStateCompleted, nil))

	run, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, run.State)
	assert.Equal(t, 2, run.CurrentStage)
	assert.NotNil(t, run.FinishedAt)
}

func TestRegistryTerminalStatesAreImmutable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(newPendingRun("r1")))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := reg.MarkRunning("r1", cancel)
	require.NoError(t, err)
	require.NoError(t, reg.Finish("r1", RunStateFailed, &RunError{Kind: "fatal", Stage: StageUpload, Message: "boom"}))

	err = reg.Finish("r1", RunStateCompleted, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	err = reg.AdvanceStage("r1", 4)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	err = reg.RequestCancel("r1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	run, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, run.State)
	require.NotNil(t, run.LastError)
	assert.Equal(t, StageUpload, run.LastError.Stage)
}

func TestRegistryFinishRequiresTerminalState(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(newPendingRun("r1")))

	err := reg.Finish("r1", RunStateRunning, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestRegistryCancelPendingRun(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(newPendingRun("r1")))

	require.NoError(t, reg.RequestCancel("r1"))

	run, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStateCancelled, run.State)

	// A worker dequeueing the cancelled run must not start it
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	started, err := reg.MarkRunning("r1", cancel)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestRegistryCancelRunningRunFiresContext(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(newPendingRun("r1")))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := reg.MarkRunning("r1", cancel)
	require.NoError(t, err)

	require.NoError(t, reg.RequestCancel("r1"))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel must fire the run context")
	}

	// The run stays running until the worker observes the cancellation
	run, err := reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, run.State)
}

func TestRegistryStatusUnknownRun(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Status("missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestValidateStages(t *testing.T) {
	valid := testStages(nil)
	assert.NoError(t, ValidateStages(valid))

	// Too few stages
	assert.Error(t, ValidateStages(valid[:4]))

	// Out of order
	swapped := testStages(nil)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.Error(t, ValidateStages(swapped))

	// Missing handler
	nohandler := testStages(nil)
	nohandler[2].Handler = nil
	assert.Error(t, ValidateStages(nohandler))

	// Broken policy
	badpolicy := testStages(nil)
	badpolicy[3].Policy.MaxAttempts = 0
	assert.Error(t, ValidateStages(badpolicy))
}
