package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/internal/session"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
)

type fakeOrchestrator struct {
	submitErr error
	cancelErr error
	status    *pipeline.RunStatus
	statusErr error
	stats     session.Stats
	lastItem  pipeline.WorkItem
}

func (f *fakeOrchestrator) Submit(ctx context.Context, item pipeline.WorkItem) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.lastItem = item
	return "run-1", nil
}

func (f *fakeOrchestrator) Cancel(ctx context.Context, runID string) error {
	return f.cancelErr
}

func (f *fakeOrchestrator) GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeOrchestrator) SessionStats() session.Stats {
	return f.stats
}

func newTestServer(t *testing.T, orch Orchestrator, jwtSecret string) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Auth.JWTSecret = jwtSecret

	logger, err := logging.NewLogger(nil)
	require.NoError(t, err)

	return NewServer(cfg, orch, nil, nil, logger)
}

func doRequest(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		payload, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(payload)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestSubmitRun(t *testing.T) {
	orch := &fakeOrchestrator{}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodPost, "/api/runs", map[string]string{
		"session_id": "s1",
		"asset_id":   "a1",
		"library_id": "lib1",
		"file_name":  "IMG_0001.jpg",
	}, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp["run_id"])
	assert.Equal(t, "a1", orch.lastItem.AssetID)
}

func TestSubmitRunMissingFields(t *testing.T) {
	server := newTestServer(t, &fakeOrchestrator{}, "")

	w := doRequest(server, http.MethodPost, "/api/runs", map[string]string{
		"session_id": "s1",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitRunAtCapacity(t *testing.T) {
	orch := &fakeOrchestrator{submitErr: errors.NewRateLimitError("pipeline is at capacity")}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodPost, "/api/runs", map[string]string{
		"asset_id":   "a1",
		"library_id": "lib1",
	}, nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetStatus(t *testing.T) {
	orch := &fakeOrchestrator{status: &pipeline.RunStatus{
		RunID:        "run-1",
		State:        pipeline.RunStateRunning,
		CurrentStage: 2,
		StageName:    pipeline.StageContentAnalysis,
	}}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodGet, "/api/runs/run-1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var status pipeline.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, pipeline.RunStateRunning, status.State)
	assert.Equal(t, 2, status.CurrentStage)
}

func TestGetStatusUnknownRun(t *testing.T) {
	orch := &fakeOrchestrator{statusErr: errors.NewNotFoundError("run")}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodGet, "/api/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRun(t *testing.T) {
	server := newTestServer(t, &fakeOrchestrator{}, "")

	w := doRequest(server, http.MethodPost, "/api/runs/run-1/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	orch := &fakeOrchestrator{cancelErr: errors.NewConflictError("run already finished")}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodPost, "/api/runs/run-1/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthReportsDegradedMode(t *testing.T) {
	orch := &fakeOrchestrator{stats: session.Stats{UsingFallback: true, Errors: 3}}
	server := newTestServer(t, orch, "")

	w := doRequest(server, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestAuthMiddleware(t *testing.T) {
	secret := "test-secret"
	server := newTestServer(t, &fakeOrchestrator{status: &pipeline.RunStatus{RunID: "run-1"}}, secret)

	// No token
	w := doRequest(server, http.MethodGet, "/api/runs/run-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token
	w = doRequest(server, http.MethodGet, "/api/runs/run-1", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	w = doRequest(server, http.MethodGet, "/api/runs/run-1", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open
	w = doRequest(server, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
