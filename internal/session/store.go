package session

import (
	"context"
	"sync/atomic"

	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
	"github.com/erni-foto/pipeline/pkg/metrics"
	"github.com/erni-foto/pipeline/pkg/tracing"
)

// Stats is a snapshot of the store's degradation counters
type Stats struct {
	PrimaryHits   uint64 `json:"primary_hits"`
	FallbackHits  uint64 `json:"fallback_hits"`
	Errors        uint64 `json:"errors"`
	UsingFallback bool   `json:"using_fallback"`
}

// Manager is the session store facade: a primary backend with a transparent
// local fallback. A primary outage degrades service, it never fails an
// operation; the caller cannot tell which tier served it.
type Manager struct {
	primary  Backend
	fallback Backend
	metrics  *metrics.Metrics
	tracing  *tracing.TracingService
	logger   *logging.Logger

	primaryHits   atomic.Uint64
	fallbackHits  atomic.Uint64
	errorCount    atomic.Uint64
	usingFallback atomic.Bool
}

// NewManager creates a session store over the given backends
func NewManager(primary, fallback Backend, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		primary:  primary,
		fallback: fallback,
		metrics:  m,
		logger:   logging.GetLogger(),
	}

	if m != nil {
		if p, ok := primary.(interface{ OnEvict(func(int)) }); ok {
			p.OnEvict(m.RecordSessionEvictions)
		}
		if f, ok := fallback.(interface{ OnEvict(func(int)) }); ok {
			f.OnEvict(m.RecordSessionEvictions)
		}
	}

	return mgr
}

// WithTracing enables cache spans around every store operation
func (m *Manager) WithTracing(ts *tracing.TracingService) *Manager {
	m.tracing = ts
	return m
}

// Get fetches a session by ID. A missing session is a not_found error from
// whichever tier served the lookup.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	ctx, finish := m.startSpan(ctx, "get", id)
	session, err := m.primary.Get(ctx, id)
	if err == nil || errors.IsType(err, errors.ErrorTypeNotFound) {
		m.recordPrimaryHit()
		finish(err)
		return session, err
	}

	m.recordFailover(ctx, "get", id, err)
	session, err = m.fallback.Get(ctx, id)
	finish(err)
	return session, err
}

// Set stores a session
func (m *Manager) Set(ctx context.Context, session *Session) error {
	ctx, finish := m.startSpan(ctx, "set", session.ID)

	if err := m.primary.Set(ctx, session); err != nil {
		m.recordFailover(ctx, "set", session.ID, err)
		err = m.fallback.Set(ctx, session)
		finish(err)
		return err
	}

	m.recordPrimaryHit()
	finish(nil)
	return nil
}

// Delete removes a session. The fallback copy goes too so a later outage
// cannot resurrect it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ctx, finish := m.startSpan(ctx, "delete", id)

	primaryErr := m.primary.Delete(ctx, id)
	_ = m.fallback.Delete(ctx, id)

	if primaryErr != nil {
		m.recordFailover(ctx, "delete", id, primaryErr)
		finish(nil)
		return nil
	}

	m.recordPrimaryHit()
	finish(nil)
	return nil
}

// startSpan opens a cache span around one store operation when tracing is
// enabled. A not_found result is an answer, not a span error.
func (m *Manager) startSpan(ctx context.Context, op, key string) (context.Context, func(error)) {
	if m.tracing == nil {
		return ctx, func(error) {}
	}

	ctx, span := m.tracing.StartCacheSpan(ctx, op, key)
	return ctx, func(err error) {
		if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
			m.tracing.RecordError(span, err)
		} else {
			m.tracing.SetSpanOK(span)
		}
		span.End()
	}
}

// UsingFallback reports whether the last primary interaction failed
func (m *Manager) UsingFallback() bool {
	return m.usingFallback.Load()
}

// Stats returns a snapshot of the degradation counters
func (m *Manager) Stats() Stats {
	return Stats{
		PrimaryHits:   m.primaryHits.Load(),
		FallbackHits:  m.fallbackHits.Load(),
		Errors:        m.errorCount.Load(),
		UsingFallback: m.usingFallback.Load(),
	}
}

// Health reports the primary backend's health. The store itself is healthy
// either way; callers use this to surface degraded mode.
func (m *Manager) Health(ctx context.Context) error {
	return m.primary.Health(ctx)
}

func (m *Manager) recordPrimaryHit() {
	m.primaryHits.Add(1)
	m.usingFallback.Store(false)
	if m.metrics != nil {
		m.metrics.RecordSessionPrimaryHit()
	}
}

func (m *Manager) recordFailover(ctx context.Context, op, id string, err error) {
	m.errorCount.Add(1)
	m.fallbackHits.Add(1)
	m.usingFallback.Store(true)

	if m.metrics != nil {
		m.metrics.RecordSessionError()
		m.metrics.RecordSessionFallbackHit()
	}

	m.logger.LogError(ctx, err, "Session primary unavailable, serving from local fallback", map[string]interface{}{
		"operation":  op,
		"session_id": id,
	})
}
