package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/erni-foto/pipeline/pkg/errors"
)

// LocalStore is the in-process fallback backend: a mutex-guarded LRU with
// per-record TTL. It carries the store through primary outages.
type LocalStore struct {
	mu          sync.Mutex
	maxSessions int
	ttl         time.Duration
	entries     map[string]*list.Element
	order       *list.List // front = most recently used
	onEvict     func(count int)
	clock       func() time.Time
}

type localEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewLocalStore creates an in-memory session store
func NewLocalStore(maxSessions int, ttl time.Duration) *LocalStore {
	return &LocalStore{
		maxSessions: maxSessions,
		ttl:         ttl,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		clock:       time.Now,
	}
}

// OnEvict registers a callback invoked with the number of sessions removed
// whenever the capacity bound forces an eviction.
func (s *LocalStore) OnEvict(fn func(count int)) {
	s.onEvict = fn
}

// Get fetches a session, marks it most recently used and counts the access.
// The caller gets a detached copy; mutations only land via Set.
func (s *LocalStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError("session")
	}

	entry := elem.Value.(*localEntry)
	if s.clock().After(entry.expiresAt) {
		s.order.Remove(elem)
		delete(s.entries, id)
		return nil, errors.NewNotFoundError("session")
	}

	entry.session.AccessCount++
	s.order.MoveToFront(elem)
	return entry.session.clone(), nil
}

// Set stores a detached copy of the session, marks it most recently used and
// evicts the oldest sessions beyond the capacity bound in one step.
func (s *LocalStore) Set(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := session.clone()
	record.UpdatedAt = s.clock().UTC()
	record.AccessCount++
	expiresAt := s.clock().Add(s.ttl)

	if elem, ok := s.entries[record.ID]; ok {
		entry := elem.Value.(*localEntry)
		entry.session = record
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return nil
	}

	elem := s.order.PushFront(&localEntry{
		session:   record,
		expiresAt: expiresAt,
	})
	s.entries[record.ID] = elem

	evicted := 0
	for len(s.entries) > s.maxSessions {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*localEntry)
		s.order.Remove(oldest)
		delete(s.entries, entry.session.ID)
		evicted++
	}

	if evicted > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}

	return nil
}

// Delete removes a session
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[id]; ok {
		s.order.Remove(elem)
		delete(s.entries, id)
	}

	return nil
}

// Len returns the number of stored sessions, expired records included until
// their next access.
func (s *LocalStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries), nil
}

// Health always succeeds; the fallback has no external dependency
func (s *LocalStore) Health(ctx context.Context) error {
	return nil
}
