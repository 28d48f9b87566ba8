package session

import (
	"context"
	"time"
)

// Session holds the per-client working state shared across pipeline runs.
// AccessCount counts every read and write of the stored record.
type Session struct {
	ID          string                 `json:"id"`
	Data        map[string]interface{} `json:"data"`
	AccessCount int                    `json:"access_count"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewSession creates an empty session with the given ID
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Data:      make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// clone returns a detached copy. Backends hand out and store copies only, so
// a caller's mutations never reach the store before the next Set.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}

	data := make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}

	copied := *s
	copied.Data = data
	return &copied
}

// Backend is one storage tier of the session store. Implementations enforce
// the capacity bound and TTL themselves; a missing or expired session
// surfaces as a not_found error.
type Backend interface {
	Get(ctx context.Context, id string) (*Session, error)
	Set(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Health(ctx context.Context) error
}
