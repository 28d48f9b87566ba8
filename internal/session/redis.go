package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/security"
)

// RedisStore is the primary session backend. Session records live under
// per-session keys with a TTL; a sorted set scored by last access keeps the
// recency order used for eviction.
type RedisStore struct {
	client      *redis.Client
	keyPrefix   string
	maxSessions int
	ttl         time.Duration
	onEvict     func(count int)
	crypto      *security.EncryptionService
}

// OnEvict registers a callback invoked with the number of sessions removed
// whenever the capacity bound forces an eviction.
func (s *RedisStore) OnEvict(fn func(count int)) {
	s.onEvict = fn
}

// WithEncryption enables at-rest encryption of session payloads. Sessions
// carry detected metadata that may include personal data, so the shared
// Redis tier never sees it in the clear.
func (s *RedisStore) WithEncryption(svc *security.EncryptionService) *RedisStore {
	s.crypto = svc
	return s
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(cfg *config.RedisConfig, sessionCfg *config.SessionConfig) (*RedisStore, error) {
	if cfg == nil || sessionCfg == nil {
		return nil, errors.NewValidationError("Redis and session configuration are required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisStore{
		client:      client,
		keyPrefix:   sessionCfg.KeyPrefix,
		maxSessions: sessionCfg.MaxSessions,
		ttl:         sessionCfg.TTL,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, maxSessions int, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		maxSessions: maxSessions,
		ttl:         ttl,
	}
}

func (s *RedisStore) dataKey(id string) string {
	return fmt.Sprintf("%s:data:%s", s.keyPrefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:index", s.keyPrefix)
}

// Get fetches a session, counts the access and refreshes its recency score.
// The incremented access count is written back so the record keeps it.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	val, err := s.client.Get(ctx, s.dataKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			// Drop the stale index entry left behind by TTL expiry.
			s.client.ZRem(ctx, s.indexKey(), id)
			return nil, errors.NewNotFoundError("session")
		}
		return nil, errors.NewSessionError(id, "failed to get session").WithCause(err)
	}

	if s.crypto != nil {
		val, err = s.crypto.Decrypt(val)
		if err != nil {
			return nil, errors.NewSessionError(id, "failed to decrypt session").WithCause(err)
		}
	}

	var session Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, errors.NewSessionError(id, "failed to decode session").WithCause(err)
	}

	session.AccessCount++
	if err := s.write(ctx, &session); err != nil {
		return nil, err
	}

	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}

	return &session, nil
}

// Set stores a session, counts the access, refreshes its recency score and
// evicts the oldest sessions beyond the capacity bound in one step. The
// caller's struct is left untouched; only the stored record changes.
func (s *RedisStore) Set(ctx context.Context, session *Session) error {
	record := session.clone()
	record.UpdatedAt = time.Now().UTC()
	record.AccessCount++

	if err := s.write(ctx, record); err != nil {
		return err
	}

	if err := s.touch(ctx, record.ID); err != nil {
		return err
	}

	_, err := s.evictOverflow(ctx)
	return err
}

// write serializes one session record under its data key with the store TTL
func (s *RedisStore) write(ctx context.Context, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return errors.NewSessionError(session.ID, "failed to encode session").WithCause(err)
	}

	value := string(payload)
	if s.crypto != nil {
		value, err = s.crypto.Encrypt(value)
		if err != nil {
			return errors.NewSessionError(session.ID, "failed to encrypt session").WithCause(err)
		}
	}

	if err := s.client.Set(ctx, s.dataKey(session.ID), value, s.ttl).Err(); err != nil {
		return errors.NewSessionError(session.ID, "failed to set session").WithCause(err)
	}

	return nil
}

// Delete removes a session record and its index entry
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.dataKey(id)).Err(); err != nil {
		return errors.NewSessionError(id, "failed to delete session").WithCause(err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		return errors.NewSessionError(id, "failed to delete session index entry").WithCause(err)
	}
	return nil
}

// Len returns the number of indexed sessions
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to count sessions").WithCause(err)
	}
	return int(count), nil
}

// Health checks the Redis connection
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// touch moves a session to the front of the recency order. GT keeps the
// score monotonic when concurrent writers race on the same session.
func (s *RedisStore) touch(ctx context.Context, id string) error {
	member := redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: id,
	}
	if err := s.client.ZAddGT(ctx, s.indexKey(), member).Err(); err != nil {
		return errors.NewInternalError("failed to update session recency").WithCause(err)
	}
	return nil
}

// evictOverflow removes the oldest sessions beyond the capacity bound and
// returns how many were evicted.
func (s *RedisStore) evictOverflow(ctx context.Context) (int, error) {
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to count sessions").WithCause(err)
	}

	overflow := int(count) - s.maxSessions
	if overflow <= 0 {
		return 0, nil
	}

	oldest, err := s.client.ZPopMin(ctx, s.indexKey(), int64(overflow)).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to pop oldest sessions").WithCause(err)
	}

	keys := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if id, ok := z.Member.(string); ok {
			keys = append(keys, s.dataKey(id))
		}
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return 0, errors.NewInternalError("failed to delete evicted sessions").WithCause(err)
		}
		if s.onEvict != nil {
			s.onEvict(len(keys))
		}
	}

	return len(keys), nil
}
