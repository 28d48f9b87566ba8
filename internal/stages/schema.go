package stages

import (
	"context"
	"sync"
	"time"

	"github.com/erni-foto/pipeline/internal/library"
	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/errors"
)

// SchemaFetcher resolves document library schemas
type SchemaFetcher interface {
	GetSchema(ctx context.Context, libraryID string) (*library.Schema, error)
}

// schemaCache holds resolved schemas for a short while so back-to-back runs
// against the same library skip the round trip.
type schemaCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]schemaCacheEntry
}

type schemaCacheEntry struct {
	schema    *library.Schema
	fetchedAt time.Time
}

func (c *schemaCache) get(libraryID string) *library.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[libraryID]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return nil
	}
	return entry.schema
}

func (c *schemaCache) put(libraryID string, schema *library.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[libraryID] = schemaCacheEntry{
		schema:    schema,
		fetchedAt: time.Now(),
	}
}

// NewSchemaHandler returns the schema resolution stage: it resolves the
// target library's metadata schema into the exchange.
func NewSchemaHandler(fetcher SchemaFetcher) pipeline.Handler {
	cache := &schemaCache{
		ttl:     5 * time.Minute,
		entries: make(map[string]schemaCacheEntry),
	}

	return func(ctx context.Context, exchange *pipeline.Exchange) error {
		if cached := cache.get(exchange.Item.LibraryID); cached != nil {
			exchange.Schema = cached
			return nil
		}

		schema, err := fetcher.GetSchema(ctx, exchange.Item.LibraryID)
		if err != nil {
			return err
		}

		if len(schema.Fields) == 0 {
			return errors.NewValidationError("library schema has no fields")
		}

		cache.put(exchange.Item.LibraryID, schema)
		exchange.Schema = schema
		return nil
	}
}
