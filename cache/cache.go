// Package cache implements the read-through document cache. It holds the
// raw and cooked form of each document and is never authoritative: every
// backend failure degrades to a miss and is only logged.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/metrics"
	"github.com/alimasry/go-camp/model"
)

func documentKey(id int64) string       { return fmt.Sprintf("document:%d", id) }
func cookedDocumentKey(id int64) string { return fmt.Sprintf("cooked_document:%d", id) }

// Options configure a MemoryCache.
type Options struct {
	Logger zerolog.Logger
	// RetryInterval is how often failed invalidations are retried. Zero
	// disables the background loop; failed keys are then retried on the
	// next invalidation.
	RetryInterval time.Duration
}

// MemoryCache stores document representations in a Backend.
//
// Deletes that fail are remembered and retried, since a stale entry left
// behind after a commit would otherwise be served until evicted.
type MemoryCache struct {
	backend Backend
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// New creates a MemoryCache over backend and starts the retry loop when
// opts.RetryInterval is positive.
func New(backend Backend, opts Options) *MemoryCache {
	c := &MemoryCache{
		backend: backend,
		log:     opts.Logger.With().Str("component", "cache").Logger(),
		pending: make(map[string]struct{}),
	}
	if opts.RetryInterval > 0 {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.retryLoop(opts.RetryInterval)
	}
	return c
}

func (c *MemoryCache) get(ctx context.Context, kind, key string) ([]byte, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		metrics.CacheError("get")
		ok = false
	}
	metrics.CacheLookup(kind, ok)
	return value, ok
}

// GetDocument returns the cached raw form of a document.
func (c *MemoryCache) GetDocument(ctx context.Context, id int64) (*model.DocumentView, bool) {
	raw, ok := c.get(ctx, "raw", documentKey(id))
	if !ok {
		return nil, false
	}
	var view model.DocumentView
	if err := json.Unmarshal(raw, &view); err != nil {
		c.log.Warn().Err(err).Int64("document_id", id).Msg("dropping undecodable cache entry")
		c.DeleteDocument(ctx, id)
		return nil, false
	}
	return &view, true
}

// GetCookedDocument returns the cached cooked form of a document.
func (c *MemoryCache) GetCookedDocument(ctx context.Context, id int64) (json.RawMessage, bool) {
	cooked, ok := c.get(ctx, "cooked", cookedDocumentKey(id))
	if !ok {
		return nil, false
	}
	return json.RawMessage(cooked), true
}

// SetDocument stores both representations, overwriting older entries.
func (c *MemoryCache) SetDocument(ctx context.Context, id int64, raw *model.DocumentView, cooked json.RawMessage) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		c.log.Warn().Err(err).Int64("document_id", id).Msg("cannot encode document for cache")
		return
	}
	// The cooked entry goes first: a reader seeing the raw entry then finds
	// a matching cooked one.
	if c.set(ctx, cookedDocumentKey(id), cooked) {
		c.set(ctx, documentKey(id), encoded)
	}
}

func (c *MemoryCache) set(ctx context.Context, key string, value []byte) bool {
	if err := c.backend.Set(ctx, key, value); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
		metrics.CacheError("set")
		return false
	}
	return true
}

// DeleteDocument drops both representations of a document. It is
// idempotent.
func (c *MemoryCache) DeleteDocument(ctx context.Context, id int64) {
	c.delete(ctx, documentKey(id), cookedDocumentKey(id))
}

// InvalidateDependents drops the entries of documents whose cooked form
// embeds another one. dependents must be read before the mutation that
// triggers the invalidation.
func (c *MemoryCache) InvalidateDependents(ctx context.Context, dependents []int64) {
	if len(dependents) == 0 {
		return
	}
	keys := make([]string, 0, 2*len(dependents))
	for _, id := range dependents {
		keys = append(keys, documentKey(id), cookedDocumentKey(id))
	}
	c.delete(ctx, keys...)
}

// Invalidate drops id and its dependents.
func (c *MemoryCache) Invalidate(ctx context.Context, id int64, dependents []int64) {
	c.DeleteDocument(ctx, id)
	c.InvalidateDependents(ctx, dependents)
}

func (c *MemoryCache) delete(ctx context.Context, keys ...string) {
	c.mu.Lock()
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	err := c.backend.Delete(ctx, keys...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed, will retry")
		metrics.CacheError("delete")
		for _, k := range keys {
			c.pending[k] = struct{}{}
		}
		return
	}
	for _, k := range keys {
		delete(c.pending, k)
	}
}

// Pending returns how many keys still wait for a successful delete.
func (c *MemoryCache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Clear drops every entry of the backend.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) retryLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ticker.C:
			c.retry()
		case <-c.stop:
			c.retry()
			return
		}
	}
}

func (c *MemoryCache) retry() {
	if c.Pending() == 0 {
		return
	}
	c.delete(context.Background())
}

// Close stops the retry loop after a last retry and closes the backend.
func (c *MemoryCache) Close() error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
	return c.backend.Close()
}
