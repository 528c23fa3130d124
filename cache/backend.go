package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Backend is the key/value storage behind a MemoryCache.
// Implementations: RistrettoBackend, FirestoreBackend, NopBackend.
type Backend interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Clear drops every entry.
	Clear(ctx context.Context) error
	Close() error
}

// RistrettoBackend keeps entries in process memory, bounded by total size.
type RistrettoBackend struct {
	cache *ristretto.Cache
}

// NewRistrettoBackend creates a backend holding at most maxBytes of values.
func NewRistrettoBackend(maxBytes int64) (*RistrettoBackend, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		// About ten counters per expected entry, assuming ~1 KiB entries.
		NumCounters: max(maxBytes/100, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoBackend{cache: c}, nil
}

func (b *RistrettoBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Set stores value and waits for the write buffer to drain, so a following
// Get observes it. Ristretto may still reject the entry under pressure,
// which reads as a later miss.
func (b *RistrettoBackend) Set(_ context.Context, key string, value []byte) error {
	b.cache.Set(key, append([]byte(nil), value...), int64(len(value)))
	b.cache.Wait()
	return nil
}

func (b *RistrettoBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		b.cache.Del(k)
	}
	return nil
}

func (b *RistrettoBackend) Clear(context.Context) error {
	b.cache.Clear()
	return nil
}

func (b *RistrettoBackend) Close() error {
	b.cache.Close()
	return nil
}

// NopBackend stores nothing. Every read is a miss.
type NopBackend struct{}

func (NopBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopBackend) Set(context.Context, string, []byte) error { return nil }
func (NopBackend) Delete(context.Context, ...string) error { return nil }
func (NopBackend) Clear(context.Context) error { return nil }
func (NopBackend) Close() error { return nil }
