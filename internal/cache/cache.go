// Package cache memoizes the compressed wire image of the VICBF so that
// repeated ClientHello handshakes don't each pay the O(m) cost of
// serializing the filter. It is the only path by which clients observe
// the filter's contents.
package cache

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync"

	"github.com/denulproto/vicbfd/internal/vicbf"
)

// flateLevel is a moderate compression level: the spec calls for ratio
// over speed, but the filter's serialized form is already dense counters
// rather than sparse/text data, so the highest level buys little beyond
// level 6.
const flateLevel = 6

// SerializationCache holds the current compressed VICBF image, or nothing
// if it has been invalidated since the last Get.
type SerializationCache struct {
	mu      sync.Mutex
	filter  *vicbf.Filter
	image   []byte
	present bool
}

// New wraps filter. The cache starts empty; the first Get computes it.
func New(filter *vicbf.Filter) *SerializationCache {
	return &SerializationCache{filter: filter}
}

// Get returns deflate(serialize(filter)), computing and memoizing it if
// the cache is empty.
func (c *SerializationCache) Get() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.present {
		return c.image, nil
	}

	compressed, err := compress(c.filter.Serialize())
	if err != nil {
		return nil, err
	}
	c.image = compressed
	c.present = true
	return c.image, nil
}

// Invalidate clears the cache. Every code path that mutates the wrapped
// filter must call this before returning success; see Insert/Remove on
// Guarded below, which do so atomically.
func (c *SerializationCache) Invalidate() {
	c.mu.Lock()
	c.present = false
	c.image = nil
	c.mu.Unlock()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flateLevel)
	if err != nil {
		return nil, fmt.Errorf("cache: open deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("cache: write deflate stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cache: close deflate stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses compress; it exists here too so test code and
// client-side tooling in this repository share one implementation of the
// wire image's envelope.
func Decompress(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// Guarded owns a VICBF together with its SerializationCache and exposes
// only mutate-and-invalidate methods, so no code path can update the
// filter without invalidating the cache in the same step. This formalizes
// the cache-coupling design note: cache coherence is a type invariant,
// not a discipline callers must remember to uphold.
type Guarded struct {
	filter *vicbf.Filter
	cache  *SerializationCache
}

// NewGuarded wraps filter with a fresh cache.
func NewGuarded(filter *vicbf.Filter) *Guarded {
	return &Guarded{filter: filter, cache: New(filter)}
}

// Filter exposes read-only access for Contains checks, which don't need
// to invalidate anything.
func (g *Guarded) Filter() *vicbf.Filter { return g.filter }

// Insert adds elem to the filter and invalidates the cache.
func (g *Guarded) Insert(elem []byte) {
	g.filter.Insert(elem)
	g.cache.Invalidate()
}

// Remove removes elem from the filter and invalidates the cache, unless
// the removal is rejected as corrupted, in which case the filter (and
// therefore the cache) is left untouched.
func (g *Guarded) Remove(elem []byte) error {
	if err := g.filter.Remove(elem); err != nil {
		return err
	}
	g.cache.Invalidate()
	return nil
}

// Image returns the current compressed serialized filter.
func (g *Guarded) Image() ([]byte, error) {
	return g.cache.Get()
}
