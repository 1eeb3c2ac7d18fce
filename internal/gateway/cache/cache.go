// Package cache provides the fingerprint-keyed response cache: a bounded,
// TTL-expiring, insertion-ordered in-process map with an optional shared
// remote tier.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/metrics"
)

const remoteKeyPrefix = "cache:exact:"

// RemoteStore is a shared byte store consulted after a local miss and
// written through on every Put. Get reports the remaining time to live of
// the key, or 0 when the key has no expiry.
type RemoteStore interface {
	Get(ctx context.Context, key string) (val []byte, ttl time.Duration, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type entry struct {
	key       string
	data      []byte
	createdAt time.Time
	expiresAt time.Time
}

type options struct {
	codec   Codec
	remote  RemoteStore
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*options)

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRemote adds a shared remote tier.
func WithRemote(r RemoteStore) Option {
	return func(o *options) { o.remote = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for serialization and remote anomalies.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records hits, misses and anomalies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Cache maps fingerprints to values of type T. When full, Put evicts the
// entry that was inserted first, regardless of how recently it was read.
// Expired entries are removed when a Get finds them.
type Cache[T any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is the oldest insertion
	ttl     time.Duration
	maxSize int

	options
}

// New creates a cache holding at most maxSize entries for ttl each.
func New[T any](ttl time.Duration, maxSize int, opts ...Option) *Cache[T] {
	o := options{codec: JSONCodec{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logger.OrNop(o.logger)
	if maxSize < 1 {
		maxSize = 1
	}

	return &Cache[T]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		options: o,
	}
}

// Get returns the value stored under fingerprint. A decode failure is logged
// and reported as a miss.
func (c *Cache[T]) Get(ctx context.Context, fingerprint string) (T, bool) {
	var zero T

	data, el, ok := c.lookup(fingerprint)
	if ok {
		var v T
		if err := c.codec.Unmarshal(data, &v); err != nil {
			c.anomaly("decode", fingerprint, err)
			c.removeElement(el)
			c.metrics.RecordCacheLookup(false)
			return zero, false
		}
		c.metrics.RecordCacheLookup(true)
		return v, true
	}

	if v, ok := c.getRemote(ctx, fingerprint); ok {
		c.metrics.RecordCacheLookup(true)
		return v, true
	}

	c.metrics.RecordCacheLookup(false)
	return zero, false
}

// Put stores v under fingerprint with expiry now+ttl. An encode failure is
// logged and nothing is stored.
func (c *Cache[T]) Put(ctx context.Context, fingerprint string, v T) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		c.anomaly("encode", fingerprint, err)
		return
	}

	c.mu.Lock()
	c.insertLocked(fingerprint, data, c.now().Add(c.ttl))
	c.mu.Unlock()

	if c.remote != nil {
		if err := c.remote.Set(ctx, remoteKeyPrefix+fingerprint, data, c.ttl); err != nil {
			c.anomaly("remote_set", fingerprint, err)
		}
	}
}

// Len reports the number of physically held entries, expired or not.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity reports the maximum number of entries.
func (c *Cache[T]) Capacity() int {
	return c.maxSize
}

// Clear drops every local entry. The remote tier is left untouched.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache[T]) lookup(fingerprint string) ([]byte, *list.Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return nil, nil, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, fingerprint)
		return nil, nil, false
	}
	return e.data, el, true
}

func (c *Cache[T]) getRemote(ctx context.Context, fingerprint string) (T, bool) {
	var zero T
	if c.remote == nil {
		return zero, false
	}

	data, remaining, found, err := c.remote.Get(ctx, remoteKeyPrefix+fingerprint)
	if err != nil {
		c.anomaly("remote_get", fingerprint, err)
		return zero, false
	}
	if !found {
		return zero, false
	}

	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		c.anomaly("decode", fingerprint, err)
		return zero, false
	}

	// The local copy expires with the remote one, not ttl after this read.
	if remaining <= 0 || remaining > c.ttl {
		remaining = c.ttl
	}
	c.mu.Lock()
	c.insertLocked(fingerprint, data, c.now().Add(remaining))
	c.mu.Unlock()
	return v, true
}

// insertLocked evicts the oldest insertion when full, then appends. Callers
// must hold c.mu.
func (c *Cache[T]) insertLocked(fingerprint string, data []byte, expiresAt time.Time) {
	if el, ok := c.items[fingerprint]; ok {
		c.order.Remove(el)
		delete(c.items, fingerprint)
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}

	c.items[fingerprint] = c.order.PushBack(&entry{
		key:       fingerprint,
		data:      data,
		createdAt: expiresAt.Add(-c.ttl),
		expiresAt: expiresAt,
	})
}

// removeElement drops el if it is still the live entry for its key.
func (c *Cache[T]) removeElement(el *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := el.Value.(*entry)
	if cur, ok := c.items[e.key]; ok && cur == el {
		c.order.Remove(el)
		delete(c.items, e.key)
	}
}

func (c *Cache[T]) anomaly(op, fingerprint string, err error) {
	c.metrics.RecordCacheAnomaly(op)
	c.logger.Warn("cache anomaly treated as miss",
		zap.String("op", op),
		zap.String("fingerprint", shortKey(fingerprint)),
		zap.Error(err),
	)
}

func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8]
	}
	return k
}
