// Package cache implements the in-process TTL cache that sits in front of the
// market data, news and LLM providers.
//
// Entries are namespaced as "category:key". Expiry is absolute from creation
// (reads never extend a TTL) and expired entries are hidden lazily on access.
// When the cache is full the least recently accessed entry is evicted.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
)

// Category groups entries that share a default TTL.
type Category string

const (
	CategoryQuote    Category = "quote"
	CategoryProfile  Category = "profile"
	CategoryRatios   Category = "ratios"
	CategoryNews     Category = "news"
	CategoryLLM      Category = "llm"
	CategoryResearch Category = "research"
	CategoryDefault  Category = "default"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 1000

var (
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("cache: invalid key")
	// ErrInvalidCategory is returned for a category with no TTL configured.
	ErrInvalidCategory = errors.New("cache: invalid category")
)

// DefaultTTLs returns the per-category TTL table.
func DefaultTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryQuote:    60 * time.Second,
		CategoryProfile:  86400 * time.Second,
		CategoryRatios:   3600 * time.Second,
		CategoryNews:     900 * time.Second,
		CategoryLLM:      3600 * time.Second,
		CategoryResearch: 1800 * time.Second,
		CategoryDefault:  300 * time.Second,
	}
}

// Entry is a single cached value.
type Entry struct {
	Key         string    `json:"key"`
	Category    Category  `json:"category"`
	Value       any       `json:"value"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessCount int64     `json:"accessCount"`
	LastAccess  time.Time `json:"lastAccess"`
	SizeBytes   int       `json:"sizeBytes"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Mirror is an optional second tier that receives every write. Values cross
// the boundary JSON-encoded.
type Mirror interface {
	Get(ctx context.Context, key string) (data []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PrefixClearer is implemented by mirrors that can drop every key starting
// with a prefix. An empty prefix clears the whole mirror namespace.
type PrefixClearer interface {
	ClearPrefix(ctx context.Context, prefix string) error
}

// Config configures a Cache.
type Config struct {
	MaxEntries int
	// TTLs overrides entries of DefaultTTLs; new categories may be added.
	TTLs          map[Category]time.Duration
	Clock         clock.Clock
	Mirror        Mirror
	MirrorTimeout time.Duration
	Logger        *slog.Logger
}

// Cache is safe for concurrent use. A single mutex serializes all operations.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed

	ttls          map[Category]time.Duration
	maxEntries    int
	clock         clock.Clock
	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *slog.Logger

	hits      int64
	misses    int64
	evictions int64
}

// New creates a Cache.
func New(cfg Config) *Cache {
	ttls := DefaultTTLs()
	for cat, ttl := range cfg.TTLs {
		ttls[cat] = ttl
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		entries:       make(map[string]*list.Element),
		lru:           list.New(),
		ttls:          ttls,
		maxEntries:    cfg.MaxEntries,
		clock:         cfg.Clock,
		mirror:        cfg.Mirror,
		mirrorTimeout: cfg.MirrorTimeout,
		logger:        cfg.Logger.With("component", "cache"),
	}
}

func (c *Cache) namespaced(key string, category Category) (string, Category, error) {
	if key == "" {
		return "", "", ErrInvalidKey
	}
	if category == "" {
		category = CategoryDefault
	}
	if _, ok := c.ttls[category]; !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return string(category) + ":" + key, category, nil
}

// TTL returns the configured TTL for a category.
func (c *Cache) TTL(category Category) (time.Duration, error) {
	if category == "" {
		category = CategoryDefault
	}
	ttl, ok := c.ttls[category]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return ttl, nil
}

// Get returns the cached value and whether it was a hit. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(key string, category Category) (any, bool, error) {
	nsKey, category, err := c.namespaced(key, category)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if value, ok := c.lookupLocked(nsKey); ok {
		c.hits++
		c.mu.Unlock()
		return value, true, nil
	}
	c.mu.Unlock()

	if c.mirror != nil {
		if raw, ttl, ok := c.mirrorGet(nsKey); ok {
			c.mu.Lock()
			c.hits++
			c.insertLocked(nsKey, key, category, raw, ttl)
			c.mu.Unlock()
			return raw, true, nil
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false, nil
}

func (c *Cache) lookupLocked(nsKey string) (any, bool) {
	elem, ok := c.entries[nsKey]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	now := c.clock.Now()
	if entry.expired(now) {
		c.removeLocked(elem)
		return nil, false
	}
	entry.AccessCount++
	entry.LastAccess = now
	c.lru.MoveToFront(elem)
	return entry.Value, true
}

// Set stores value under the category's default TTL.
func (c *Cache) Set(key string, value any, category Category) error {
	return c.SetTTL(key, value, category, 0)
}

// SetTTL stores value with an explicit TTL. A non-positive ttl uses the
// category default.
func (c *Cache) SetTTL(key string, value any, category Category, ttl time.Duration) error {
	nsKey, category, err := c.namespaced(key, category)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttls[category]
	}

	c.mu.Lock()
	c.insertLocked(nsKey, key, category, value, ttl)
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirrorSet(nsKey, value, ttl)
	}
	return nil
}

func (c *Cache) insertLocked(nsKey, key string, category Category, value any, ttl time.Duration) {
	now := c.clock.Now()
	entry := &Entry{
		Key:        key,
		Category:   category,
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		SizeBytes:  sizeOf(value),
	}

	if elem, ok := c.entries[nsKey]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[nsKey] = c.lru.PushFront(entry)
}

// evictLocked removes the single least recently accessed entry.
func (c *Cache) evictLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*Entry)
	c.removeLocked(oldest)
	c.evictions++
	c.logger.Debug("cache entry evicted", "category", entry.Category, "key", entry.Key)
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	delete(c.entries, string(entry.Category)+":"+entry.Key)
	c.lru.Remove(elem)
}

// Delete removes one entry and reports whether it existed.
func (c *Cache) Delete(key string, category Category) (bool, error) {
	nsKey, _, err := c.namespaced(key, category)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	elem, ok := c.entries[nsKey]
	if ok {
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	if c.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
		defer cancel()
		if err := c.mirror.Delete(ctx, nsKey); err != nil {
			c.logger.Warn("cache mirror delete failed", "key", nsKey, "error", err)
		}
	}
	return ok, nil
}

// Clear removes every entry in category, or all entries when category is
// empty. It returns the number of entries removed.
func (c *Cache) Clear(category Category) (int, error) {
	if category != "" {
		if _, ok := c.ttls[category]; !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
		}
	}

	c.mu.Lock()
	var removedKeys []string
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		if entry := elem.Value.(*Entry); category == "" || entry.Category == category {
			removedKeys = append(removedKeys, string(entry.Category)+":"+entry.Key)
			c.removeLocked(elem)
		}
		elem = next
	}
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirrorClear(category, removedKeys)
	}
	return len(removedKeys), nil
}

// mirrorClear drops the cleared keys from the mirror. Mirrors that can
// delete by prefix also lose entries this process never held.
func (c *Cache) mirrorClear(category Category, keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()

	if pc, ok := c.mirror.(PrefixClearer); ok {
		prefix := ""
		if category != "" {
			prefix = string(category) + ":"
		}
		if err := pc.ClearPrefix(ctx, prefix); err != nil {
			c.logger.Warn("cache mirror clear failed", "category", category, "error", err)
		}
		return
	}
	for _, nsKey := range keys {
		if err := c.mirror.Delete(ctx, nsKey); err != nil {
			c.logger.Warn("cache mirror delete failed", "key", nsKey, "error", err)
		}
	}
}

// PruneExpired physically removes expired entries and returns how many were
// removed.
func (c *Cache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).expired(now) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	if removed > 0 {
		c.logger.Info("pruned expired cache entries", "removed", removed)
	}
	return removed
}

// Len returns the number of physically present entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a snapshot of every entry, most recently accessed first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Entry))
	}
	return out
}

// CategoryStats summarizes one category.
type CategoryStats struct {
	Count     int `json:"count"`
	SizeBytes int `json:"sizeBytes"`
	Expired   int `json:"expired"`
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Entries    int                        `json:"entries"`
	MaxEntries int                        `json:"maxEntries"`
	Hits       int64                      `json:"hits"`
	Misses     int64                      `json:"misses"`
	Evictions  int64                      `json:"evictions"`
	HitRate    float64                    `json:"hitRate"`
	SizeBytes  int                        `json:"sizeBytes"`
	Categories map[Category]CategoryStats `json:"categories"`
	TTLSeconds map[Category]float64       `json:"ttlSeconds"`
}

// Stats returns hit/miss counters and a per-category breakdown.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := Stats{
		Entries:    len(c.entries),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Categories: make(map[Category]CategoryStats),
		TTLSeconds: make(map[Category]float64, len(c.ttls)),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	for cat, ttl := range c.ttls {
		stats.TTLSeconds[cat] = ttl.Seconds()
	}
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		cs := stats.Categories[entry.Category]
		cs.Count++
		cs.SizeBytes += entry.SizeBytes
		if entry.expired(now) {
			cs.Expired++
		}
		stats.Categories[entry.Category] = cs
		stats.SizeBytes += entry.SizeBytes
	}
	return stats
}

// Categories returns the configured categories in sorted order.
func (c *Cache) Categories() []Category {
	cats := make([]Category, 0, len(c.ttls))
	for cat := range c.ttls {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

func (c *Cache) mirrorGet(nsKey string) (json.RawMessage, time.Duration, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()

	data, ttl, ok, err := c.mirror.Get(ctx, nsKey)
	if err != nil {
		c.logger.Warn("cache mirror get failed", "key", nsKey, "error", err)
		return nil, 0, false
	}
	if !ok || ttl <= 0 {
		return nil, 0, false
	}
	return json.RawMessage(data), ttl, true
}

func (c *Cache) mirrorSet(nsKey string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache mirror encode failed", "key", nsKey, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()
	if err := c.mirror.Set(ctx, nsKey, data, ttl); err != nil {
		c.logger.Warn("cache mirror set failed", "key", nsKey, "error", err)
	}
}

func sizeOf(value any) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	case []byte:
		return len(v)
	case json.RawMessage:
		return len(v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return len(data)
}
