package hierarchy

import (
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

// SetOptions configures a single cache entry (spec §4.G context cache).
type SetOptions struct {
	TTL         time.Duration // zero uses the cache's default TTL
	Priority    int           // higher priority survives eviction longer
	Shareable   bool
	OwnerAgent  string
	ContextType string
}

// entryMeta is the eviction bookkeeping kept alongside each value in
// the underlying TTL store.
type entryMeta struct {
	key         string
	sizeBytes   int64
	priority    int
	accessCount int
	lastAccess  time.Time
	shareable   bool
	ownerAgent  string
	contextType string
}

// InvalidateFilter selects entries to remove from Invalidate.
type InvalidateFilter struct {
	ContextType string
	AgentID     string
}

// ContextCache is the Hierarchy Runtime's shared, size- and
// entry-bounded context cache. TTL expiry is delegated to
// patrickmn/go-cache; size/count eviction and sharing semantics are
// layered on top via entryMeta.
type ContextCache struct {
	mu     sync.Mutex
	cfg    config.CacheConfig
	store  *gocache.Cache
	meta   map[string]*entryMeta
	bytes  int64
	bus    *events.Bus
	logger *log.Logger

	hits   int64
	misses int64
}

// NewContextCache constructs a context cache per the given configuration.
func NewContextCache(cfg config.CacheConfig, bus *events.Bus, logger *log.Logger) *ContextCache {
	if logger == nil {
		logger = log.Default()
	}
	return &ContextCache{
		cfg:    cfg,
		store:  gocache.New(cfg.DefaultTTL, cfg.DefaultTTL),
		meta:   make(map[string]*entryMeta),
		bus:    bus,
		logger: logger,
	}
}

// Set stores a value under key, evicting the lowest-scoring entry first
// if the cache is at its entry or memory ceiling.
func (c *ContextCache) Set(key string, value interface{}, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	size := approximateSize(key, value)

	c.mu.Lock()
	if existing, ok := c.meta[key]; ok {
		c.bytes -= existing.sizeBytes
		delete(c.meta, key)
	}
	for len(c.meta) >= c.cfg.MaxEntries || c.bytes+size > c.cfg.MaxMemoryBytes {
		if !c.evictOneLocked() {
			break
		}
	}

	c.meta[key] = &entryMeta{
		key: key, sizeBytes: size, priority: opts.Priority,
		lastAccess: time.Now(), shareable: opts.Shareable,
		ownerAgent: opts.OwnerAgent, contextType: opts.ContextType,
	}
	c.bytes += size
	c.mu.Unlock()

	c.store.Set(key, value, ttl)
}

// evictOneLocked removes the entry with the lowest
// (priority*10)+accessCount score, breaking ties by oldest last-access.
// Caller must hold c.mu. Returns false if there is nothing to evict.
func (c *ContextCache) evictOneLocked() bool {
	var victim *entryMeta
	var victimScore int
	for _, m := range c.meta {
		score := m.priority*10 + m.accessCount
		if victim == nil || score < victimScore ||
			(score == victimScore && m.lastAccess.Before(victim.lastAccess)) {
			victim = m
			victimScore = score
		}
	}
	if victim == nil {
		return false
	}
	delete(c.meta, victim.key)
	c.bytes -= victim.sizeBytes
	c.store.Delete(victim.key)
	c.logger.Printf("[CACHE] evicted %s (score %d)", victim.key, victimScore)
	c.bus.Publish(events.New(events.CacheEvicted, "hierarchy.cache", map[string]interface{}{"key": victim.key, "score": victimScore}))
	return true
}

// Get retrieves a value and records a cache hit/miss, bumping the
// entry's access count and last-access time on a hit.
func (c *ContextCache) Get(key string) (interface{}, bool) {
	value, found := c.store.Get(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !found {
		c.misses++
		return nil, false
	}
	c.hits++
	if m, ok := c.meta[key]; ok {
		m.accessCount++
		m.lastAccess = time.Now()
	}
	return value, true
}

// Has reports whether key is present without affecting hit/miss stats.
func (c *ContextCache) Has(key string) bool {
	_, found := c.store.Get(key)
	return found
}

// Delete removes a single entry.
func (c *ContextCache) Delete(key string) {
	c.mu.Lock()
	if m, ok := c.meta[key]; ok {
		c.bytes -= m.sizeBytes
		delete(c.meta, key)
	}
	c.mu.Unlock()
	c.store.Delete(key)
}

// MarkShareable flags an existing entry as shareable across agents.
func (c *ContextCache) MarkShareable(key string, shareable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.meta[key]; ok {
		m.shareable = shareable
	}
}

// GetShareable returns every shareable entry whose owner differs from
// requestingAgentID.
func (c *ContextCache) GetShareable(requestingAgentID string) map[string]interface{} {
	c.mu.Lock()
	keys := make([]string, 0)
	for k, m := range c.meta {
		if m.shareable && m.ownerAgent != requestingAgentID {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	result := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := c.store.Get(k); ok {
			result[k] = v
		}
	}
	return result
}

// Invalidate removes every entry matching the filter and returns how
// many were removed. A zero-value filter matches nothing.
func (c *ContextCache) Invalidate(filter InvalidateFilter) int {
	c.mu.Lock()
	var toRemove []string
	for k, m := range c.meta {
		if filter.ContextType != "" && m.contextType != filter.ContextType {
			continue
		}
		if filter.AgentID != "" && m.ownerAgent != filter.AgentID {
			continue
		}
		if filter.ContextType == "" && filter.AgentID == "" {
			continue
		}
		toRemove = append(toRemove, k)
	}
	for _, k := range toRemove {
		c.bytes -= c.meta[k].sizeBytes
		delete(c.meta, k)
	}
	c.mu.Unlock()

	for _, k := range toRemove {
		c.store.Delete(k)
	}
	return len(toRemove)
}

// HitRate returns hits/(hits+misses)*100, or 0 with no lookups yet.
func (c *ContextCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total) * 100
}

// approximateSize estimates an entry's footprint for the memory
// ceiling; exact accounting would require reflection over arbitrary
// values, which the spec does not call for.
func approximateSize(key string, value interface{}) int64 {
	size := int64(len(key))
	if s, ok := value.(string); ok {
		size += int64(len(s))
	} else if b, ok := value.([]byte); ok {
		size += int64(len(b))
	} else {
		size += 256 // flat estimate for structured values
	}
	return size
}
