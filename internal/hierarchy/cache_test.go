package hierarchy

import (
	"testing"
	"time"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

func newTestCache(cfg config.CacheConfig) *ContextCache {
	return NewContextCache(cfg, events.NewBus(), nil)
}

func TestContextCacheSetGetRoundTrips(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("k", "v", SetOptions{})
	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("expected to read back the stored value, got %v, %v", v, ok)
	}
}

func TestContextCacheMissIncrementsMisses(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected a miss for an unset key")
	}
	if rate := c.HitRate(); rate != 0 {
		t.Fatalf("expected 0%% hit rate with only misses, got %v", rate)
	}
}

func TestContextCacheHitRateComputation(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("k", "v", SetOptions{})
	c.Get("k")
	c.Get("k")
	c.Get("missing")
	if rate := c.HitRate(); rate != float64(2)/3*100 {
		t.Fatalf("expected hit rate 66.67, got %v", rate)
	}
}

func TestContextCacheEvictsLowestScoreOnEntryCeiling(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 2, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("low", "v", SetOptions{Priority: 0})
	c.Set("high", "v", SetOptions{Priority: 5})
	c.Set("newcomer", "v", SetOptions{Priority: 1})

	if c.Has("low") {
		t.Fatal("expected the lowest-priority entry to be evicted")
	}
	if !c.Has("high") || !c.Has("newcomer") {
		t.Fatal("expected the higher-priority entries to survive")
	}
}

func TestContextCacheMarkShareableAndGetShareable(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("shared", "payload", SetOptions{OwnerAgent: "agent-a", Shareable: true})
	c.Set("private", "payload", SetOptions{OwnerAgent: "agent-a", Shareable: false})

	visible := c.GetShareable("agent-b")
	if _, ok := visible["shared"]; !ok {
		t.Fatal("expected the shareable entry to be visible to another agent")
	}
	if _, ok := visible["private"]; ok {
		t.Fatal("did not expect the non-shareable entry to be visible")
	}

	self := c.GetShareable("agent-a")
	if _, ok := self["shared"]; ok {
		t.Fatal("did not expect the owner to see its own entry via getShareable")
	}
}

func TestContextCacheInvalidateByAgentID(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("a1", "v", SetOptions{OwnerAgent: "agent-a"})
	c.Set("a2", "v", SetOptions{OwnerAgent: "agent-a"})
	c.Set("b1", "v", SetOptions{OwnerAgent: "agent-b"})

	removed := c.Invalidate(InvalidateFilter{AgentID: "agent-a"})
	if removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	if c.Has("a1") || c.Has("a2") {
		t.Fatal("expected agent-a's entries to be gone")
	}
	if !c.Has("b1") {
		t.Fatal("expected agent-b's entry to survive")
	}
}

func TestContextCacheDelete(t *testing.T) {
	c := newTestCache(config.CacheConfig{MaxEntries: 10, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	c.Set("k", "v", SetOptions{})
	c.Delete("k")
	if c.Has("k") {
		t.Fatal("expected key to be gone after Delete")
	}
}
