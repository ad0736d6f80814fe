package hierarchy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskforge/orchestrator/internal/apperrors"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

func countingFactory() (AgentFactory, func() int) {
	n := 0
	return func() (interface{}, error) {
		n++
		return n, nil
	}, func() int { return n }
}

func TestAgentPoolInitializeCreatesMinPoolSize(t *testing.T) {
	factory, count := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 3, MaxPoolSize: 5, CheckoutTimeout: time.Second, RecycleAfterUses: 100}, events.NewBus(), nil)
	if err := p.Initialize(factory); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if count() != 3 {
		t.Fatalf("expected 3 agents created, got %d", count())
	}
	if stats := p.Stats(); stats.Size != 3 || stats.Idle != 3 {
		t.Fatalf("expected 3 idle agents, got %+v", stats)
	}
}

func TestAgentPoolCheckoutReusesIdleBeforeCreating(t *testing.T) {
	factory, count := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 1, MaxPoolSize: 5, CheckoutTimeout: time.Second, RecycleAfterUses: 100}, events.NewBus(), nil)
	p.Initialize(factory)

	id, _, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if count() != 1 {
		t.Fatalf("expected no new agent created on reuse, got %d created", count())
	}
	p.Checkin(id, true)
}

func TestAgentPoolCheckoutTimesOutWhenSaturated(t *testing.T) {
	factory, _ := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 1, MaxPoolSize: 1, CheckoutTimeout: 20 * time.Millisecond, RecycleAfterUses: 100}, events.NewBus(), nil)
	p.Initialize(factory)

	_, _, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}

	_, _, err = p.Checkout(context.Background())
	if !errors.Is(err, apperrors.ErrCheckoutTimeout) {
		t.Fatalf("expected ErrCheckoutTimeout, got %v", err)
	}
}

func TestAgentPoolCheckinRecyclesAfterConfiguredUses(t *testing.T) {
	factory, count := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 1, MaxPoolSize: 2, CheckoutTimeout: time.Second, RecycleAfterUses: 1}, events.NewBus(), nil)
	p.Initialize(factory)

	id, _, _ := p.Checkout(context.Background())
	p.Checkin(id, true)

	stats := p.Stats()
	if stats.Recycled != 1 {
		t.Fatalf("expected 1 recycle after hitting RecycleAfterUses, got %d", stats.Recycled)
	}
	if count() != 2 {
		t.Fatalf("expected a replacement agent to be created, got %d total created", count())
	}
}

func TestAgentPoolShutdownRejectsFurtherCheckouts(t *testing.T) {
	factory, _ := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 1, MaxPoolSize: 1, CheckoutTimeout: time.Second, RecycleAfterUses: 100}, events.NewBus(), nil)
	p.Initialize(factory)
	p.Shutdown()

	_, _, err := p.Checkout(context.Background())
	if !errors.Is(err, apperrors.ErrPoolShutdown) {
		t.Fatalf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestAgentPoolStatsHitRateAndUtilization(t *testing.T) {
	factory, _ := countingFactory()
	p := NewAgentPool(config.PoolConfig{MinPoolSize: 1, MaxPoolSize: 3, CheckoutTimeout: time.Second, RecycleAfterUses: 100}, events.NewBus(), nil)
	p.Initialize(factory)

	id, _, _ := p.Checkout(context.Background())
	p.Checkin(id, true)
	p.Checkout(context.Background())

	stats := p.Stats()
	if stats.Checkouts != 2 {
		t.Fatalf("expected 2 checkouts, got %d", stats.Checkouts)
	}
	wantHitRate := float64(stats.Checkouts-stats.Created) / float64(stats.Checkouts) * 100
	if stats.HitRate != wantHitRate {
		t.Fatalf("expected hit rate %v, got %v", wantHitRate, stats.HitRate)
	}
}
