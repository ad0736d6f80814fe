package hierarchy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/apperrors"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

// AgentFactory creates a new pooled agent handle. The returned value is
// opaque to the pool; it is handed back verbatim on checkout.
type AgentFactory func() (interface{}, error)

// pooledAgent wraps a factory-created handle with pool bookkeeping.
type pooledAgent struct {
	id       string
	handle   interface{}
	useCount int
	idle     bool
}

// PoolStats mirrors spec §4.G's agent pool statistics block.
type PoolStats struct {
	Size        int
	Idle        int
	InUse       int
	Checkouts   int
	Created     int
	Recycled    int
	Disposed    int
	HitRate     float64
	Utilization float64
}

// AgentPool implements the Hierarchy Runtime's agent pool: a bounded set
// of reusable agent handles checked out by subtasks and recycled after
// a configured number of uses.
type AgentPool struct {
	mu      sync.Mutex
	cfg     config.PoolConfig
	factory AgentFactory
	bus     *events.Bus
	logger  *log.Logger

	agents      map[string]*pooledAgent
	idleQueue   []string // FIFO of idle agent ids
	waiters     []chan struct{}
	shutdown    bool
	checkouts   int
	created     int
	recycled    int
	disposed    int
}

// NewAgentPool constructs an agent pool; call Initialize to warm it.
func NewAgentPool(cfg config.PoolConfig, bus *events.Bus, logger *log.Logger) *AgentPool {
	if logger == nil {
		logger = log.Default()
	}
	return &AgentPool{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		agents: make(map[string]*pooledAgent),
	}
}

// Initialize creates minPoolSize agents up front via factory.
func (p *AgentPool) Initialize(factory AgentFactory) error {
	p.mu.Lock()
	p.factory = factory
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinPoolSize; i++ {
		if _, err := p.spawnIdleLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (p *AgentPool) spawnIdleLocked() (*pooledAgent, error) {
	handle, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &pooledAgent{id: uuid.New().String(), handle: handle, idle: true}
	p.agents[a.id] = a
	p.idleQueue = append(p.idleQueue, a.id)
	p.created++
	p.logger.Printf("[POOL] created agent %s (pool size %d)", a.id, len(p.agents))
	p.bus.Publish(events.New(events.PoolAgentCreated, "hierarchy.pool", map[string]interface{}{"agent_id": a.id}))
	return a, nil
}

// Checkout returns an idle agent (FIFO) or creates one up to
// maxPoolSize; when saturated it waits up to CheckoutTimeout before
// failing with apperrors.ErrCheckoutTimeout.
func (p *AgentPool) Checkout(ctx context.Context) (string, interface{}, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return "", nil, apperrors.ErrPoolShutdown
	}

	if len(p.idleQueue) > 0 {
		id := p.idleQueue[0]
		p.idleQueue = p.idleQueue[1:]
		a := p.agents[id]
		a.idle = false
		p.checkouts++
		p.mu.Unlock()
		return a.id, a.handle, nil
	}

	if len(p.agents) < p.cfg.MaxPoolSize {
		p.mu.Unlock()
		if _, err := p.spawnIdleLocked(); err != nil {
			return "", nil, err
		}
		return p.Checkout(ctx)
	}

	wait := make(chan struct{})
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		return p.Checkout(ctx)
	case <-timer.C:
		return "", nil, apperrors.ErrCheckoutTimeout
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Checkin returns an agent to the idle queue, incrementing its use
// count; an agent at or above recycleAfterUses is disposed and
// replaced instead.
func (p *AgentPool) Checkin(id string, success bool) {
	p.mu.Lock()
	a, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	a.useCount++

	if a.useCount >= p.cfg.RecycleAfterUses {
		delete(p.agents, id)
		p.disposed++
		p.recycled++
		p.logger.Printf("[POOL] recycling agent %s after %d uses", id, a.useCount)
		p.bus.Publish(events.New(events.PoolAgentRecycled, "hierarchy.pool", map[string]interface{}{"agent_id": id, "uses": a.useCount}))
		p.mu.Unlock()
		p.spawnIdleLocked()
		p.wakeWaiter()
		return
	}

	a.idle = true
	p.idleQueue = append(p.idleQueue, id)
	p.mu.Unlock()
	p.wakeWaiter()
}

func (p *AgentPool) wakeWaiter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// Shutdown disposes every agent and rejects pending checkouts with
// apperrors.ErrPoolShutdown.
func (p *AgentPool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.disposed += len(p.agents)
	p.agents = make(map[string]*pooledAgent)
	p.idleQueue = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	p.logger.Printf("[POOL] shutdown complete")
	p.bus.Publish(events.New(events.PoolShutdown, "hierarchy.pool", nil))
}

// Stats reports the pool's current composition and lifetime counters.
func (p *AgentPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idleQueue)
	size := len(p.agents)
	inUse := size - idle

	var hitRate, utilization float64
	if p.checkouts > 0 {
		hitRate = float64(p.checkouts-p.created) / float64(p.checkouts) * 100
	}
	if size > 0 {
		utilization = float64(inUse) / float64(size) * 100
	}

	return PoolStats{
		Size: size, Idle: idle, InUse: inUse,
		Checkouts: p.checkouts, Created: p.created,
		Recycled: p.recycled, Disposed: p.disposed,
		HitRate: hitRate, Utilization: utilization,
	}
}
