package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event emitted by a component (spec §6).
type Type string

const (
	TaskCreated       Type = "task:created"
	TaskUpdated       Type = "task:updated"
	TaskCompleted     Type = "task:completed"
	TaskDeleted       Type = "task:deleted"
	TaskPromoted      Type = "task:promoted"
	TaskPhaseMismatch Type = "task:phase-mismatch"

	TasksVersionConflict Type = "tasks:version-conflict"

	SecurityThreat  Type = "security:threat"
	SecurityBlocked Type = "security:blocked"

	ShadowEnabled      Type = "shadow:enabled"
	ShadowModeChanged  Type = "shadow:mode-changed"
	ShadowInitialized  Type = "shadow:initialized"
	ShadowSynced       Type = "shadow:synced"

	MetricDivergence  Type = "metric:divergence"
	CounterIncremented Type = "counter:incremented"

	GuardrailDetected       Type = "guardrail:detected"
	GuardrailFeedback       Type = "guardrail:feedback"
	GuardrailPatternLearned Type = "guardrail:pattern-learned"
	GuardrailThresholdTuned Type = "guardrail:threshold-tuned"

	PoolAgentCreated  Type = "pool:agent-created"
	PoolAgentRecycled Type = "pool:agent-recycled"
	PoolShutdown      Type = "pool:shutdown"

	CacheEvicted Type = "cache:evicted"

	SubprocessSpawned  Type = "subprocess:spawned"
	SubprocessExited   Type = "subprocess:exited"
	SubprocessKilled   Type = "subprocess:killed"

	DelegationExecuted Type = "delegation:executed"
)

// Event is a single pub-sub message carrying a typed payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// New creates an event with an auto-generated id and timestamp.
func New(eventType Type, source string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
