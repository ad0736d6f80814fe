// Package config defines the per-component configuration schema for the
// orchestrator, loaded from a single YAML file (orchestrator.yaml) the
// way the teacher loads teams.yaml/projects.yaml in cmd/cliaimonitor.
// Every component's thresholds, sizes, and TTLs are enumerated here with
// documented defaults, rather than passed as duck-typed option bags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidatorConfig configures the Input Validator (spec §4.A).
type ValidatorConfig struct {
	Mode          string `yaml:"mode"`            // "enforce" (default) or "audit"
	ThreatLogSize int    `yaml:"threat_log_size"` // bounded threat log length
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{Mode: "enforce", ThreatLogSize: 200}
}

// JournalConfig configures the State Journal (spec §4.B).
type JournalConfig struct {
	StatePath    string `yaml:"state_path"`
	BackupDir    string `yaml:"backup_dir"`
	MaxBackups   int    `yaml:"max_backups"`
	DefaultPhase string `yaml:"default_phase"`
}

func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		StatePath:    "data/project-state.json",
		BackupDir:    "data/backups",
		MaxBackups:   10,
		DefaultPhase: "research",
	}
}

// MemStoreConfig configures the Memory Store (spec §4.C).
type MemStoreConfig struct {
	Path string `yaml:"path"`
}

func DefaultMemStoreConfig() MemStoreConfig {
	return MemStoreConfig{Path: "data/memory.db"}
}

// TaskStoreConfig configures the Task Store (spec §4.D).
type TaskStoreConfig struct {
	Path               string        `yaml:"path"`
	MaxAncestryDepth    int          `yaml:"max_ancestry_depth"`
	ShadowMode          bool         `yaml:"shadow_mode"`
	ShadowDBPath        string       `yaml:"shadow_db_path"`
	ShadowLatencyWindow int          `yaml:"shadow_latency_window"`
	MaxDivergences      int          `yaml:"max_divergences"`
	P99LatencyCeiling   time.Duration `yaml:"p99_latency_ceiling"`
}

func DefaultTaskStoreConfig() TaskStoreConfig {
	return TaskStoreConfig{
		Path:                "data/tasks.json",
		MaxAncestryDepth:    10,
		ShadowMode:          false,
		ShadowDBPath:        "data/tasks-shadow.db",
		ShadowLatencyWindow: 100,
		MaxDivergences:      50,
		P99LatencyCeiling:   200 * time.Millisecond,
	}
}

// GuardrailConfig configures the Guardrail Detector (spec §4.E).
type GuardrailConfig struct {
	InitialThreshold        float64 `yaml:"initial_threshold"`
	AdaptiveThresholds      bool    `yaml:"adaptive_thresholds"`
	MinDetectionsForAdapt   int     `yaml:"min_detections_for_adapt"`
	DetectionCacheCap       int     `yaml:"detection_cache_cap"`
}

func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		InitialThreshold:      0.70,
		AdaptiveThresholds:    true,
		MinDetectionsForAdapt: 10,
		DetectionCacheCap:     500,
	}
}

// DelegationConfig configures the Delegation Engine (spec §4.F).
type DelegationConfig struct {
	DefaultPattern string `yaml:"default_pattern"`
	MaxAgents      int    `yaml:"max_agents"`
}

func DefaultDelegationConfig() DelegationConfig {
	return DelegationConfig{DefaultPattern: "sequential", MaxAgents: 8}
}

// PoolConfig configures the Hierarchy Runtime's agent pool (spec §4.G).
type PoolConfig struct {
	MinPoolSize      int           `yaml:"min_pool_size"`
	MaxPoolSize      int           `yaml:"max_pool_size"`
	WarmupInterval   time.Duration `yaml:"warmup_interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	CheckoutTimeout  time.Duration `yaml:"checkout_timeout"`
	RecycleAfterUses int           `yaml:"recycle_after_uses"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinPoolSize:      1,
		MaxPoolSize:      8,
		WarmupInterval:   30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		CheckoutTimeout:  10 * time.Second,
		RecycleAfterUses: 50,
	}
}

// CacheConfig configures the Hierarchy Runtime's shared context cache.
type CacheConfig struct {
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxEntries     int           `yaml:"max_entries"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxMemoryBytes: 50 * 1024 * 1024,
		MaxEntries:     1000,
		DefaultTTL:     5 * time.Minute,
	}
}

// HierarchyConfig configures the Hierarchy Runtime (spec §4.G).
type HierarchyConfig struct {
	Pool  PoolConfig  `yaml:"pool"`
	Cache CacheConfig `yaml:"cache"`
}

func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{Pool: DefaultPoolConfig(), Cache: DefaultCacheConfig()}
}

// RelayConfig configures the cross-process event relay (spec §5):
// local pub-sub between sibling supervisor processes sharing a host,
// over an embedded NATS server.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // 0 lets the OS pick a free port
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{Enabled: false, Port: 0}
}

// OrchestratorConfig configures the Orchestrator Loop (spec §4.H).
type OrchestratorConfig struct {
	IdleInterval  time.Duration `yaml:"idle_interval"`
	Phase         string        `yaml:"phase"`
	HumanOverride bool          `yaml:"human_override"`
	StatusAPIAddr string        `yaml:"status_api_addr"`

	// AgentCommand/AgentArgs launch the direct, non-delegated executor
	// used when the Delegation Engine does not recommend delegation for
	// a task. {{task_id}} in AgentArgs is substituted with the task ID.
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		IdleInterval:  5 * time.Second,
		Phase:         "implementation",
		HumanOverride: false,
		StatusAPIAddr: "127.0.0.1:7777",
		AgentCommand:  "claude",
		AgentArgs:     []string{"-p", "{{task_id}}"},
	}
}

// Config is the root configuration document for a supervisor process.
type Config struct {
	Validator    ValidatorConfig    `yaml:"validator"`
	Journal      JournalConfig      `yaml:"journal"`
	MemStore     MemStoreConfig     `yaml:"mem_store"`
	TaskStore    TaskStoreConfig    `yaml:"task_store"`
	Guardrail    GuardrailConfig    `yaml:"guardrail"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Hierarchy    HierarchyConfig    `yaml:"hierarchy"`
	Relay        RelayConfig        `yaml:"relay"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// Default returns a Config populated with every component's documented
// defaults.
func Default() Config {
	return Config{
		Validator:    DefaultValidatorConfig(),
		Journal:      DefaultJournalConfig(),
		MemStore:     DefaultMemStoreConfig(),
		TaskStore:    DefaultTaskStoreConfig(),
		Guardrail:    DefaultGuardrailConfig(),
		Delegation:   DefaultDelegationConfig(),
		Hierarchy:    DefaultHierarchyConfig(),
		Relay:        DefaultRelayConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
	}
}

// Load reads a YAML config file, merging it over the defaults. A missing
// file is not an error — it simply yields the defaults, matching the
// teacher's tolerant config loading in cmd/cliaimonitor/main.go.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
