// Command orchestrator runs the autonomous task orchestrator: it loads
// a tasks.json backlog and orchestrator.yaml configuration, wires every
// component of the pipeline (Validator, Journal, Memory Store,
// Guardrail Detector, Task Store, Delegation Engine, Hierarchy
// Runtime, Orchestrator Loop, Status API), and runs until interrupted.
//
// Grounded on cmd/cliaimonitor/main.go's flag parsing, component
// wiring order, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/delegation"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/guardrail"
	"github.com/taskforge/orchestrator/internal/hierarchy"
	"github.com/taskforge/orchestrator/internal/journal"
	"github.com/taskforge/orchestrator/internal/memstore"
	"github.com/taskforge/orchestrator/internal/orchestrator"
	"github.com/taskforge/orchestrator/internal/statusapi"
	"github.com/taskforge/orchestrator/internal/tasks"
	"github.com/taskforge/orchestrator/internal/validator"
)

func main() {
	configPath := flag.String("config", "orchestrator.yaml", "Orchestrator configuration file")
	sessionID := flag.String("session", "", "Session id to tag spawned subprocesses and journal entries with (default: a generated uuid)")
	once := flag.Bool("once", false, "Run a single orchestration cycle and exit, instead of looping")
	flag.Parse()

	logger := log.New(os.Stderr, "[ORCHESTRATOR] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	session := *sessionID
	if session == "" {
		session = uuid.New().String()
	}

	for _, dir := range []string{
		filepath.Dir(cfg.TaskStore.Path), filepath.Dir(cfg.Journal.StatePath),
		cfg.Journal.BackupDir, filepath.Dir(cfg.MemStore.Path),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	bus := events.NewBus()

	var relay *events.Relay
	if cfg.Relay.Enabled {
		relay, err = events.NewRelay(bus, cfg.Relay.Port)
		if err != nil {
			logger.Printf("relay startup failed, continuing without cross-process eventing: %v", err)
			relay = nil
		}
	}

	mem := memstore.Open(cfg.MemStore)
	defer mem.Close()

	store, err := tasks.New(cfg.TaskStore, session, bus, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize task store: %v\n", err)
		os.Exit(1)
	}
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load task store: %v\n", err)
		os.Exit(1)
	}

	v := validator.New(cfg.Validator, bus)
	g := guardrail.New(cfg.Guardrail, mem.AsGuardrailStore(), bus)
	d := delegation.New(cfg.Delegation)

	pool := hierarchy.NewAgentPool(cfg.Hierarchy.Pool, bus, logger)
	if err := pool.Initialize(func() (interface{}, error) {
		return uuid.New().String(), nil
	}); err != nil {
		logger.Printf("agent pool warmup failed, continuing with a cold pool: %v", err)
	}
	cache := hierarchy.NewContextCache(cfg.Hierarchy.Cache, bus, logger)
	sup := hierarchy.NewSupervisor(bus, logger)

	j := journal.New(cfg.Journal, session, bus)
	if _, err := j.Load(); err != nil {
		logger.Printf("journal load failed, starting from a fresh state: %v", err)
	}

	loop := orchestrator.New(cfg.Orchestrator, session, store, v, g, d, sup, cache, j, bus, logger)

	api := statusapi.New(cfg.Orchestrator.StatusAPIAddr, store, g, v, pool, cache, loop, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start(ctx) }()

	if relay != nil {
		defer relay.Close()
		go relay.Run(ctx)
		logger.Printf("event relay listening at %s", relay.URL())
	}

	logger.Printf("session %s starting, status api on %s", session, cfg.Orchestrator.StatusAPIAddr)

	if *once {
		result := loop.RunOnce(ctx)
		logger.Printf("single cycle complete: %+v", result)
		stop()
	} else {
		loop.Run(ctx)
	}

	if err := <-apiErr; err != nil {
		logger.Printf("status api shutdown: %v", err)
	}
}
