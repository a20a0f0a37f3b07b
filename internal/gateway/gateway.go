package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/clock"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/cron"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/prompt"
	"github.com/stellarlinkco/npcbrain/internal/provider"
	"github.com/stellarlinkco/npcbrain/internal/ratelimit"
	"github.com/stellarlinkco/npcbrain/internal/tasks"
	"github.com/stellarlinkco/npcbrain/internal/trigger"
)

const (
	// SweepJob is the cron job that queues compaction for recently active actors.
	SweepJob = "compaction-sweep"
	// SweepLookback bounds which actors the sweep visits.
	SweepLookback = 24 * time.Hour

	shutdownTimeout = 5 * time.Second
)

// Frontend is an inbound surface (HTTP, websocket) serving the orchestrator.
// Start must not block.
type Frontend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FrontendFactory builds the frontend once the orchestrator exists.
type FrontendFactory func(o *Orchestrator) (Frontend, error)

// Options for creating a Gateway
type Options struct {
	FrontendFactory FrontendFactory
	// Router overrides backend selection from config.
	Router     *provider.Router
	Clock      clock.Clock
	Logger     *zap.Logger
	SignalChan chan os.Signal // for testing signal handling
}

// Gateway wires storage, backends, background work and the inbound surface,
// and owns their lifecycle.
type Gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *memory.Engine
	router   *provider.Router
	executor *tasks.Executor
	cron     *cron.Service
	orch     *Orchestrator
	frontend Frontend
	clock    clock.Clock

	signalChan chan os.Signal
	execDone   chan struct{}
	once       sync.Once
	closeErr   error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with injectable collaborators.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	g := &Gateway{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		signalChan: opts.SignalChan,
	}

	dbPath := cfg.Memory.DBPath
	if dbPath == "" {
		dbPath = config.DefaultConfig().Memory.DBPath
	}
	store, err := memory.NewEngine(dbPath)
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	g.store = store

	persona, err := prompt.Persona(cfg.Agent)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	g.router = opts.Router
	if g.router == nil {
		g.router = provider.NewRouter(context.Background(), provider.Options{
			Primaries: cfg.Primaries(),
			Fallback:  cfg.LLMFallback,
			Logger:    logger.Named("provider"),
		})
	}

	g.executor = tasks.New(cfg.Workers, logger)
	speakers := memory.Speakers{Agent: cfg.Agent.Name, Actor: cfg.Agent.ActorLabel}

	g.orch = NewOrchestrator(cfg, Deps{
		Store:        store,
		Triggers:     trigger.NewEngine(trigger.ConfigFrom(cfg.Behavior), trigger.NewMemoryStore(), clk, logger.Named("trigger")),
		Router:       g.router,
		Window:       ratelimit.NewWindow(cfg.Behavior.MaxLLMCallsPerMinute, clk),
		Tasks:        g.executor,
		Consolidator: memory.NewConsolidator(store, g.router, cfg.Memory, speakers, clk, logger.Named("memory")),
		Compactor:    memory.NewCompactor(store, g.router, cfg.Memory, speakers, logger.Named("memory")),
		Persona:      persona,
		Clock:        clk,
		Logger:       logger.Named("orchestrator"),
	})

	g.cron = cron.NewService(logger)
	schedule := cfg.Memory.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	if err := g.cron.AddJob(SweepJob, schedule, g.sweep); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register sweep: %w", err)
	}

	if opts.FrontendFactory != nil {
		fe, err := opts.FrontendFactory(g.orch)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create frontend: %w", err)
		}
		g.frontend = fe
	}

	return g, nil
}

func (g *Gateway) Orchestrator() *Orchestrator { return g.orch }
func (g *Gateway) Store() *memory.Engine       { return g.store }
func (g *Gateway) Router() *provider.Router    { return g.router }
func (g *Gateway) Cron() *cron.Service         { return g.cron }

// Run starts background work and the frontend, then blocks until ctx is
// cancelled or a termination signal arrives, and shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	g.execDone = make(chan struct{})
	go func() {
		defer close(g.execDone)
		// queued maintenance drains on shutdown even after ctx is cancelled
		if err := g.executor.Run(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("executor stopped", zap.Error(err))
		}
	}()

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", zap.Error(err))
	}

	if g.frontend != nil {
		if err := g.frontend.Start(ctx); err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("start frontend: %w", err)
		}
	}

	g.logger.Info("gateway running",
		zap.String("backend", g.router.Active()),
		zap.String("host", g.cfg.Server.Host),
		zap.Int("port", g.cfg.Server.Port),
	)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	g.logger.Info("gateway shutting down")
	return g.Shutdown()
}

// Shutdown stops the frontend, cron, drains the executor and closes the
// store, in that order. It is idempotent.
func (g *Gateway) Shutdown() error {
	g.once.Do(func() {
		var errs []error

		if g.frontend != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := g.frontend.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop frontend: %w", err))
			}
			cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.cron.Stop(ctx); err != nil {
			g.logger.Warn("cron stop", zap.Error(err))
		}
		cancel()

		g.executor.Stop()
		if g.execDone != nil {
			<-g.execDone
		}

		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory engine: %w", err))
		}
		g.closeErr = errors.Join(errs...)
		g.logger.Info("shutdown complete")
	})
	return g.closeErr
}

func (g *Gateway) sweep(context.Context) error {
	if !g.router.Available() {
		return nil
	}
	actors, err := g.store.ActiveActors(g.clock.Now().Add(-SweepLookback))
	if err != nil {
		return err
	}
	queued := 0
	for _, actor := range actors {
		if g.orch.SubmitCompaction(actor) {
			queued++
		}
	}
	g.logger.Info("compaction sweep", zap.Int("actors", len(actors)), zap.Int("queued", queued))
	return nil
}
