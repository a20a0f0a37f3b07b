package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/gateway"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/provider"
	"github.com/stellarlinkco/npcbrain/internal/server"
)

// RouterFactory selects the generation backend for one-shot commands.
type RouterFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) *provider.Router

// DefaultRouterFactory probes the configured backends in order.
func DefaultRouterFactory(ctx context.Context, cfg *config.Config, logger *zap.Logger) *provider.Router {
	return provider.NewRouter(ctx, provider.Options{
		Primaries: cfg.Primaries(),
		Fallback:  cfg.LLMFallback,
		Logger:    logger.Named("provider"),
	})
}

// CLIOptions carries injectable dependencies for the commands.
type CLIOptions struct {
	RouterFactory RouterFactory
	Stdout        io.Writer
	// Serve replaces gateway startup; used by tests.
	Serve func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error
}

type cli struct {
	opts       CLIOptions
	configPath string
}

func newRootCmd(opts CLIOptions) *cobra.Command {
	if opts.RouterFactory == nil {
		opts.RouterFactory = DefaultRouterFactory
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Serve == nil {
		opts.Serve = serveGateway
	}
	c := &cli{opts: opts}

	rootCmd := &cobra.Command{
		Use:           "npcbrain",
		Short:         "npcbrain - decision service for in-game companion NPCs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.npcbrain/config.json)")
	rootCmd.SetOut(opts.Stdout)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket gateway",
		RunE:  c.runServe,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show config, backend and memory status",
		RunE:  c.runStatus,
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE:  c.runOnboard,
	}

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Summarize old conversation turns for one player",
		RunE:  c.runCompact,
	}
	compactCmd.Flags().String("actor", "", "player name")
	compactCmd.Flags().Int("threshold", 0, "turn count that triggers compaction (default from config)")
	_ = compactCmd.MarkFlagRequired("actor")

	factsCmd := &cobra.Command{
		Use:   "facts",
		Short: "List remembered facts for one player",
		RunE:  c.runFacts,
	}
	factsCmd.Flags().String("actor", "", "player name")
	factsCmd.Flags().Int("limit", config.DefaultMaxFactsPerActor, "maximum facts to print")
	_ = factsCmd.MarkFlagRequired("actor")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import conversations, facts and quest state from a legacy database",
		RunE:  c.runImport,
	}
	importCmd.Flags().String("from", "", "path to the legacy sqlite database")
	_ = importCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(serveCmd, statusCmd, onboardCmd, compactCmd, factsCmd, importCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd(CLIOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) cfgPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return config.ConfigPath()
}

func (c *cli) runServe(cmd *cobra.Command, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return c.opts.Serve(cmd.Context(), cfg, logger)
}

func serveGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Logger: logger,
		FrontendFactory: func(o *gateway.Orchestrator) (gateway.Frontend, error) {
			return server.New(cfg.Server, o, logger), nil
		},
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func (c *cli) runStatus(cmd *cobra.Command, args []string) error {
	out := c.opts.Stdout
	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", c.cfgPath())
	fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	for i, p := range cfg.Primaries() {
		fmt.Fprintf(out, "LLM[%d]: %s model=%s key=%s\n", i, p.Provider, p.Model, maskKey(p.ResolveAPIKey()))
	}
	fmt.Fprintf(out, "Fallback: %s model=%s\n", cfg.LLMFallback.BaseURL, cfg.LLMFallback.Model)

	router := c.opts.RouterFactory(cmd.Context(), cfg, zap.NewNop())
	fmt.Fprintf(out, "Backend: %s\n", router.Active())

	if _, err := os.Stat(cfg.Memory.DBPath); err != nil {
		fmt.Fprintf(out, "Memory: %s not found\n", cfg.Memory.DBPath)
		return nil
	}
	store, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Memory: %s\n", cfg.Memory.DBPath)
	fmt.Fprintf(out, "  Players: %d\n", stats.Actors)
	fmt.Fprintf(out, "  Conversation turns: %d (summaries: %d)\n", stats.Conversations, stats.Summaries)
	fmt.Fprintf(out, "  Facts: %d\n", stats.Facts)
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func (c *cli) runOnboard(cmd *cobra.Command, args []string) error {
	out := c.opts.Stdout
	path := c.cfgPath()

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "Created config: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to pick a backend\n", path)
	fmt.Fprintln(out, "  2. Or export ANTHROPIC_API_KEY / NPCBRAIN_LLM_API_KEY")
	fmt.Fprintln(out, "  3. Run 'npcbrain serve'")
	return nil
}

func (c *cli) runCompact(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	threshold, _ := cmd.Flags().GetInt("threshold")
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("--actor is required")
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	router := c.opts.RouterFactory(ctx, cfg, zap.NewNop())
	if !router.Available() {
		return provider.ErrNoBackend
	}

	sp := memory.Speakers{Agent: cfg.Agent.Name, Actor: cfg.Agent.ActorLabel}
	compactor := memory.NewCompactor(store, router, cfg.Memory, sp, zap.NewNop())
	compacted, err := compactor.CompactIfNeeded(ctx, actor, threshold)
	if err != nil {
		return err
	}
	if !compacted {
		fmt.Fprintf(c.opts.Stdout, "Nothing to compact for %s\n", actor)
		return nil
	}
	n, err := store.CountConversations(actor, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "Compacted %s: %d rows remain\n", actor, n)
	return nil
}

func (c *cli) runFacts(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer store.Close()

	facts, err := store.RecentFacts(actor, limit)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Fprintf(c.opts.Stdout, "No facts for %s\n", actor)
		return nil
	}
	for _, f := range facts {
		fmt.Fprintf(c.opts.Stdout, "%s  %s\n", time.UnixMilli(f.CreatedAt).Format("2006-01-02 15:04"), f.Text)
	}
	return nil
}

func (c *cli) runImport(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer store.Close()

	stats, err := memory.ImportLegacy(from, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.opts.Stdout, "Imported %d turns, %d facts, %d quest states\n",
		stats.Conversations, stats.Facts, stats.Quests)
	return nil
}
