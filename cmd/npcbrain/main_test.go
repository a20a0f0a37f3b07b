package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/provider"
)

type stubBackend struct {
	text  string
	calls int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	s.calls++
	return &provider.Completion{Text: s.text}, nil
}

func staticRouter(b provider.Backend) RouterFactory {
	return func(context.Context, *config.Config, *zap.Logger) *provider.Router {
		return provider.NewStaticRouter(b, nil)
	}
}

// writeTestConfig saves a config whose database lives in a temp dir.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.DBPath = filepath.Join(dir, "memory.db")
	path := filepath.Join(dir, "config.json")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	return path, cfg
}

func execute(t *testing.T, opts CLIOptions, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Stdout = &out
	if opts.RouterFactory == nil {
		opts.RouterFactory = staticRouter(nil)
	}
	root := newRootCmd(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedTurns(t *testing.T, dbPath, actor string, n int) {
	t.Helper()
	store, err := memory.NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	defer store.Close()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		role := memory.RoleActor
		if i%2 == 1 {
			role = memory.RoleAgent
		}
		if _, err := store.AppendConversation(actor, role, "turn "+strconv.Itoa(i), start.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AppendConversation error: %v", err)
		}
	}
}

func TestOnboard_WritesConfigOnce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "npcbrain.yaml")

	out, err := execute(t, CLIOptions{}, "--config", path, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config: "+path) {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Name != config.DefaultAgentName {
		t.Errorf("agent name = %q", cfg.Agent.Name)
	}

	out, err = execute(t, CLIOptions{}, "--config", path, "onboard")
	if err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("second output = %q", out)
	}
}

func TestStatus_NoDatabase(t *testing.T) {
	path, cfg := writeTestConfig(t)

	out, err := execute(t, CLIOptions{}, "--config", path, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{
		"Config: " + path,
		"Backend: none",
		"Memory: " + cfg.Memory.DBPath + " not found",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus_WithStats(t *testing.T) {
	path, cfg := writeTestConfig(t)
	seedTurns(t, cfg.Memory.DBPath, "p1", 4)

	out, err := execute(t, CLIOptions{RouterFactory: staticRouter(&stubBackend{})}, "--config", path, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"Backend: stub", "Players: 1", "Conversation turns: 4 (summaries: 0)", "Facts: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus_BadConfigIsReported(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, CLIOptions{}, "--config", path, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "Config: error") {
		t.Errorf("output = %q", out)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key, want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-1234567890", "sk-a...7890"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestCompact_SummarizesOldTurns(t *testing.T) {
	path, cfg := writeTestConfig(t)
	seedTurns(t, cfg.Memory.DBPath, "p1", 20)
	backend := &stubBackend{text: "They talked about the quest."}

	out, err := execute(t, CLIOptions{RouterFactory: staticRouter(backend)},
		"--config", path, "compact", "--actor", "p1", "--threshold", "10")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
	want := "Compacted p1: " + strconv.Itoa(cfg.Memory.PreserveRecent+1) + " rows remain"
	if !strings.Contains(out, want) {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestCompact_NothingToDo(t *testing.T) {
	path, cfg := writeTestConfig(t)
	seedTurns(t, cfg.Memory.DBPath, "p1", 4)
	backend := &stubBackend{text: "unused"}

	out, err := execute(t, CLIOptions{RouterFactory: staticRouter(backend)},
		"--config", path, "compact", "--actor", "p1")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if backend.calls != 0 {
		t.Errorf("backend calls = %d, want 0", backend.calls)
	}
	if !strings.Contains(out, "Nothing to compact for p1") {
		t.Errorf("output = %q", out)
	}
}

func TestCompact_NoBackend(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := execute(t, CLIOptions{}, "--config", path, "compact", "--actor", "p1")
	if !errors.Is(err, provider.ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestCompact_RequiresActor(t *testing.T) {
	path, _ := writeTestConfig(t)

	if _, err := execute(t, CLIOptions{}, "--config", path, "compact"); err == nil {
		t.Fatal("expected missing --actor error")
	}
}

func TestFacts_ListsNewestFirst(t *testing.T) {
	path, cfg := writeTestConfig(t)
	store, err := memory.NewEngine(cfg.Memory.DBPath)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"Plays on a laptop", "Prefers short answers", "Named their dog Pixel"} {
		if _, err := store.InsertFact("p1", text, memory.SourceConversation, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("InsertFact error: %v", err)
		}
	}
	store.Close()

	out, err := execute(t, CLIOptions{}, "--config", path, "facts", "--actor", "p1", "--limit", "2")
	if err != nil {
		t.Fatalf("facts error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasSuffix(lines[0], "Named their dog Pixel") || !strings.HasSuffix(lines[1], "Prefers short answers") {
		t.Errorf("unexpected order: %q", lines)
	}
}

func TestFacts_Empty(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := execute(t, CLIOptions{}, "--config", path, "facts", "--actor", "ghost")
	if err != nil {
		t.Fatalf("facts error: %v", err)
	}
	if !strings.Contains(out, "No facts for ghost") {
		t.Errorf("output = %q", out)
	}
}

func TestImport_MissingLegacyDB(t *testing.T) {
	path, _ := writeTestConfig(t)

	_, err := execute(t, CLIOptions{}, "--config", path, "import", "--from", filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("expected error for missing legacy db")
	}
}

func TestServe_UsesLoadedConfig(t *testing.T) {
	path, cfg := writeTestConfig(t)

	var got *config.Config
	serve := func(ctx context.Context, c *config.Config, logger *zap.Logger) error {
		got = c
		if logger == nil {
			t.Error("nil logger")
		}
		return nil
	}
	if _, err := execute(t, CLIOptions{Serve: serve}, "--config", path, "serve"); err != nil {
		t.Fatalf("serve error: %v", err)
	}
	if got == nil || got.Memory.DBPath != cfg.Memory.DBPath {
		t.Fatalf("serve got config %+v", got)
	}
}

func TestServe_PropagatesError(t *testing.T) {
	path, _ := writeTestConfig(t)
	boom := errors.New("boom")

	_, err := execute(t, CLIOptions{Serve: func(context.Context, *config.Config, *zap.Logger) error { return boom }},
		"--config", path, "serve")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
