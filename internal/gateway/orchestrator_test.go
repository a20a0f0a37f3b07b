package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/npcbrain/internal/action"
	"github.com/stellarlinkco/npcbrain/internal/clock"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/provider"
	"github.com/stellarlinkco/npcbrain/internal/ratelimit"
	"github.com/stellarlinkco/npcbrain/internal/trigger"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu    sync.Mutex
	calls []provider.Request
	fn    func(ctx context.Context, req provider.Request) (*provider.Completion, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &provider.Completion{Text: `{"actions":[{"type":"SAY","text":"Hard stop in 30."}]}`, InputTokens: 12, OutputTokens: 7}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type submission struct {
	key, name string
	fn        func(context.Context) error
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []submission
}

func (r *recordingSubmitter) Submit(key, name string, fn func(context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, submission{key: key, name: name, fn: fn})
	return true
}

type harness struct {
	orch    *Orchestrator
	store   *memory.Engine
	clock   *clock.FakeClock
	tasks   *recordingSubmitter
	backend *fakeBackend
}

func newHarness(t *testing.T, backend *fakeBackend, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "npc.db")
	if mutate != nil {
		mutate(cfg)
	}

	store, err := memory.NewEngine(cfg.Memory.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.Fake(t0)
	var b provider.Backend
	if backend != nil {
		b = backend
	}
	router := provider.NewStaticRouter(b, nil)
	sub := &recordingSubmitter{}
	speakers := memory.Speakers{Agent: cfg.Agent.Name, Actor: cfg.Agent.ActorLabel}

	orch := NewOrchestrator(cfg, Deps{
		Store:        store,
		Triggers:     trigger.NewEngine(trigger.ConfigFrom(cfg.Behavior), trigger.NewMemoryStore(), clk, nil),
		Router:       router,
		Window:       ratelimit.NewWindow(cfg.Behavior.MaxLLMCallsPerMinute, clk),
		Tasks:        sub,
		Consolidator: memory.NewConsolidator(store, router, cfg.Memory, speakers, clk, nil),
		Compactor:    memory.NewCompactor(store, router, cfg.Memory, speakers, nil),
		Persona:      "You are Josh.",
		Clock:        clk,
	})
	return &harness{orch: orch, store: store, clock: clk, tasks: sub, backend: backend}
}

func baseSnapshot(stage string) *world.Snapshot {
	return &world.Snapshot{
		Player: world.Player{Name: "Steve", Health: 20, Hunger: 20},
		NPC:    &world.NPC{DistanceToPlayer: 8},
		Quest:  &world.Quest{CurrentStage: stage},
	}
}

func chat(stage, text string) *world.Snapshot {
	s := baseSnapshot(stage)
	s.RecentEvents = []world.Event{{Type: world.EventChatMessage, Text: text}}
	return s
}

func TestTick_EndToEndCooldownAndChatBypass(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	first := h.orch.Tick(ctx, baseSnapshot(world.StageNotStarted))
	assert.Equal(t, string(trigger.ReasonFirstContact), first.Debug.Trigger)
	assert.Equal(t, SourceNoLLM, first.Debug.Source)
	assert.Equal(t, Fallback(world.StageNotStarted), first.Actions)
	assert.NotEmpty(t, first.Debug.RequestID)

	h.clock.Advance(time.Second)
	second := h.orch.Tick(ctx, baseSnapshot(world.StageNotStarted))
	assert.Equal(t, string(trigger.ReasonNone), second.Debug.Trigger)
	assert.Equal(t, SourceSuppressed, second.Debug.Source)
	assert.Empty(t, second.Actions)

	h.clock.Advance(time.Second)
	third := h.orch.Tick(ctx, chat(world.StageNotStarted, "hi"))
	assert.Equal(t, string(trigger.ReasonChat), third.Debug.Trigger)
	assert.Equal(t, "hi", third.Debug.Detail)
	assert.NotEmpty(t, third.Actions)
}

func TestTick_SuppressedResponseEncodesEmptyActions(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.orch.Tick(context.Background(), baseSnapshot(world.StageFlowIntro))
	resp := h.orch.Tick(context.Background(), baseSnapshot(world.StageFlowIntro))

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"actions":[]`)
	assert.Contains(t, string(data), `"trigger":"none"`)
}

func TestTick_LLMPathPersistsAndSchedules(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, nil)

	resp := h.orch.Tick(context.Background(), chat(world.StageFlowIntro, "where do I go?"))

	assert.Equal(t, SourceLLM, resp.Debug.Source)
	assert.Equal(t, "fake", resp.Debug.Backend)
	assert.Equal(t, 12, resp.Debug.InputTokens)
	assert.Equal(t, []action.Action{action.Say{Text: "Hard stop in 30."}}, resp.Actions)

	require.Equal(t, 1, backend.callCount())
	req := backend.calls[0]
	assert.Equal(t, "You are Josh.", req.System)
	assert.Equal(t, config.DefaultMaxTokens, req.MaxTokens)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, provider.RoleUser, last.Role)
	assert.Contains(t, last.Content, `[Player "Steve" says]: where do I go?`)

	rows, err := h.store.ListConversations("Steve")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, memory.RoleActor, rows[0].Role)
	assert.Equal(t, "where do I go?", rows[0].Content)
	assert.Equal(t, memory.RoleAgent, rows[1].Role)
	assert.Equal(t, "Hard stop in 30.", rows[1].Content)

	require.Len(t, h.tasks.subs, 2)
	assert.Equal(t, TaskConsolidate, h.tasks.subs[0].name)
	assert.Equal(t, TaskCompact, h.tasks.subs[1].name)
	for _, s := range h.tasks.subs {
		assert.Equal(t, "Steve", s.key)
		assert.NoError(t, s.fn(context.Background()))
	}

	q, err := h.store.QuestState("Steve")
	require.NoError(t, err)
	assert.Equal(t, world.StageFlowIntro, q.Stage)
}

func TestTick_RateLimitFallsBack(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, func(c *config.Config) { c.Behavior.MaxLLMCallsPerMinute = 1 })
	ctx := context.Background()

	first := h.orch.Tick(ctx, chat(world.StageLearning, "one"))
	second := h.orch.Tick(ctx, chat(world.StageLearning, "two"))

	assert.Equal(t, SourceLLM, first.Debug.Source)
	assert.Equal(t, SourceRateLimit, second.Debug.Source)
	assert.Equal(t, Fallback(world.StageLearning), second.Actions)
	assert.Equal(t, 1, backend.callCount())

	h.clock.Advance(61 * time.Second)
	third := h.orch.Tick(ctx, chat(world.StageLearning, "three"))
	assert.Equal(t, SourceLLM, third.Debug.Source)
}

func TestTick_BackendErrorFallsBack(t *testing.T) {
	backend := &fakeBackend{fn: func(context.Context, provider.Request) (*provider.Completion, error) {
		return nil, errors.New("503 overloaded")
	}}
	h := newHarness(t, backend, nil)

	resp := h.orch.Tick(context.Background(), chat(world.StageFirstGeneration, "done!"))

	assert.Equal(t, SourceError, resp.Debug.Source)
	require.Len(t, resp.Actions, 3)
	assert.Equal(t, action.GiveItem{Item: RewardItem, Quantity: 5, DelayTicks: 20}, resp.Actions[1])
	assert.Equal(t, action.AdvanceQuest{DelayTicks: 40}, resp.Actions[2])
	assert.Empty(t, h.tasks.subs, "maintenance runs only after a live reply")

	rows, _ := h.store.ListConversations("Steve")
	require.Len(t, rows, 2)
	assert.Equal(t, memory.RoleAgent, rows[1].Role)
}

func TestTick_BackendPanicFallsBack(t *testing.T) {
	backend := &fakeBackend{fn: func(context.Context, provider.Request) (*provider.Completion, error) {
		panic("sdk bug")
	}}
	h := newHarness(t, backend, nil)

	var resp *Response
	require.NotPanics(t, func() {
		resp = h.orch.Tick(context.Background(), chat(world.StageNotStarted, "hello?"))
	})
	assert.Equal(t, SourceError, resp.Debug.Source)
	assert.Equal(t, string(trigger.ReasonChat), resp.Debug.Trigger)
	assert.NotEmpty(t, resp.Actions)
	assert.Empty(t, h.tasks.subs)
}

func TestTick_LiveTimeout(t *testing.T) {
	backend := &fakeBackend{fn: func(ctx context.Context, _ provider.Request) (*provider.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, backend, func(c *config.Config) { c.Behavior.LiveTimeoutMs = 30 })

	resp := h.orch.Tick(context.Background(), chat(world.StageCompleted, "hello"))
	assert.Equal(t, SourceError, resp.Debug.Source)
	assert.Equal(t, Fallback(world.StageCompleted), resp.Actions)
}

func TestTick_PlainTextIsCoerced(t *testing.T) {
	backend := &fakeBackend{fn: func(context.Context, provider.Request) (*provider.Completion, error) {
		return &provider.Completion{Text: "Sure, the table is north."}, nil
	}}
	h := newHarness(t, backend, nil)

	resp := h.orch.Tick(context.Background(), chat(world.StageFlowIntro, "where?"))
	assert.Equal(t, SourceLLM, resp.Debug.Source)
	assert.Equal(t, []action.Action{action.Say{Text: "Sure, the table is north."}}, resp.Actions)
}

func TestTick_InteractionIsRecorded(t *testing.T) {
	h := newHarness(t, nil, nil)
	snap := baseSnapshot(world.StageFlowIntro)
	snap.RecentEvents = []world.Event{
		{Type: world.EventInteraction},
		{Type: world.EventBlockBroken, Block: "minecraft:stone"},
	}

	resp := h.orch.Tick(context.Background(), snap)
	assert.Equal(t, string(trigger.ReasonInteraction), resp.Debug.Trigger)

	rows, err := h.store.ListConversations("Steve")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[Player interacted with Josh]", rows[0].Content)
	assert.Equal(t, memory.RoleAgent, rows[1].Role)
}

func TestTick_UnknownStageUsesDefaultFallback(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp := h.orch.Tick(context.Background(), chat("SIDE_QUEST", "hey"))
	assert.Equal(t, Fallback(world.StageNotStarted), resp.Actions)

	snap := chat("", "hey")
	snap.Quest = nil
	resp = h.orch.Tick(context.Background(), snap)
	assert.Equal(t, Fallback(world.StageNotStarted), resp.Actions)
}

func TestTick_ReusesRequestID(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := WithRequestID(context.Background(), "req-123")
	resp := h.orch.Tick(ctx, chat(world.StageFlowIntro, "hi"))
	assert.Equal(t, "req-123", resp.Debug.RequestID)
}

func TestTick_HistoryFeedsPrompt(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, nil)
	_, err := h.store.InsertFact("Steve", "likes boats", memory.SourceConversation, t0)
	require.NoError(t, err)

	h.orch.Tick(context.Background(), chat(world.StageFlowIntro, "first"))
	h.orch.Tick(context.Background(), chat(world.StageFlowIntro, "second"))

	require.Equal(t, 2, backend.callCount())
	msgs := backend.calls[1].Messages
	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	assert.Equal(t, []string{"user", "assistant", "user"}, roles)
	last := msgs[len(msgs)-1].Content
	assert.True(t, strings.HasPrefix(last, `[Player "Steve"]: second`), last)
	assert.Contains(t, last, "- likes boats")
}

func TestFallback_ReturnsCopy(t *testing.T) {
	a := Fallback(world.StageFlowIntro)
	a[0] = action.Wait{}
	b := Fallback(world.StageFlowIntro)
	assert.Equal(t, action.KindSay, b[0].Kind())
	assert.Equal(t, action.Emote{Animation: action.EmotePoint, DelayTicks: 20}, b[1])
}
