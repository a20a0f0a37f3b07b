package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/action"
	"github.com/stellarlinkco/npcbrain/internal/clock"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/prompt"
	"github.com/stellarlinkco/npcbrain/internal/provider"
	"github.com/stellarlinkco/npcbrain/internal/ratelimit"
	"github.com/stellarlinkco/npcbrain/internal/trigger"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

// Background task names.
const (
	TaskConsolidate = "consolidate"
	TaskCompact     = "compact"
)

// Submitter queues background work keyed by actor.
type Submitter interface {
	Submit(key, name string, fn func(context.Context) error) bool
}

// Orchestrator turns one snapshot into one response. It owns no goroutines;
// background memory work is handed to the Submitter.
type Orchestrator struct {
	store        *memory.Engine
	triggers     *trigger.Engine
	router       *provider.Router
	window       *ratelimit.Window
	tasks        Submitter
	consolidator *memory.Consolidator
	compactor    *memory.Compactor

	persona     string
	names       prompt.Names
	agentName   string
	limits      provider.Limits
	history     int
	liveTimeout time.Duration

	clock  clock.Clock
	logger *zap.Logger
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Store        *memory.Engine
	Triggers     *trigger.Engine
	Router       *provider.Router
	Window       *ratelimit.Window
	Tasks        Submitter
	Consolidator *memory.Consolidator
	Compactor    *memory.Compactor
	Persona      string
	Clock        clock.Clock
	Logger       *zap.Logger
}

func NewOrchestrator(cfg *config.Config, d Deps) *Orchestrator {
	o := &Orchestrator{
		store:        d.Store,
		triggers:     d.Triggers,
		router:       d.Router,
		window:       d.Window,
		tasks:        d.Tasks,
		consolidator: d.Consolidator,
		compactor:    d.Compactor,
		persona:      d.Persona,
		names:        prompt.Names{Actor: cfg.Agent.ActorLabel},
		agentName:    cfg.Agent.Name,
		limits: provider.Limits{
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		},
		history:     cfg.Memory.MaxConversationHistory,
		liveTimeout: time.Duration(cfg.Behavior.LiveTimeoutMs) * time.Millisecond,
		clock:       d.Clock,
		logger:      logging.OrNop(d.Logger),
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.liveTimeout <= 0 {
		o.liveTimeout = time.Duration(config.DefaultLiveTimeoutMs) * time.Millisecond
	}
	if o.history <= 0 {
		o.history = config.DefaultMaxHistory
	}
	if o.agentName == "" {
		o.agentName = config.DefaultAgentName
	}
	return o
}

// Backend names the active generation backend, or "none".
func (o *Orchestrator) Backend() string { return o.router.Active() }

// Tick handles one snapshot. It never fails: every error on the live path
// degrades to a canned response. snap must already be validated.
func (o *Orchestrator) Tick(ctx context.Context, snap *world.Snapshot) *Response {
	start := time.Now()
	reqID, ok := RequestID(ctx)
	if !ok {
		reqID = uuid.NewString()
	}
	actor := snap.Actor()
	log := o.logger.With(zap.String("request_id", reqID), zap.String("actor", actor))

	o.persistObserved(log, snap)

	decision := o.triggers.Decide(actor, snap)
	resp := &Response{
		Actions: []action.Action{},
		Debug: Debug{
			Trigger:   string(decision.Reason),
			Detail:    decision.Detail,
			RequestID: reqID,
		},
	}

	switch {
	case !decision.Respond:
		resp.Debug.Source = SourceSuppressed
	case !o.router.Available():
		o.useFallback(log, snap, resp, SourceNoLLM)
	case !o.window.Allow():
		o.useFallback(log, snap, resp, SourceRateLimit)
	default:
		if err := o.safeGenerate(ctx, log, snap, resp); err != nil {
			log.Warn("live generation failed, using fallback", zap.Error(err))
			o.useFallback(log, snap, resp, SourceError)
		}
	}

	resp.Debug.LatencyMs = time.Since(start).Milliseconds()
	log.Info("tick",
		zap.String("trigger", resp.Debug.Trigger),
		zap.String("source", string(resp.Debug.Source)),
		zap.Int("actions", len(resp.Actions)),
		zap.Int64("latency_ms", resp.Debug.LatencyMs),
	)
	return resp
}

func (o *Orchestrator) persistObserved(log *zap.Logger, snap *world.Snapshot) {
	actor := snap.Actor()
	now := o.clock.Now()

	for _, ev := range snap.RecentEvents {
		var content string
		switch ev.Type {
		case world.EventChatMessage:
			content = ev.Text
		case world.EventInteraction:
			content = fmt.Sprintf("[%s interacted with %s]", o.actorLabel(), o.agentName)
		default:
			continue
		}
		if content == "" {
			continue
		}
		if _, err := o.store.AppendConversation(actor, memory.RoleActor, content, now); err != nil {
			log.Warn("persist event failed", zap.String("event", ev.Type), zap.Error(err))
		}
	}

	if q := snap.Quest; q != nil && q.CurrentStage != "" {
		if err := o.store.UpsertQuestState(actor, q.CurrentStage, q.ObjectivesCompleted, now); err != nil {
			log.Warn("persist quest state failed", zap.Error(err))
		}
	}
}

// safeGenerate turns a panic in prompt building, the backend or decoding
// into an error so Tick can still fall back.
func (o *Orchestrator) safeGenerate(ctx context.Context, log *zap.Logger, snap *world.Snapshot, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("live generation panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("generation panic: %v", r)
		}
	}()
	return o.generate(ctx, log, snap, resp)
}

func (o *Orchestrator) generate(ctx context.Context, log *zap.Logger, snap *world.Snapshot, resp *Response) error {
	actor := snap.Actor()

	history, err := o.store.RecentConversations(actor, o.history)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
	}
	facts, err := o.store.RecentFacts(actor, prompt.MaxFacts)
	if err != nil {
		log.Warn("load facts failed", zap.Error(err))
	}
	msgs := prompt.Build(snap, history, facts, o.names)

	callCtx, cancel := context.WithTimeout(ctx, o.liveTimeout)
	defer cancel()

	out, err := o.router.Complete(callCtx, o.persona, msgs, o.limits)
	if err != nil {
		return err
	}

	actions, perr := action.Strict(out.Text)
	if perr != nil {
		var pe *action.ParseError
		if errors.As(perr, &pe) {
			log.Info("model output coerced", zap.Error(pe.Err))
		}
		actions = action.Decode(out.Text)
	}

	resp.Actions = actions
	resp.Debug.Source = SourceLLM
	resp.Debug.Backend = o.router.Active()
	resp.Debug.InputTokens = out.InputTokens
	resp.Debug.OutputTokens = out.OutputTokens

	o.persistReply(log, actor, actions)
	o.scheduleMaintenance(log, actor)
	return nil
}

func (o *Orchestrator) useFallback(log *zap.Logger, snap *world.Snapshot, resp *Response, src Source) {
	resp.Actions = Fallback(snap.StageOrDefault())
	resp.Debug.Source = src
	o.persistReply(log, snap.Actor(), resp.Actions)
}

func (o *Orchestrator) persistReply(log *zap.Logger, actor string, actions []action.Action) {
	text, ok := action.FirstSay(actions)
	if !ok {
		return
	}
	if _, err := o.store.AppendConversation(actor, memory.RoleAgent, text, o.clock.Now()); err != nil {
		log.Warn("persist reply failed", zap.Error(err))
	}
}

func (o *Orchestrator) scheduleMaintenance(log *zap.Logger, actor string) {
	if o.tasks == nil {
		return
	}
	if o.consolidator != nil {
		if !o.tasks.Submit(actor, TaskConsolidate, func(ctx context.Context) error {
			return o.consolidator.Consolidate(ctx, actor)
		}) {
			log.Debug("consolidation not queued")
		}
	}
	o.SubmitCompaction(actor)
}

// SubmitCompaction queues a compaction check for actor and reports whether
// it was accepted.
func (o *Orchestrator) SubmitCompaction(actor string) bool {
	if o.tasks == nil || o.compactor == nil {
		return false
	}
	return o.tasks.Submit(actor, TaskCompact, func(ctx context.Context) error {
		_, err := o.compactor.CompactIfNeeded(ctx, actor, 0)
		return err
	})
}

func (o *Orchestrator) actorLabel() string {
	if o.names.Actor == "" {
		return config.DefaultActorLabel
	}
	return o.names.Actor
}
