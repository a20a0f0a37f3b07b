// Package trigger decides, per player and per tick, whether the NPC should
// speak up. Direct address (chat, interaction) always gets an answer;
// everything else is proactive and gated by a per-player cooldown.
package trigger

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/clock"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/keylock"
	"github.com/stellarlinkco/npcbrain/internal/logging"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

type Reason string

const (
	ReasonChat         Reason = "chat_message"
	ReasonInteraction  Reason = "interaction"
	ReasonStageChange  Reason = "quest_completed"
	ReasonFirstContact Reason = "first_contact"
	ReasonDanger       Reason = "danger"
	ReasonIdle         Reason = "idle_near_objective"
	ReasonProximity    Reason = "periodic_proximity"
	ReasonNone         Reason = "none"
)

// Direct reports whether the reason bypasses the cooldown.
func (r Reason) Direct() bool {
	return r == ReasonChat || r == ReasonInteraction
}

var hostilePattern = regexp.MustCompile(`(?i)zombie|skeleton|creeper|spider|enderman|witch`)

// Decision is the outcome for one snapshot.
type Decision struct {
	Respond bool
	Reason  Reason
	Detail  string
}

func suppress() Decision { return Decision{Reason: ReasonNone} }

type Config struct {
	Cooldown            time.Duration
	IdleAfter           time.Duration
	DangerHealth        float64
	DangerDistance      float64
	IdleDistance        float64
	ProximityDistance   float64
	SilenceTicks        int
	GreetOnFirstContact bool
}

// ConfigFrom maps the behavior section onto engine thresholds.
func ConfigFrom(b config.BehaviorConfig) Config {
	return Config{
		Cooldown:            time.Duration(b.ProactiveCooldownSeconds) * time.Second,
		IdleAfter:           time.Duration(b.IdleNudgeAfterSeconds) * time.Second,
		DangerHealth:        b.DangerAlertHealthThreshold,
		DangerDistance:      b.DangerDistance,
		IdleDistance:        b.IdleDistance,
		ProximityDistance:   b.ProximityDistance,
		SilenceTicks:        b.SilenceTicks,
		GreetOnFirstContact: true,
	}
}

type Engine struct {
	cfg    Config
	store  StateStore
	locks  keylock.Map
	clk    clock.Clock
	logger *zap.Logger
}

func NewEngine(cfg Config, store StateStore, clk clock.Clock, logger *zap.Logger) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		logger: logging.OrNop(logger),
	}
}

// Decide evaluates snap for actor. The read-decide-update sequence holds the
// actor's lock, so concurrent snapshots for one actor cannot both fire a
// proactive response.
func (e *Engine) Decide(actor string, snap *world.Snapshot) Decision {
	unlock := e.locks.Lock(actor)
	defer unlock()

	state, seen := e.store.Get(actor)
	now := e.clk.Now()

	d := e.evaluate(&state, seen, snap, now)
	if d.Respond {
		state.LastResponseAt = now
	}
	state.Seen = true
	e.store.Put(actor, state)

	if d.Respond {
		e.logger.Debug("trigger fired",
			zap.String("actor", actor),
			zap.String("reason", string(d.Reason)),
			zap.String("detail", d.Detail))
	}
	return d
}

func (e *Engine) evaluate(state *State, seen bool, snap *world.Snapshot, now time.Time) Decision {
	if text, ok := snap.ChatMessage(); ok {
		return Decision{Respond: true, Reason: ReasonChat, Detail: text}
	}
	if snap.HasInteraction() {
		return Decision{Respond: true, Reason: ReasonInteraction}
	}

	if !state.LastResponseAt.IsZero() && now.Sub(state.LastResponseAt) < e.cfg.Cooldown {
		return suppress()
	}

	if snap.Quest != nil {
		previous := state.LastStage
		current := snap.Quest.CurrentStage
		state.LastStage = current
		if previous != "" && previous != current {
			return Decision{Respond: true, Reason: ReasonStageChange, Detail: previous + " -> " + current}
		}
	}

	if !seen && e.cfg.GreetOnFirstContact {
		return Decision{Respond: true, Reason: ReasonFirstContact}
	}

	distance, near := snap.Distance()

	if snap.Player.Health <= e.cfg.DangerHealth && near && distance < e.cfg.DangerDistance && hostileNearby(snap) {
		return Decision{Respond: true, Reason: ReasonDanger, Detail: fmt.Sprintf("health=%g", snap.Player.Health)}
	}

	if q := snap.Quest; q != nil && near && distance < e.cfg.IdleDistance &&
		q.TimeInStageMinutes >= e.cfg.IdleAfter.Minutes() && len(q.ObjectivesRemaining) > 0 {
		return Decision{
			Respond: true,
			Reason:  ReasonIdle,
			Detail:  fmt.Sprintf("%gmin in %s", q.TimeInStageMinutes, q.CurrentStage),
		}
	}

	if near && distance < e.cfg.ProximityDistance && snap.NPC.LastSpokeTicksAgo > e.cfg.SilenceTicks {
		return Decision{Respond: true, Reason: ReasonProximity, Detail: fmt.Sprintf("distance=%g", distance)}
	}

	return suppress()
}

func hostileNearby(snap *world.Snapshot) bool {
	for _, entity := range snap.World.NearbyEntities {
		if hostilePattern.MatchString(entity) {
			return true
		}
	}
	return false
}

// Reset clears the actor's cooldown so the next proactive trigger may fire.
func (e *Engine) Reset(actor string) {
	unlock := e.locks.Lock(actor)
	defer unlock()
	if state, ok := e.store.Get(actor); ok {
		state.LastResponseAt = time.Time{}
		e.store.Put(actor, state)
	}
}
