// Package world defines the per-tick observation the game mod posts for one
// player, and its validation.
package world

import (
	"fmt"
	"strings"
)

// Event types reported in RecentEvents.
const (
	EventChatMessage = "chat_message"
	EventInteraction = "interaction"
	EventBlockBroken = "block_broken"
)

// Quest stages, in progression order.
const (
	StageNotStarted      = "NOT_STARTED"
	StageFlowIntro       = "FLOW_INTRO"
	StageLearning        = "LEARNING_PIPELINE"
	StageFirstGeneration = "FIRST_GENERATION"
	StageCompleted       = "COMPLETED"
)

var knownStages = map[string]bool{
	StageNotStarted:      true,
	StageFlowIntro:       true,
	StageLearning:        true,
	StageFirstGeneration: true,
	StageCompleted:       true,
}

// KnownStage reports whether stage is one of the quest stages.
func KnownStage(stage string) bool { return knownStages[stage] }

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Player struct {
	Name             string   `json:"name"`
	Position         Position `json:"position"`
	Health           float64  `json:"health"`
	Hunger           float64  `json:"hunger"`
	InventorySummary []string `json:"inventory_summary"`
	HeldItem         string   `json:"held_item,omitempty"`
	IsSneaking       bool     `json:"is_sneaking"`
	Biome            string   `json:"biome,omitempty"`
}

// NPC is the responding character as seen from the player's position.
type NPC struct {
	Position          Position `json:"position"`
	DistanceToPlayer  float64  `json:"distance_to_player"`
	CurrentActivity   string   `json:"current_activity,omitempty"`
	LastSpokeTicksAgo int      `json:"last_spoke_ticks_ago"`
}

type Quest struct {
	CurrentStage        string   `json:"current_stage"`
	ObjectivesCompleted []string `json:"objectives_completed"`
	ObjectivesRemaining []string `json:"objectives_remaining"`
	TimeInStageMinutes  float64  `json:"time_in_stage_minutes"`
}

type Info struct {
	TimeOfDay              string   `json:"time_of_day,omitempty"`
	Weather                string   `json:"weather,omitempty"`
	NearbyEntities         []string `json:"nearby_entities"`
	NearbyBlocksOfInterest []string `json:"nearby_blocks_of_interest"`
}

type Event struct {
	Type       string  `json:"type"`
	AgoSeconds float64 `json:"ago_seconds"`
	Text       string  `json:"text,omitempty"`
	From       string  `json:"from,omitempty"`
	Block      string  `json:"block,omitempty"`
}

// Snapshot is one tick of observed state for a single player.
type Snapshot struct {
	Timestamp    int64   `json:"timestamp"`
	Player       Player  `json:"player"`
	NPC          *NPC    `json:"josh,omitempty"`
	Quest        *Quest  `json:"quest,omitempty"`
	World        Info    `json:"world"`
	RecentEvents []Event `json:"recent_events"`
}

// Actor returns the identity all per-player state is keyed by.
func (s *Snapshot) Actor() string { return s.Player.Name }

// Stage returns the current quest stage, or "" when no quest is reported.
func (s *Snapshot) Stage() string {
	if s.Quest == nil {
		return ""
	}
	return s.Quest.CurrentStage
}

// StageOrDefault returns a known stage, falling back to NOT_STARTED.
func (s *Snapshot) StageOrDefault() string {
	if stage := s.Stage(); KnownStage(stage) {
		return stage
	}
	return StageNotStarted
}

// Distance returns the NPC's distance to the player, and false when the NPC
// is not in the snapshot.
func (s *Snapshot) Distance() (float64, bool) {
	if s.NPC == nil {
		return 0, false
	}
	return s.NPC.DistanceToPlayer, true
}

// FirstEvent returns the first event of the given type.
func (s *Snapshot) FirstEvent(typ string) (Event, bool) {
	for _, ev := range s.RecentEvents {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

// ChatMessage returns the first non-empty chat text.
func (s *Snapshot) ChatMessage() (string, bool) {
	for _, ev := range s.RecentEvents {
		if ev.Type == EventChatMessage && strings.TrimSpace(ev.Text) != "" {
			return ev.Text, true
		}
	}
	return "", false
}

// HasInteraction reports whether the player interacted with the NPC this tick.
func (s *Snapshot) HasInteraction() bool {
	_, ok := s.FirstEvent(EventInteraction)
	return ok
}

// ValidationError reports a malformed inbound snapshot.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s %s", e.Field, e.Reason)
}

// Validate checks the fields every downstream stage relies on.
func Validate(s *Snapshot) error {
	if s == nil {
		return &ValidationError{Field: "body", Reason: "is empty"}
	}
	if strings.TrimSpace(s.Player.Name) == "" {
		return &ValidationError{Field: "player.name", Reason: "is required"}
	}
	if s.Player.Health < 0 {
		return &ValidationError{Field: "player.health", Reason: "must not be negative"}
	}
	if s.NPC != nil && s.NPC.DistanceToPlayer < 0 {
		return &ValidationError{Field: "josh.distance_to_player", Reason: "must not be negative"}
	}
	for i, ev := range s.RecentEvents {
		if strings.TrimSpace(ev.Type) == "" {
			return &ValidationError{Field: fmt.Sprintf("recent_events[%d].type", i), Reason: "is required"}
		}
	}
	return nil
}
