package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/memory"
	"github.com/stellarlinkco/npcbrain/internal/provider"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

// MaxFacts is how many remembered facts go into the state message.
const MaxFacts = 5

// Names holds the labels used when rendering the actor's lines.
type Names struct {
	Actor string
}

func (n Names) actor() string {
	if n.Actor == "" {
		return config.DefaultActorLabel
	}
	return n.Actor
}

// Build turns the ledger window, remembered facts and the current snapshot
// into the message list for one generation call. history and facts are
// expected newest first, as the store returns them.
func Build(snap *world.Snapshot, history []memory.Conversation, facts []memory.Fact, names Names) []provider.Message {
	label, name := names.actor(), snap.Player.Name
	msgs := make([]provider.Message, 0, len(history)+1)

	for i := len(history) - 1; i >= 0; i-- {
		row := history[i]
		switch row.Role {
		case memory.RoleAgent:
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: row.Content})
		case memory.RoleActor:
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: fmt.Sprintf("[%s %q]: %s", label, name, row.Content)})
		default:
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: row.Content})
		}
	}

	if len(facts) > MaxFacts {
		facts = facts[:MaxFacts]
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: StateSummary(snap, facts, names)})
	return provider.Conversational(msgs)
}

// StateSummary renders the trigger line, the current state block and the
// remembered facts.
func StateSummary(snap *world.Snapshot, facts []memory.Fact, names Names) string {
	var lines []string
	label, name := names.actor(), snap.Player.Name

	switch text, isChat := snap.ChatMessage(); {
	case isChat:
		lines = append(lines, fmt.Sprintf("[%s %q says]: %s", label, name, text))
	case snap.HasInteraction():
		lines = append(lines, fmt.Sprintf("[%s %q approached and interacted with you (right-clicked)]", label, name))
	default:
		lines = append(lines, "[System: periodic state update, "+strings.ToLower(label)+" is nearby]")
	}

	lines = append(lines, "", "## Current State")

	if q := snap.Quest; q != nil {
		lines = append(lines, "Quest stage: "+q.CurrentStage)
		if len(q.ObjectivesRemaining) > 0 {
			lines = append(lines, "Remaining objectives: "+strings.Join(q.ObjectivesRemaining, ", "))
		}
		if len(q.ObjectivesCompleted) > 0 {
			lines = append(lines, "Completed: "+strings.Join(q.ObjectivesCompleted, ", "))
		}
		if q.TimeInStageMinutes > 0 {
			lines = append(lines, fmt.Sprintf("Time in current stage: %s minutes", num(q.TimeInStageMinutes)))
		}
	}

	p := snap.Player
	inv := "empty"
	if len(p.InventorySummary) > 0 {
		inv = strings.Join(p.InventorySummary, ", ")
	}
	lines = append(lines,
		"Player inventory: "+inv,
		fmt.Sprintf("Player health: %s/20, hunger: %s/20", num(p.Health), num(p.Hunger)),
	)
	if p.HeldItem != "" {
		lines = append(lines, "Holding: "+p.HeldItem)
	}

	if d, ok := snap.Distance(); ok {
		lines = append(lines, fmt.Sprintf("Distance to player: %s blocks", num(d)))
	}

	w := snap.World
	if w.TimeOfDay != "" || w.Weather != "" {
		lines = append(lines, fmt.Sprintf("Time: %s, Weather: %s", orUnknown(w.TimeOfDay), orUnknown(w.Weather)))
	}
	if len(w.NearbyEntities) > 0 {
		lines = append(lines, "Nearby mobs: "+strings.Join(w.NearbyEntities, ", "))
	}
	if len(w.NearbyBlocksOfInterest) > 0 {
		lines = append(lines, "Nearby blocks: "+strings.Join(w.NearbyBlocksOfInterest, ", "))
	}

	if len(facts) > 0 {
		lines = append(lines, "", "## What you remember about this player")
		for _, f := range facts {
			lines = append(lines, "- "+f.Text)
		}
	}

	return strings.Join(lines, "\n")
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
