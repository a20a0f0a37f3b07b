package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/npcbrain/internal/provider"
)

const (
	extractionPrompt = `You are analyzing a conversation between %[1]s, a guide character, and a player in a voxel sandbox world.

Extract 0-3 short facts %[1]s should remember about this player for future interactions. Focus on:
- Player preferences (e.g. "prefers exploration over combat")
- Notable achievements (e.g. "generated their first video on day 1")
- Personality traits (e.g. "asks lots of questions")
- Relevant context (e.g. "struggled with finding the crafting table")

Respond with ONLY a JSON array of strings. If nothing is worth remembering, respond with [].

Example: ["Player prefers to explore before following instructions", "Completed first generation quickly"]`

	summaryPrompt = `You are summarizing a conversation history between %[1]s, a guide character, and a player in a voxel sandbox world.

Condense the conversation into one summary paragraph (3-5 sentences) covering:
- Key topics discussed
- Quest progress made
- Important player actions or decisions
- %[1]s's current attitude toward the player

Respond with ONLY the summary paragraph, no formatting or labels.`
)

// Completer is the generation surface memory maintenance needs.
// *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, system string, msgs []provider.Message, limits provider.Limits) (*provider.Completion, error)
}

// Speakers names the two sides of a rendered transcript.
type Speakers struct {
	Agent string
	Actor string
}

func (s Speakers) withDefaults() Speakers {
	if s.Agent == "" {
		s.Agent = "Josh"
	}
	if s.Actor == "" {
		s.Actor = "Player"
	}
	return s
}

func (s Speakers) label(r Role) string {
	if r == RoleAgent {
		return s.Agent
	}
	return s.Actor
}

// transcript renders non-system records as "Speaker: content" lines.
func transcript(records []Conversation, sp Speakers) string {
	var b strings.Builder
	for _, r := range records {
		if r.Role == RoleSystem {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", sp.label(r.Role), r.Content)
	}
	return b.String()
}

func userMessage(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}
