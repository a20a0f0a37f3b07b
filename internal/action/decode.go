package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/stellarlinkco/npcbrain/internal/llmtext"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

// MaxPlainSay bounds the Say produced from unstructured output.
const MaxPlainSay = 200

// MaxGiveQuantity is one full stack.
const MaxGiveQuantity = 64

var validEmotes = map[string]bool{
	EmoteNod:       true,
	EmoteShakeHead: true,
	EmoteShrug:     true,
	EmotePoint:     true,
}

// ParseError describes model output that could not be read as actions.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse actions from %q: %v", llmtext.Truncate(e.Input, 60), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errEmpty     = errors.New("empty output")
	errNoActions = errors.New("no usable actions")
	errShape     = errors.New("unsupported JSON shape")
)

// Decode turns model output into actions and never fails: output that
// Strict rejects becomes a single Say carrying the text, and empty output
// becomes a single Wait.
func Decode(raw string) []Action {
	actions, err := Strict(raw)
	if err == nil {
		return actions
	}
	cleaned := llmtext.StripFences(raw)
	if cleaned == "" {
		return []Action{Wait{}}
	}
	return []Action{Say{Text: llmtext.Truncate(cleaned, MaxPlainSay)}}
}

// Strict decodes model output, returning a *ParseError instead of coercing.
// It accepts a JSON array of actions, an object with an "actions" array, an
// object with a "text" string, or a bare JSON string, optionally wrapped in
// a code fence. Elements that are not valid actions are dropped.
func Strict(raw string) ([]Action, error) {
	cleaned := llmtext.StripFences(raw)
	if cleaned == "" {
		return nil, &ParseError{Input: raw, Err: errEmpty}
	}

	data := []byte(cleaned)
	switch cleaned[0] {
	case '[':
		return decodeList(raw, data)
	case '{':
		var env struct {
			Actions json.RawMessage `json:"actions"`
			Text    *string         `json:"text"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &ParseError{Input: raw, Err: err}
		}
		if trimmed := bytes.TrimSpace(env.Actions); len(trimmed) > 0 && trimmed[0] == '[' {
			return decodeList(raw, trimmed)
		}
		if env.Text != nil && strings.TrimSpace(*env.Text) != "" {
			return []Action{Say{Text: *env.Text}}, nil
		}
		return nil, &ParseError{Input: raw, Err: errShape}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &ParseError{Input: raw, Err: err}
		}
		if strings.TrimSpace(s) == "" {
			return nil, &ParseError{Input: raw, Err: errEmpty}
		}
		return []Action{Say{Text: s}}, nil
	default:
		return nil, &ParseError{Input: raw, Err: errShape}
	}
}

func decodeList(raw string, data []byte) ([]Action, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ParseError{Input: raw, Err: err}
	}
	if len(items) == 0 {
		// the model chose to do nothing
		return []Action{Wait{}}, nil
	}
	actions := make([]Action, 0, len(items))
	for _, item := range items {
		if a, ok := decodeOne(item); ok {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		return nil, &ParseError{Input: raw, Err: errNoActions}
	}
	return actions, nil
}

type wireAction struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	Position   *world.Position `json:"position"`
	Emote      string          `json:"emote"`
	Item       string          `json:"item"`
	Quantity   *float64        `json:"quantity"`
	DelayTicks *float64        `json:"delay_ticks"`
}

func decodeOne(data json.RawMessage) (Action, bool) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false
	}
	delay := 0
	if w.DelayTicks != nil && *w.DelayTicks > 0 {
		delay = int(math.Round(*w.DelayTicks))
	}

	switch Kind(strings.ToUpper(strings.TrimSpace(w.Type))) {
	case KindSay:
		if strings.TrimSpace(w.Text) == "" {
			return nil, false
		}
		return Say{Text: w.Text, DelayTicks: delay}, true
	case KindWalkTo:
		if w.Position == nil {
			return nil, false
		}
		return WalkTo{Target: *w.Position, DelayTicks: delay}, true
	case KindEmote:
		emote := strings.ToLower(strings.TrimSpace(w.Emote))
		if !validEmotes[emote] {
			return nil, false
		}
		return Emote{Animation: emote, DelayTicks: delay}, true
	case KindGiveItem:
		if strings.TrimSpace(w.Item) == "" {
			return nil, false
		}
		qty := 1
		if w.Quantity != nil && *w.Quantity >= 1 {
			qty = int(math.Min(math.Round(*w.Quantity), MaxGiveQuantity))
		}
		return GiveItem{Item: w.Item, Quantity: qty, DelayTicks: delay}, true
	case KindAdvanceQuest:
		return AdvanceQuest{DelayTicks: delay}, true
	case KindWait:
		return Wait{DelayTicks: delay}, true
	default:
		return nil, false
	}
}
