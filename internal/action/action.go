// Package action defines the closed set of things the NPC can do in the
// world, their wire format, and a total decoder for model output.
package action

import (
	"encoding/json"

	"github.com/stellarlinkco/npcbrain/internal/world"
)

type Kind string

const (
	KindSay          Kind = "SAY"
	KindWalkTo       Kind = "WALK_TO"
	KindEmote        Kind = "EMOTE"
	KindGiveItem     Kind = "GIVE_ITEM"
	KindAdvanceQuest Kind = "ADVANCE_QUEST"
	KindWait         Kind = "WAIT"
)

// Emotes the mod can animate.
const (
	EmoteNod       = "nod"
	EmoteShakeHead = "shake_head"
	EmoteShrug     = "shrug"
	EmotePoint     = "point"
)

// Action is one of Say, WalkTo, Emote, GiveItem, AdvanceQuest or Wait.
type Action interface {
	Kind() Kind
	Delay() int
	json.Marshaler
	sealed()
}

type Say struct {
	Text       string
	DelayTicks int
}

type WalkTo struct {
	Target     world.Position
	DelayTicks int
}

type Emote struct {
	Animation  string
	DelayTicks int
}

type GiveItem struct {
	Item       string
	Quantity   int
	DelayTicks int
}

type AdvanceQuest struct {
	DelayTicks int
}

type Wait struct {
	DelayTicks int
}

func (Say) Kind() Kind          { return KindSay }
func (WalkTo) Kind() Kind       { return KindWalkTo }
func (Emote) Kind() Kind        { return KindEmote }
func (GiveItem) Kind() Kind     { return KindGiveItem }
func (AdvanceQuest) Kind() Kind { return KindAdvanceQuest }
func (Wait) Kind() Kind         { return KindWait }

func (a Say) Delay() int          { return a.DelayTicks }
func (a WalkTo) Delay() int       { return a.DelayTicks }
func (a Emote) Delay() int        { return a.DelayTicks }
func (a GiveItem) Delay() int     { return a.DelayTicks }
func (a AdvanceQuest) Delay() int { return a.DelayTicks }
func (a Wait) Delay() int         { return a.DelayTicks }

func (Say) sealed()          {}
func (WalkTo) sealed()       {}
func (Emote) sealed()        {}
func (GiveItem) sealed()     {}
func (AdvanceQuest) sealed() {}
func (Wait) sealed()         {}

func (a Say) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind   `json:"type"`
		Text       string `json:"text"`
		DelayTicks int    `json:"delay_ticks"`
	}{KindSay, a.Text, a.DelayTicks})
}

func (a WalkTo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind           `json:"type"`
		Position   world.Position `json:"position"`
		DelayTicks int            `json:"delay_ticks"`
	}{KindWalkTo, a.Target, a.DelayTicks})
}

func (a Emote) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind   `json:"type"`
		Emote      string `json:"emote"`
		DelayTicks int    `json:"delay_ticks"`
	}{KindEmote, a.Animation, a.DelayTicks})
}

func (a GiveItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind   `json:"type"`
		Item       string `json:"item"`
		Quantity   int    `json:"quantity"`
		DelayTicks int    `json:"delay_ticks"`
	}{KindGiveItem, a.Item, a.Quantity, a.DelayTicks})
}

func (a AdvanceQuest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind `json:"type"`
		DelayTicks int  `json:"delay_ticks"`
	}{KindAdvanceQuest, a.DelayTicks})
}

func (a Wait) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind `json:"type"`
		DelayTicks int  `json:"delay_ticks"`
	}{KindWait, a.DelayTicks})
}

// FirstSay returns the text of the first Say action.
func FirstSay(actions []Action) (string, bool) {
	for _, a := range actions {
		if say, ok := a.(Say); ok && say.Text != "" {
			return say.Text, true
		}
	}
	return "", false
}
