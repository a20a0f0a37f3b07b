package gateway

import (
	"github.com/stellarlinkco/npcbrain/internal/action"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

// RewardItem is handed out when the first generation is acknowledged.
const RewardItem = "labscraft:tpu"

var fallbacks = map[string][]action.Action{
	world.StageNotStarted: {
		action.Say{Text: "Oh hey, you must be the new APM. Welcome to Labs. Let's get you onboarded, we're behind on OKRs already."},
	},
	world.StageFlowIntro: {
		action.Say{Text: "So Flow is our generative video platform. Very exciting, very P0. Go find the Flow Crafting Table and get familiar with the pipeline."},
		action.Emote{Animation: action.EmotePoint, DelayTicks: 20},
	},
	world.StageLearning: {
		action.Say{Text: "Great, you found the crafting table. Now head to a console and try generating something. Start simple, we don't want another production incident."},
	},
	world.StageFirstGeneration: {
		action.Say{Text: "Nice, first generation shipped. That's a P0 resolved. Let me get you some TPUs for the next sprint."},
		action.GiveItem{Item: RewardItem, Quantity: 5, DelayTicks: 20},
		action.AdvanceQuest{DelayTicks: 40},
	},
	world.StageCompleted: {
		action.Say{Text: "You've been crushing it. I'll flag this in the next performance review. For now, keep experimenting, there's a lot of untested surface area."},
	},
}

// Fallback returns the canned actions for stage. Unknown or empty stages get
// the NOT_STARTED greeting. The returned slice is a fresh copy.
func Fallback(stage string) []action.Action {
	canned, ok := fallbacks[stage]
	if !ok {
		canned = fallbacks[world.StageNotStarted]
	}
	return append([]action.Action(nil), canned...)
}
