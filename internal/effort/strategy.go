package effort

import "github.com/parley-ai/parley/internal/protocol"

// Reasoning strategies suggested to agents. Advisory only: workers may use
// them to pick a prompting style, nothing in the fabric enforces them.
const (
	StrategyDirectAnswer   = "direct_answer"
	StrategyChainOfThought = "chain-of-thought"
	StrategyChainOfDraft   = "chain-of-draft"
)

// Strategy maps an effort level to the suggested reasoning strategy.
func Strategy(e protocol.Effort) string {
	switch e {
	case protocol.EffortLow:
		return StrategyDirectAnswer
	case protocol.EffortMedium:
		return StrategyChainOfThought
	case protocol.EffortHigh:
		return StrategyChainOfDraft
	default:
		return ""
	}
}

// intentPriority is the scheduling weight per intent; unknown intents get
// the start_task default.
var intentPriority = map[protocol.Intent]int{
	protocol.IntentStartTask:   5,
	protocol.IntentModifyTask:  7,
	protocol.IntentCheckStatus: 3,
	protocol.IntentChat:        1,
}

// effortBoost raises priority for work that was rated harder.
var effortBoost = map[protocol.Effort]int{
	protocol.EffortLow:    0,
	protocol.EffortMedium: 2,
	protocol.EffortHigh:   5,
}

// Priority computes the scheduling priority for a task. Higher means more
// urgent.
func Priority(intent protocol.Intent, e protocol.Effort) int {
	p, ok := intentPriority[intent]
	if !ok {
		p = 5
	}
	return p + effortBoost[e]
}
