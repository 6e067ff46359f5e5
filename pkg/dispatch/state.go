package dispatch

// CallState is a call's lifecycle state.
type CallState string

const (
	StateRinging       CallState = "ringing"
	StateAIHandling    CallState = "ai_handling"
	StateHumanTakeover CallState = "human_takeover"
	StateEscalated     CallState = "escalated"
	StateEnded         CallState = "ended"
)

// AllStates in lifecycle order.
var AllStates = []CallState{StateRinging, StateAIHandling, StateHumanTakeover, StateEscalated, StateEnded}

// Controller values other than a session id.
const (
	ControllerAI   = "ai"
	ControllerNone = "none"
)

// legal edges; every non-terminal state may go to ended
var transitions = map[CallState]map[CallState]bool{
	StateRinging: {
		StateAIHandling: true,
		StateEscalated:  true,
		StateEnded:      true,
	},
	StateAIHandling: {
		StateHumanTakeover: true,
		StateEscalated:     true,
		StateEnded:         true,
	},
	StateHumanTakeover: {
		StateAIHandling: true,
		StateEscalated:  true,
		StateEnded:      true,
	},
	StateEscalated: {
		StateEnded: true,
	},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to CallState) bool {
	return transitions[from][to]
}

func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

func (s CallState) Valid() bool {
	switch s {
	case StateRinging, StateAIHandling, StateHumanTakeover, StateEscalated, StateEnded:
		return true
	}
	return false
}

func (s CallState) String() string {
	return string(s)
}
