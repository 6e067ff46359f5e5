package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]CallState]bool{
		{StateRinging, StateAIHandling}:       true,
		{StateRinging, StateEscalated}:        true,
		{StateRinging, StateEnded}:            true,
		{StateAIHandling, StateHumanTakeover}: true,
		{StateAIHandling, StateEscalated}:     true,
		{StateAIHandling, StateEnded}:         true,
		{StateHumanTakeover, StateAIHandling}: true,
		{StateHumanTakeover, StateEscalated}:  true,
		{StateHumanTakeover, StateEnded}:      true,
		{StateEscalated, StateEnded}:          true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			assert.Equal(t, legal[[2]CallState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCallState_Helpers(t *testing.T) {
	assert.True(t, StateEnded.IsTerminal())
	assert.False(t, StateEscalated.IsTerminal())
	assert.True(t, StateHumanTakeover.Valid())
	assert.False(t, CallState("parked").Valid())
	assert.Equal(t, "ai_handling", StateAIHandling.String())
}
