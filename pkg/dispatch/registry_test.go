package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterCall(t *testing.T) {
	f := newFixture(t)
	reg := f.c.Registry()

	snap, err := reg.RegisterCall("C1")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, snap.State)
	assert.Equal(t, ControllerNone, snap.Controller)
	assert.Zero(t, snap.LastDeliveredSequence)

	_, err = reg.RegisterCall("C1")
	assert.True(t, IsCode(err, CodeDuplicateCall))

	_, err = reg.RegisterCall("")
	assert.True(t, IsCode(err, CodeBadRequest))

	_, err = reg.Snapshot("nope")
	assert.True(t, IsCode(err, CodeUnknownCall))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_AnswerIsAudited(t *testing.T) {
	f := newFixture(t)
	f.answered("C1")

	snap := f.snapshot("C1")
	assert.Equal(t, StateAIHandling, snap.State)
	assert.Equal(t, ControllerAI, snap.Controller)

	entries := f.entries("C1", ActionCallAnswered)
	require.Len(t, entries, 1)
	assert.Equal(t, ActorEngine, entries[0].Actor)
	assert.Equal(t, ControllerNone, entries[0].PriorController)
	assert.Equal(t, ControllerAI, entries[0].NewController)
}

func TestRegistry_TransitionRules(t *testing.T) {
	f := newFixture(t)
	reg := f.c.Registry()
	ctx := context.Background()
	_, err := reg.RegisterCall("C1")
	require.NoError(t, err)

	_, err = reg.TransitionTo(ctx, "C1", StateHumanTakeover, ActorEngine)
	assert.True(t, IsCode(err, CodeIllegalTransition))
	_, err = reg.TransitionTo(ctx, "C1", StateEscalated, ActorEngine)
	assert.True(t, IsCode(err, CodeIllegalTransition))
	_, err = reg.TransitionTo(ctx, "C1", CallState("parked"), ActorEngine)
	assert.True(t, IsCode(err, CodeBadRequest))
	_, err = reg.TransitionTo(ctx, "C1", StateRinging, ActorEngine)
	assert.True(t, IsCode(err, CodeIllegalTransition))

	before := f.snapshot("C1").Version
	_, err = reg.TransitionTo(ctx, "missing", StateAIHandling, ActorEngine)
	assert.True(t, IsCode(err, CodeUnknownCall))
	assert.Equal(t, before, f.snapshot("C1").Version)

	snap, err := reg.TransitionTo(ctx, "C1", StateEnded, ActorEngine)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, snap.State)
	require.NotNil(t, snap.EndedAt)

	_, err = reg.TransitionTo(ctx, "C1", StateAIHandling, ActorEngine)
	assert.True(t, IsCode(err, CodeIllegalTransition))
}

func TestRegistry_AuditFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Registry().RegisterCall("C1")
	require.NoError(t, err)
	before := f.snapshot("C1")

	f.sink.SetFailing(true)
	_, err = f.c.Registry().TransitionTo(context.Background(), "C1", StateAIHandling, ActorEngine)
	assert.True(t, IsCode(err, CodeAuditWriteFailed))
	assert.True(t, IsRetryable(err))

	after := f.snapshot("C1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, f.sink.Entries())
}

func TestRegistry_TranscriptOrdering(t *testing.T) {
	f := newFixture(t)
	f.answered("C1")
	s := f.open("k-obs")
	f.subscribe(s, "C1")
	ctx := context.Background()
	reg := f.c.Registry()

	require.NoError(t, reg.AppendTranscript(ctx, "C1", 1, "hello"))
	require.NoError(t, reg.AppendTranscript(ctx, "C1", 2, "there"))

	err := reg.AppendTranscript(ctx, "C1", 4, "skipped")
	assert.True(t, IsCode(err, CodeOutOfOrderFragment))
	err = reg.AppendTranscript(ctx, "C1", 2, "duplicate")
	assert.True(t, IsCode(err, CodeOutOfOrderFragment))

	require.NoError(t, reg.AppendTranscript(ctx, "C1", 3, "friend"))
	assert.Equal(t, int64(3), f.snapshot("C1").LastDeliveredSequence)

	var texts []string
	for _, m := range drain(s) {
		if m.Type == MsgTranscript {
			texts = append(texts, m.Text)
		}
	}
	assert.Equal(t, []string{"hello", "there", "friend"}, texts)
}

func TestRegistry_EndAndEvict(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Retention = 50 * time.Millisecond })
	f.answered("C1")
	ctx := context.Background()

	snap, err := f.c.Registry().EndCall(ctx, "C1", ActorEngine)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, ControllerNone, snap.Controller)

	_, err = f.c.Registry().EndCall(ctx, "C1", ActorEngine)
	assert.True(t, IsCode(err, CodeIllegalTransition))
	err = f.c.Registry().AppendTranscript(ctx, "C1", 1, "late")
	assert.True(t, IsCode(err, CodeIllegalTransition))

	// still readable inside the retention window
	_, err = f.c.Snapshot("C1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := f.c.Snapshot("C1")
		return IsCode(err, CodeUnknownCall)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.entries("C1", ActionCallEnded), 1)
}

func TestRegistry_EndDeniesPendingTakeover(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GraceWindow = time.Minute })
	f.answered("C1")
	d1 := f.open("k-d1")

	_, err := f.c.RequestTakeover(context.Background(), d1.ID, "C1", "")
	require.NoError(t, err)
	require.NoError(t, f.c.HandleEngineEvent(context.Background(), EngineEvent{Type: EngineCallEnded, CallID: "C1"}))

	denied := next(t, d1, MsgTakeoverDenied)
	assert.Equal(t, ReasonCallEnded, denied.ReasonCode)

	entries := f.entries("C1", "")
	require.Len(t, entries, 3)
	assert.Equal(t, ActionTakeoverDenied, entries[1].Action)
	assert.Equal(t, ActionCallEnded, entries[2].Action)
	assert.Nil(t, f.snapshot("C1").Pending)
}

func TestRegistry_SnapshotDoesNotWaitForAudit(t *testing.T) {
	f := newFixture(t)
	f.answered("C1")
	f.sink.SetDelay(500 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.c.Registry().EndCall(context.Background(), "C1", ActorEngine)
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	snap, err := f.c.Snapshot("C1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateAIHandling, snap.State)
	<-done
}
