package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"go.uber.org/zap"
)

// Registry owns the live calls. The index is the only shared structure; each
// call's state belongs to its actor.
type Registry struct {
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	audit   *AuditWriter
	bcast   *Broadcaster
	bus     *events.EventBus
	metrics *metrics.Metrics

	mu     sync.RWMutex
	calls  map[string]*callActor
	closed bool

	// runs inside the actor before a call ends; resolves a pending takeover
	beforeEnd func(c *call) error
}

func NewRegistry(cfg Config, audit *AuditWriter, bcast *Broadcaster, log *zap.Logger, m *metrics.Metrics, bus *events.EventBus) *Registry {
	if log == nil {
		log = zap.L()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		audit:   audit,
		bcast:   bcast,
		bus:     bus,
		metrics: m,
		calls:   make(map[string]*callActor),
	}
}

// RegisterCall creates a call in ringing with no controller.
func (r *Registry) RegisterCall(callID string) (CallSnapshot, error) {
	if callID == "" {
		return CallSnapshot{}, newError(CodeBadRequest, "callId is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return CallSnapshot{}, newError(CodeBadRequest, "registry is shut down")
	}
	if _, ok := r.calls[callID]; ok {
		r.mu.Unlock()
		return CallSnapshot{}, newError(CodeDuplicateCall, "call %s already registered", callID)
	}
	a := newCallActor(newCall(callID, r.now()), r.cfg.CallInbox)
	r.calls[callID] = a
	r.mu.Unlock()

	r.metrics.CallStarted()
	r.bus.Publish(events.Event{Type: events.CallStarted, CallID: callID, Source: "engine"})
	r.log.Info("call registered", zap.String("callId", callID))
	return *a.snapshot(), nil
}

// TransitionTo applies a lifecycle transition requested by the engine or an
// operator. Moves into human_takeover or escalated are arbiter decisions and
// are rejected here.
func (r *Registry) TransitionTo(ctx context.Context, callID string, to CallState, actor string) (CallSnapshot, error) {
	if !to.Valid() {
		return CallSnapshot{}, newError(CodeBadRequest, "unknown state %q", to)
	}
	switch to {
	case StateHumanTakeover, StateEscalated:
		return CallSnapshot{}, newError(CodeIllegalTransition, "%s is entered only through the arbiter", to)
	case StateEnded:
		return r.EndCall(ctx, callID, actor)
	}

	a, err := r.lookup(callID)
	if err != nil {
		return CallSnapshot{}, err
	}
	err = a.do(ctx, func(c *call) error {
		if !CanTransition(c.state, to) {
			return newError(CodeIllegalTransition, "%s -> %s", c.state, to)
		}
		entry := AuditEntry{
			Actor:           actor,
			PriorController: c.controller,
			NewController:   ControllerAI,
		}
		if c.state == StateRinging {
			entry.Action = ActionCallAnswered
			entry.Outcome = "answered"
		} else {
			// human_takeover -> ai_handling forced from outside the session
			entry.Action = ActionRelease
			entry.Outcome = "released"
			entry.Reason = "forced"
		}
		if err := r.commit(c, entry, func() {
			c.state = to
			c.controller = ControllerAI
		}); err != nil {
			return err
		}
		r.broadcastState(c)
		return nil
	})
	if err != nil {
		return CallSnapshot{}, err
	}
	return *a.snapshot(), nil
}

// AppendTranscript accepts only lastDeliveredSequence+1. Nothing is buffered.
func (r *Registry) AppendTranscript(ctx context.Context, callID string, seq int64, text string) error {
	a, err := r.lookup(callID)
	if err != nil {
		return err
	}
	return a.do(ctx, func(c *call) error {
		if c.state.IsTerminal() {
			return newError(CodeIllegalTransition, "call %s has ended", c.id)
		}
		if seq != c.lastSeq+1 {
			r.metrics.TranscriptRejectedInc()
			return newError(CodeOutOfOrderFragment, "expected seq %d, got %d", c.lastSeq+1, seq)
		}
		c.lastSeq = seq
		c.version++
		r.bcast.Publish(c.id, transcriptMessage(c.id, seq, text))
		return nil
	})
}

// EndCall moves the call to ended and schedules eviction after Retention.
// Until then Snapshot still resolves.
func (r *Registry) EndCall(ctx context.Context, callID, actor string) (CallSnapshot, error) {
	a, err := r.lookup(callID)
	if err != nil {
		return CallSnapshot{}, err
	}
	err = a.do(ctx, func(c *call) error {
		if c.state.IsTerminal() {
			return newError(CodeIllegalTransition, "call %s already ended", c.id)
		}
		if c.pending != nil && r.beforeEnd != nil {
			if err := r.beforeEnd(c); err != nil {
				return err
			}
		}
		now := r.now()
		entry := AuditEntry{
			Actor:           actor,
			Action:          ActionCallEnded,
			PriorController: c.controller,
			NewController:   ControllerNone,
			Outcome:         "ended",
		}
		if err := r.commit(c, entry, func() {
			c.state = StateEnded
			c.controller = ControllerNone
			c.endedAt = &now
		}); err != nil {
			return err
		}
		r.broadcastState(c)
		a.evict.Store(time.AfterFunc(r.cfg.Retention, func() { r.evict(callID) }))
		r.bus.Publish(events.Event{Type: events.CallEnded, CallID: c.id, Source: actor})
		return nil
	})
	if err != nil {
		return CallSnapshot{}, err
	}
	return *a.snapshot(), nil
}

// Snapshot is served from the last published copy and never waits on the
// actor.
func (r *Registry) Snapshot(callID string) (CallSnapshot, error) {
	a, err := r.lookup(callID)
	if err != nil {
		return CallSnapshot{}, err
	}
	return *a.snapshot(), nil
}

// Snapshots lists every live call ordered by start time.
func (r *Registry) Snapshots() []CallSnapshot {
	actors := r.actors()
	out := make([]CallSnapshot, 0, len(actors))
	for _, a := range actors {
		out = append(out, *a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Shutdown stops every actor and waits for them to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*callActor, 0, len(r.calls))
	for _, a := range r.calls {
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.shutdown()
	}
	for _, a := range actors {
		a.wait()
	}
}

func (r *Registry) lookup(callID string) (*callActor, error) {
	r.mu.RLock()
	a, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(CodeUnknownCall, "call %s not found", callID)
	}
	return a, nil
}

func (r *Registry) actors() []*callActor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*callActor, 0, len(r.calls))
	for _, a := range r.calls {
		out = append(out, a)
	}
	return out
}

func (r *Registry) evict(callID string) {
	r.mu.Lock()
	a, ok := r.calls[callID]
	delete(r.calls, callID)
	r.mu.Unlock()
	if !ok {
		return
	}
	a.shutdown()
	r.bcast.DropCall(callID)
	r.bus.Publish(events.Event{Type: events.CallEvicted, CallID: callID, Source: "dispatch"})
	r.log.Debug("call evicted", zap.String("callId", callID))
}

// commit writes the audit entry first and applies the mutation only if the
// write succeeded.
func (r *Registry) commit(c *call, entry AuditEntry, apply func()) error {
	return r.commitAll(c, []AuditEntry{entry}, apply)
}

// commitAll writes entries as one audit unit; apply runs only if all of them
// were persisted.
func (r *Registry) commitAll(c *call, entries []AuditEntry, apply func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AuditTimeout)
	defer cancel()
	for i := range entries {
		entries[i].CallID = c.id
	}
	if _, err := r.audit.AppendBatch(ctx, entries); err != nil {
		return err
	}
	apply()
	c.version++
	return nil
}

func (r *Registry) broadcastState(c *call) {
	r.bcast.Publish(c.id, stateChangedMessage(c))
}
