// Package dispatch coordinates AI-handled calls with human dispatcher
// consoles: who controls each call, what every console sees, and an audit
// trail of every control decision.
//
// Each call is owned by an actor goroutine; engine events, console requests
// and timers are all closures run on that actor. Reads go through atomically
// published snapshots.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"go.uber.org/zap"
)

// Deps are the collaborators the coordinator does not own.
type Deps struct {
	Audit       AuditSink
	Escalations EscalationStore
	Validator   auth.Validator
	Bus         *events.EventBus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Coordinator is the entry point for the engine, the console transport and
// the HTTP query endpoints.
type Coordinator struct {
	cfg       Config
	log       *zap.Logger
	validator auth.Validator

	audit    *AuditWriter
	bcast    *Broadcaster
	sessions *SessionManager
	registry *Registry
	arbiter  *Arbiter

	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Audit == nil {
		return nil, errors.New("dispatch: audit sink is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("dispatch: validator is required")
	}
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = zap.L()
	}
	log = log.Named("dispatch")

	audit := NewAuditWriter(deps.Audit, log, deps.Metrics)
	bcast := NewBroadcaster()
	sessions := NewSessionManager(cfg, bcast, log, deps.Metrics, deps.Bus)
	registry := NewRegistry(cfg, audit, bcast, log, deps.Metrics, deps.Bus)
	arbiter, err := NewArbiter(registry, sessions, deps.Escalations, log)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	sessions.onClose = arbiter.sessionGone

	return &Coordinator{
		cfg:       cfg,
		log:       log,
		validator: deps.Validator,
		audit:     audit,
		bcast:     bcast,
		sessions:  sessions,
		registry:  registry,
		arbiter:   arbiter,
	}, nil
}

// Start resumes the audit sequence and launches the heartbeat reaper.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.audit.Init(ctx); err != nil {
		return fmt.Errorf("dispatch: load audit sequence: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sessions.Run(runCtx)
	}()
	c.log.Info("dispatch coordinator started",
		zap.Uint64("auditSequence", c.audit.Sequence()),
		zap.Duration("heartbeatTimeout", c.cfg.HeartbeatTimeout),
		zap.Duration("graceWindow", c.cfg.GraceWindow))
	return nil
}

// Shutdown refuses new sessions, closes the open ones (handing their calls
// back to the AI) and stops every call actor.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	done := make(chan struct{})
	go func() {
		n := c.sessions.CloseAll(ReasonServerShutdown)
		c.registry.Shutdown()
		c.log.Info("dispatch coordinator stopped", zap.Int("sessionsClosed", n))
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Config() Config { return c.cfg }
func (c *Coordinator) Registry() *Registry { return c.registry }
func (c *Coordinator) Arbiter() *Arbiter { return c.arbiter }
func (c *Coordinator) Sessions() *SessionManager { return c.sessions }
func (c *Coordinator) Broadcaster() *Broadcaster { return c.bcast }
func (c *Coordinator) AuditWriter() *AuditWriter { return c.audit }
func (c *Coordinator) Draining() bool { return c.draining.Load() }
func (c *Coordinator) Snapshot(id string) (CallSnapshot, error) { return c.registry.Snapshot(id) }

// HandleEngineEvent applies one engine envelope.
func (c *Coordinator) HandleEngineEvent(ctx context.Context, ev EngineEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var err error
	switch ev.Type {
	case EngineCallStarted:
		_, err = c.registry.RegisterCall(ev.CallID)
	case EngineCallAnswered:
		_, err = c.registry.TransitionTo(ctx, ev.CallID, StateAIHandling, ActorEngine)
	case EngineTranscriptFragment:
		err = c.registry.AppendTranscript(ctx, ev.CallID, ev.Seq, ev.Text)
	case EngineCallEnded:
		_, err = c.registry.EndCall(ctx, ev.CallID, ActorEngine)
	case EngineTakeoverYield:
		err = c.arbiter.Yield(ctx, ev.CallID)
	case EngineTakeoverObject:
		err = c.arbiter.Object(ctx, ev.CallID, ev.Reason)
	}
	if err != nil {
		c.log.Debug("engine event rejected",
			zap.String("type", ev.Type),
			zap.String("callId", ev.CallID),
			zap.Error(err))
	}
	return err
}

// OpenSession validates the credential and registers a console session.
func (c *Coordinator) OpenSession(ctx context.Context, cred auth.Credential) (*Session, error) {
	if c.draining.Load() {
		return nil, &Error{Code: CodeAuthRejected, Message: "server is shutting down", Retryable: true}
	}
	p, err := c.validator.Validate(ctx, cred)
	if err != nil {
		if errors.Is(err, auth.ErrRejected) {
			return nil, wrapError(CodeAuthRejected, err, "credential rejected")
		}
		return nil, &Error{Code: CodeAuthRejected, Message: "credential check failed", Err: err, Retryable: true}
	}
	s := c.sessions.Open(p)
	s.Send(OutboundMessage{Type: MsgSessionOpened, SessionID: s.ID, DispatcherID: p.DispatcherID})
	return s, nil
}

// Subscribe runs on the call's actor, so the snapshot frame precedes every
// event published after it.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID, callID string) (CallSnapshot, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return CallSnapshot{}, err
	}
	act, err := c.registry.lookup(callID)
	if err != nil {
		return CallSnapshot{}, err
	}
	var out CallSnapshot
	err = act.do(ctx, func(cl *call) error {
		if !c.bcast.Subscribe(callID, s) {
			return newError(CodeUnknownSession, "session %s is closed", sessionID)
		}
		snap := cl.snapshot()
		s.Send(snapshotMessage(snap))
		out = *snap
		return nil
	})
	return out, err
}

func (c *Coordinator) Unsubscribe(sessionID, callID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	c.bcast.Unsubscribe(callID, s)
	return nil
}

func (c *Coordinator) Heartbeat(sessionID string) error {
	return c.sessions.Heartbeat(sessionID)
}

func (c *Coordinator) RequestTakeover(ctx context.Context, sessionID, callID, reason string) (TakeoverRequest, error) {
	if _, err := c.controller(sessionID); err != nil {
		return TakeoverRequest{}, err
	}
	return c.arbiter.RequestTakeover(ctx, callID, sessionID, reason)
}

func (c *Coordinator) CancelTakeover(ctx context.Context, sessionID, requestID string) error {
	if _, err := c.sessions.Get(sessionID); err != nil {
		return err
	}
	return c.arbiter.CancelTakeover(ctx, requestID, sessionID)
}

func (c *Coordinator) Release(ctx context.Context, sessionID, callID string) error {
	if _, err := c.sessions.Get(sessionID); err != nil {
		return err
	}
	return c.arbiter.Release(ctx, callID, sessionID)
}

func (c *Coordinator) EmergencyEscalate(ctx context.Context, sessionID, callID, emergencyType, detail string) (EscalationRecord, error) {
	if _, err := c.controller(sessionID); err != nil {
		return EscalationRecord{}, err
	}
	return c.arbiter.EmergencyEscalate(ctx, callID, sessionID, emergencyType, detail)
}

func (c *Coordinator) AcknowledgeEscalation(ctx context.Context, sessionID, escalationID string) (EscalationRecord, error) {
	if _, err := c.controller(sessionID); err != nil {
		return EscalationRecord{}, err
	}
	return c.arbiter.AcknowledgeEscalation(ctx, escalationID, sessionID)
}

// CloseSession is idempotent.
func (c *Coordinator) CloseSession(sessionID, reason string) error {
	return c.sessions.Close(sessionID, reason)
}

// Logout closes every session of a dispatcher after an auth logout notice.
func (c *Coordinator) Logout(dispatcherID string) int {
	return c.sessions.CloseByPrincipal(dispatcherID, ReasonLogout)
}

// HandleMessage decodes one console frame and runs it. Failures are reported
// to the console as error frames and also returned.
func (c *Coordinator) HandleMessage(ctx context.Context, s *Session, raw []byte) error {
	msg, err := DecodeInbound(raw)
	if err == nil {
		err = c.dispatch(ctx, s, msg)
	}
	if err != nil {
		s.Send(ErrorMessage(err, msg.Ref))
	}
	return err
}

func (c *Coordinator) dispatch(ctx context.Context, s *Session, msg InboundMessage) error {
	switch msg.Type {
	case MsgHeartbeat:
		if err := c.Heartbeat(s.ID); err != nil {
			return err
		}
		s.Send(OutboundMessage{Type: MsgHeartbeatAck, Ref: msg.Ref})
		return nil
	case MsgSubscribe:
		_, err := c.Subscribe(ctx, s.ID, msg.CallID)
		return err
	case MsgUnsubscribe:
		return c.Unsubscribe(s.ID, msg.CallID)
	case MsgRequestTakeover:
		_, err := c.RequestTakeover(ctx, s.ID, msg.CallID, msg.Reason)
		return err
	case MsgCancelTakeover:
		return c.CancelTakeover(ctx, s.ID, msg.RequestID)
	case MsgRelease:
		return c.Release(ctx, s.ID, msg.CallID)
	case MsgEmergencyEscalate:
		_, err := c.EmergencyEscalate(ctx, s.ID, msg.CallID, msg.EmergencyType, msg.Detail)
		return err
	case MsgAcknowledgeEscalation:
		_, err := c.AcknowledgeEscalation(ctx, s.ID, msg.EscalationID)
		return err
	}
	return newError(CodeBadRequest, "unknown type %q", msg.Type)
}

func (c *Coordinator) controller(sessionID string) (*Session, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Principal.Role.CanControl() {
		return nil, newError(CodePermissionDenied, "role %s cannot control calls", s.Principal.Role)
	}
	return s, nil
}

// Stats summarizes live calls and sessions.
type Stats struct {
	CallsByState              map[CallState]int `json:"callsByState"`
	LiveCalls                 int               `json:"liveCalls"`
	PendingTakeovers          int               `json:"pendingTakeovers"`
	Escalations               int               `json:"escalations"`
	UnacknowledgedEscalations int               `json:"unacknowledgedEscalations"`
	Sessions                  int               `json:"sessions"`
	AuditSequence             uint64            `json:"auditSequence"`
	AuditFailures             int64             `json:"auditConsecutiveFailures"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{CallsByState: make(map[CallState]int, len(AllStates))}
	for _, s := range AllStates {
		st.CallsByState[s] = 0
	}
	for _, snap := range c.registry.Snapshots() {
		st.LiveCalls++
		st.CallsByState[snap.State]++
		if snap.Pending != nil {
			st.PendingTakeovers++
		}
		for _, e := range snap.Escalations {
			st.Escalations++
			if !e.Acknowledged {
				st.UnacknowledgedEscalations++
			}
		}
	}
	st.Sessions = c.sessions.Count()
	st.AuditSequence = c.audit.Sequence()
	st.AuditFailures = c.audit.ConsecutiveFailures()
	return st
}

// OverdueEscalations lists unacknowledged escalations issued before now-age.
func (c *Coordinator) OverdueEscalations(now time.Time, age time.Duration) []EscalationRecord {
	var out []EscalationRecord
	for _, snap := range c.registry.Snapshots() {
		for _, e := range snap.Escalations {
			if !e.Acknowledged && now.Sub(e.IssuedAt) >= age {
				out = append(out, e)
			}
		}
	}
	return out
}
