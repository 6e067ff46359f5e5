package dispatch

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	gonanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"
)

// Arbiter decides who controls a call. Every decision runs inside the call's
// actor, so two requests for the same call never interleave.
type Arbiter struct {
	reg      *Registry
	sessions *SessionManager
	store    EscalationStore
	log      *zap.Logger

	// requestId / escalationId -> callId; bounded, old ids age out
	requests    *lru.Cache[string, string]
	escalations *lru.Cache[string, string]
}

func NewArbiter(reg *Registry, sessions *SessionManager, store EscalationStore, log *zap.Logger) (*Arbiter, error) {
	if log == nil {
		log = zap.L()
	}
	requests, err := lru.New[string, string](reg.cfg.IndexSize)
	if err != nil {
		return nil, err
	}
	escalations, err := lru.New[string, string](reg.cfg.IndexSize)
	if err != nil {
		return nil, err
	}
	a := &Arbiter{
		reg:         reg,
		sessions:    sessions,
		store:       store,
		log:         log,
		requests:    requests,
		escalations: escalations,
	}
	reg.beforeEnd = func(c *call) error {
		return a.resolve(c, OutcomeDenied, ActionTakeoverDenied, ActorEngine, ReasonCallEnded, "")
	}
	return a, nil
}

// RequestTakeover opens a grace window. Unless the AI objects, the request is
// granted when the window closes.
func (a *Arbiter) RequestTakeover(ctx context.Context, callID, sessionID, reason string) (TakeoverRequest, error) {
	act, err := a.reg.lookup(callID)
	if err != nil {
		return TakeoverRequest{}, err
	}
	var out TakeoverRequest
	err = act.do(ctx, func(c *call) error {
		if c.state != StateAIHandling {
			return newError(CodeCallNotHandlingByAI, "call %s is %s", c.id, c.state)
		}
		if c.pending != nil {
			return newError(CodeTakeoverInProgress, "request %s is already pending", c.pending.RequestID)
		}
		grace := a.reg.cfg.GraceWindow
		now := a.reg.now()
		req := &TakeoverRequest{
			RequestID:   uuid.NewString(),
			CallID:      c.id,
			SessionID:   sessionID,
			Reason:      reason,
			RequestedAt: now,
			Deadline:    now.Add(grace),
			Outcome:     OutcomePending,
		}
		c.pending = req
		c.version++
		requestID := req.RequestID
		c.graceTimer = time.AfterFunc(grace, func() {
			act.post(func(c *call) error {
				return a.graceExpired(c, requestID)
			})
		})
		a.requests.Add(requestID, c.id)
		a.notify(sessionID, takeoverPendingMessage(req))
		out = *req
		return nil
	})
	return out, err
}

// CancelTakeover withdraws a pending request. Only the requester may cancel.
func (a *Arbiter) CancelTakeover(ctx context.Context, requestID, sessionID string) error {
	callID, ok := a.requests.Get(requestID)
	if !ok {
		return newError(CodeUnknownRequest, "request %s not found", requestID)
	}
	act, err := a.reg.lookup(callID)
	if err != nil {
		return err
	}
	return act.do(ctx, func(c *call) error {
		if c.pending == nil || c.pending.RequestID != requestID {
			return newError(CodeUnknownRequest, "request %s is no longer pending", requestID)
		}
		if c.pending.SessionID != sessionID {
			return newError(CodeNotRequester, "request %s belongs to another session", requestID)
		}
		return a.resolve(c, OutcomeCancelled, ActionTakeoverCancelled, sessionID, ReasonCancelled, "")
	})
}

// Release hands control back to the AI. Only the controlling session may
// release, and only from human_takeover; escalation is one-way.
func (a *Arbiter) Release(ctx context.Context, callID, sessionID string) error {
	act, err := a.reg.lookup(callID)
	if err != nil {
		return err
	}
	return act.do(ctx, func(c *call) error {
		if c.state.IsTerminal() {
			return newError(CodeIllegalTransition, "call %s has ended", c.id)
		}
		if c.controller != sessionID {
			return newError(CodeNotController, "session does not control call %s", c.id)
		}
		if c.state != StateHumanTakeover {
			return newError(CodeIllegalTransition, "%s -> %s", c.state, StateAIHandling)
		}
		entry := AuditEntry{
			Actor:           sessionID,
			Action:          ActionRelease,
			PriorController: sessionID,
			NewController:   ControllerAI,
			Outcome:         "released",
			Reason:          "voluntary",
		}
		if err := a.reg.commit(c, entry, func() {
			c.state = StateAIHandling
			c.controller = ControllerAI
		}); err != nil {
			return err
		}
		a.reg.broadcastState(c)
		a.reg.bus.Publish(events.Event{
			Type:   events.ControlReleased,
			CallID: c.id,
			Data:   map[string]interface{}{"sessionId": sessionID, "involuntary": false},
			Source: "dispatch",
		})
		return nil
	})
}

// EmergencyEscalate skips the grace window. A pending takeover on the call is
// denied in the same audit write as the escalation.
func (a *Arbiter) EmergencyEscalate(ctx context.Context, callID, sessionID, emergencyType, detail string) (EscalationRecord, error) {
	act, err := a.reg.lookup(callID)
	if err != nil {
		return EscalationRecord{}, err
	}
	var out EscalationRecord
	err = act.do(ctx, func(c *call) error {
		if c.state.IsTerminal() {
			return newError(CodeIllegalTransition, "call %s has ended", c.id)
		}
		denied := c.pending
		var entries []AuditEntry
		if denied != nil {
			entries = append(entries, resolutionEntry(c, ActionTakeoverDenied, OutcomeDenied, sessionID, ReasonEscalationPriority, emergencyType))
		}

		rec := &EscalationRecord{
			EscalationID:  newEscalationID(),
			CallID:        c.id,
			SessionID:     sessionID,
			EmergencyType: emergencyType,
			Detail:        detail,
			IssuedAt:      a.reg.now(),
		}
		// a repeated escalation keeps whoever already holds the escalated call
		controller := sessionID
		if c.state == StateEscalated && c.controller != ControllerNone {
			controller = c.controller
		}
		entry := AuditEntry{
			Actor:           sessionID,
			Action:          ActionEmergencyEscalate,
			PriorController: c.controller,
			NewController:   controller,
			Outcome:         "escalated",
			Reason:          emergencyType,
			Detail:          detail,
			Ref:             rec.EscalationID,
		}
		entries = append(entries, entry)
		if err := a.reg.commitAll(c, entries, func() {
			if denied != nil {
				c.clearPending(OutcomeDenied)
			}
			c.state = StateEscalated
			c.controller = controller
			c.escalations = append(c.escalations, rec)
		}); err != nil {
			return err
		}
		if denied != nil {
			a.notify(denied.SessionID, takeoverDeniedMessage(denied, ReasonEscalationPriority, false))
			a.resolved(c, denied)
		}
		a.escalations.Add(rec.EscalationID, c.id)

		a.reg.broadcastState(c)
		a.tell(c, sessionID, escalationRaisedMessage(rec))
		a.persist(func(ctx context.Context) error { return a.store.SaveEscalation(ctx, *rec) }, rec.EscalationID)

		a.reg.metrics.EscalationRaised(emergencyType)
		a.reg.bus.Publish(events.Event{
			Type:   events.CallEscalated,
			CallID: c.id,
			Data: map[string]interface{}{
				"escalationId":  rec.EscalationID,
				"sessionId":     sessionID,
				"emergencyType": emergencyType,
				"detail":        detail,
				"issuedAt":      rec.IssuedAt,
			},
			Source: "dispatch",
		})
		a.log.Warn("call escalated",
			zap.String("callId", c.id),
			zap.String("escalationId", rec.EscalationID),
			zap.String("emergencyType", emergencyType),
			zap.String("sessionId", sessionID))
		out = *rec
		return nil
	})
	return out, err
}

// AcknowledgeEscalation marks a record as seen. Acknowledging twice returns
// the original acknowledgement.
func (a *Arbiter) AcknowledgeEscalation(ctx context.Context, escalationID, sessionID string) (EscalationRecord, error) {
	callID, ok := a.escalations.Get(escalationID)
	if !ok {
		return EscalationRecord{}, newError(CodeUnknownRequest, "escalation %s not found", escalationID)
	}
	act, err := a.reg.lookup(callID)
	if err != nil {
		return EscalationRecord{}, err
	}
	var out EscalationRecord
	err = act.do(ctx, func(c *call) error {
		rec := c.findEscalation(escalationID)
		if rec == nil {
			return newError(CodeUnknownRequest, "escalation %s not found", escalationID)
		}
		if rec.Acknowledged {
			out = *rec
			return nil
		}
		now := a.reg.now()
		entry := AuditEntry{
			Actor:           sessionID,
			Action:          ActionEscalationAck,
			PriorController: c.controller,
			NewController:   c.controller,
			Outcome:         "acknowledged",
			Reason:          rec.EmergencyType,
			Ref:             escalationID,
		}
		if err := a.reg.commit(c, entry, func() {
			rec.Acknowledged = true
			rec.AcknowledgedAt = &now
			rec.AcknowledgedBy = sessionID
		}); err != nil {
			return err
		}
		a.tell(c, sessionID, escalationAcknowledgedMessage(rec))
		a.persist(func(ctx context.Context) error {
			return a.store.AcknowledgeEscalation(ctx, escalationID, sessionID, now)
		}, escalationID)
		a.reg.bus.Publish(events.Event{
			Type:   events.EscalationAcked,
			CallID: c.id,
			Data:   map[string]interface{}{"escalationId": escalationID, "sessionId": sessionID},
			Source: "dispatch",
		})
		out = *rec
		return nil
	})
	return out, err
}

// Yield is the AI giving up control during the grace window.
func (a *Arbiter) Yield(ctx context.Context, callID string) error {
	act, err := a.reg.lookup(callID)
	if err != nil {
		return err
	}
	return act.do(ctx, func(c *call) error {
		if c.pending == nil {
			return newError(CodeUnknownRequest, "no pending takeover on call %s", c.id)
		}
		if !a.sessions.Alive(c.pending.SessionID) {
			return a.resolve(c, OutcomeExpired, ActionTakeoverExpired, c.pending.SessionID, ReasonRequesterGone, "")
		}
		return a.grant(c, ReasonAIYield)
	})
}

// Object is the AI refusing a pending takeover.
func (a *Arbiter) Object(ctx context.Context, callID, reason string) error {
	act, err := a.reg.lookup(callID)
	if err != nil {
		return err
	}
	return act.do(ctx, func(c *call) error {
		if c.pending == nil {
			return newError(CodeUnknownRequest, "no pending takeover on call %s", c.id)
		}
		return a.resolve(c, OutcomeDenied, ActionTakeoverDenied, ControllerAI, ReasonAIObjection, reason)
	})
}

// sessionGone cancels the session's pending requests and hands back any call
// it controls. Every live call is visited through its actor so in-flight
// grants for this session are observed.
func (a *Arbiter) sessionGone(s *Session, reason string) {
	for _, act := range a.reg.actors() {
		if act.snapshot().State.IsTerminal() {
			continue
		}
		act := act
		err := act.do(context.Background(), func(c *call) error {
			return a.releaseFor(c, s.ID, reason)
		})
		if IsCode(err, CodeAuditWriteFailed) {
			a.retryRelease(act, s.ID, reason, 1)
		}
	}
}

func (a *Arbiter) releaseFor(c *call, sessionID, reason string) error {
	if c.pending != nil && c.pending.SessionID == sessionID {
		if err := a.resolve(c, OutcomeCancelled, ActionTakeoverCancelled, sessionID, reason, ""); err != nil {
			return err
		}
	}
	if c.controller != sessionID {
		return nil
	}

	next := ControllerAI
	if c.state == StateEscalated {
		// nobody to hand an emergency back to; it stays escalated, unattended
		next = ControllerNone
	}
	entry := AuditEntry{
		Actor:           sessionID,
		Action:          ActionInvoluntaryRelease,
		PriorController: sessionID,
		NewController:   next,
		Outcome:         "released",
		Reason:          reason,
	}
	if err := a.reg.commit(c, entry, func() {
		if c.state == StateHumanTakeover {
			c.state = StateAIHandling
		}
		c.controller = next
	}); err != nil {
		return err
	}
	a.reg.broadcastState(c)

	evType := events.ControlReleased
	if c.state == StateEscalated {
		evType = events.EscalationUnattended
	}
	a.reg.bus.Publish(events.Event{
		Type:   evType,
		CallID: c.id,
		Data:   map[string]interface{}{"sessionId": sessionID, "involuntary": true, "reason": reason},
		Source: "dispatch",
	})
	a.log.Warn("control released involuntarily",
		zap.String("callId", c.id),
		zap.String("sessionId", sessionID),
		zap.String("reason", reason))
	return nil
}

func (a *Arbiter) retryRelease(act *callActor, sessionID, reason string, attempt int) {
	if attempt > a.reg.cfg.ReleaseRetries {
		a.log.Error("giving up releasing control of disconnected session",
			zap.String("callId", act.id),
			zap.String("sessionId", sessionID),
			zap.Int("attempts", attempt-1))
		return
	}
	time.AfterFunc(time.Duration(attempt)*a.reg.cfg.ReleaseRetryDelay, func() {
		act.post(func(c *call) error {
			err := a.releaseFor(c, sessionID, reason)
			if IsCode(err, CodeAuditWriteFailed) {
				a.retryRelease(act, sessionID, reason, attempt+1)
			}
			return err
		})
	})
}

func (a *Arbiter) graceExpired(c *call, requestID string) error {
	if c.pending == nil || c.pending.RequestID != requestID {
		return nil
	}
	c.graceTimer = nil
	if !a.sessions.Alive(c.pending.SessionID) {
		return a.resolve(c, OutcomeExpired, ActionTakeoverExpired, c.pending.SessionID, ReasonRequesterGone, "")
	}
	return a.grant(c, ReasonGraceElapsed)
}

// grant moves a pending request to human_takeover. If the audit write fails
// the request is dropped and the requester told it may retry.
func (a *Arbiter) grant(c *call, reason string) error {
	req := c.pending
	entry := AuditEntry{
		Actor:           req.SessionID,
		Action:          ActionTakeoverGranted,
		PriorController: c.controller,
		NewController:   req.SessionID,
		Outcome:         string(OutcomeGranted),
		Reason:          reason,
		Detail:          req.Reason,
		Ref:             req.RequestID,
	}
	if err := a.reg.commit(c, entry, func() {
		c.clearPending(OutcomeGranted)
		c.state = StateHumanTakeover
		c.controller = req.SessionID
	}); err != nil {
		c.clearPending(OutcomeDenied)
		c.version++
		a.notify(req.SessionID, takeoverDeniedMessage(req, string(CodeAuditWriteFailed), true))
		a.reg.metrics.TakeoverResolved("aborted")
		return err
	}

	a.tell(c, req.SessionID, takeoverGrantedMessage(c.id, req.SessionID, req.RequestID))
	a.reg.broadcastState(c)
	a.resolved(c, req)
	return nil
}

// resolve ends a pending request without granting it.
func (a *Arbiter) resolve(c *call, outcome TakeoverOutcome, action AuditAction, actor, reasonCode, detail string) error {
	req := c.pending
	entry := resolutionEntry(c, action, outcome, actor, reasonCode, detail)
	if err := a.reg.commit(c, entry, func() {
		c.clearPending(outcome)
	}); err != nil {
		return err
	}
	a.notify(req.SessionID, takeoverDeniedMessage(req, reasonCode, false))
	a.resolved(c, req)
	return nil
}

// resolutionEntry records the pending request ending without a grant.
func resolutionEntry(c *call, action AuditAction, outcome TakeoverOutcome, actor, reasonCode, detail string) AuditEntry {
	return AuditEntry{
		Actor:           actor,
		Action:          action,
		PriorController: c.controller,
		NewController:   c.controller,
		Outcome:         string(outcome),
		Reason:          reasonCode,
		Detail:          detail,
		Ref:             c.pending.RequestID,
	}
}

func (a *Arbiter) resolved(c *call, req *TakeoverRequest) {
	a.reg.metrics.TakeoverResolved(string(req.Outcome))
	a.reg.bus.Publish(events.Event{
		Type:   events.TakeoverResolved,
		CallID: c.id,
		Data: map[string]interface{}{
			"requestId": req.RequestID,
			"sessionId": req.SessionID,
			"outcome":   string(req.Outcome),
		},
		Source: "dispatch",
	})
}

// notify sends to one session if it is still connected.
func (a *Arbiter) notify(sessionID string, msg OutboundMessage) {
	if s, err := a.sessions.Get(sessionID); err == nil {
		s.Send(msg)
	}
}

// tell broadcasts to subscribers and makes sure sessionID sees it too.
func (a *Arbiter) tell(c *call, sessionID string, msg OutboundMessage) {
	a.reg.bcast.Publish(c.id, msg)
	if s, err := a.sessions.Get(sessionID); err == nil && !s.Subscribed(c.id) {
		s.Send(msg)
	}
}

// persist mirrors escalation changes to the store; failures are logged.
func (a *Arbiter) persist(fn func(ctx context.Context) error, escalationID string) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.reg.cfg.AuditTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.log.Error("escalation store write failed",
			zap.String("escalationId", escalationID),
			zap.Error(err))
	}
}

func newEscalationID() string {
	id, err := gonanoid.Nanoid()
	if err != nil {
		id = uuid.NewString()
	}
	return "esc_" + id
}
