package dispatch

import (
	"context"
	"time"
)

// TakeoverOutcome is how a takeover request ended, or pending.
type TakeoverOutcome string

const (
	OutcomePending   TakeoverOutcome = "pending"
	OutcomeGranted   TakeoverOutcome = "granted"
	OutcomeCancelled TakeoverOutcome = "cancelled"
	OutcomeExpired   TakeoverOutcome = "expired"
	OutcomeDenied    TakeoverOutcome = "denied"
)

// TakeoverRequest is a dispatcher's bid for control of an AI-handled call.
type TakeoverRequest struct {
	RequestID   string          `json:"requestId"`
	CallID      string          `json:"callId"`
	SessionID   string          `json:"sessionId"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	Deadline    time.Time       `json:"deadline"`
	Outcome     TakeoverOutcome `json:"outcome"`
}

// EscalationRecord is append-only; only the acknowledgement fields change.
type EscalationRecord struct {
	EscalationID   string     `json:"escalationId"`
	CallID         string     `json:"callId"`
	SessionID      string     `json:"sessionId"`
	EmergencyType  string     `json:"emergencyType"`
	Detail         string     `json:"detail,omitempty"`
	IssuedAt       time.Time  `json:"issuedAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
}

// EscalationStore persists escalation records outside the process. The audit
// log stays authoritative; store failures are logged, not surfaced.
type EscalationStore interface {
	SaveEscalation(ctx context.Context, rec EscalationRecord) error
	AcknowledgeEscalation(ctx context.Context, escalationID, by string, at time.Time) error
}

// CallSnapshot is an immutable copy of a call published after every change.
type CallSnapshot struct {
	CallID                string             `json:"callId"`
	State                 CallState          `json:"state"`
	Controller            string             `json:"controller"`
	LastDeliveredSequence int64              `json:"lastDeliveredSequence"`
	StartedAt             time.Time          `json:"startedAt"`
	EndedAt               *time.Time         `json:"endedAt,omitempty"`
	Pending               *TakeoverRequest   `json:"pendingTakeover,omitempty"`
	Escalations           []EscalationRecord `json:"escalations,omitempty"`
	Version               uint64             `json:"version"`
}

// call is owned by exactly one actor goroutine and never shared.
type call struct {
	id          string
	state       CallState
	controller  string
	lastSeq     int64
	startedAt   time.Time
	endedAt     *time.Time
	pending     *TakeoverRequest
	graceTimer  *time.Timer
	escalations []*EscalationRecord
	version     uint64
}

func newCall(id string, now time.Time) *call {
	return &call{
		id:         id,
		state:      StateRinging,
		controller: ControllerNone,
		startedAt:  now,
	}
}

func (c *call) snapshot() *CallSnapshot {
	s := &CallSnapshot{
		CallID:                c.id,
		State:                 c.state,
		Controller:            c.controller,
		LastDeliveredSequence: c.lastSeq,
		StartedAt:             c.startedAt,
		Version:               c.version,
	}
	if c.endedAt != nil {
		t := *c.endedAt
		s.EndedAt = &t
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	if len(c.escalations) > 0 {
		s.Escalations = make([]EscalationRecord, 0, len(c.escalations))
		for _, e := range c.escalations {
			rec := *e
			if e.AcknowledgedAt != nil {
				t := *e.AcknowledgedAt
				rec.AcknowledgedAt = &t
			}
			s.Escalations = append(s.Escalations, rec)
		}
	}
	return s
}

func (c *call) findEscalation(id string) *EscalationRecord {
	for _, e := range c.escalations {
		if e.EscalationID == id {
			return e
		}
	}
	return nil
}

// clearPending drops the pending request and stops its grace timer.
func (c *call) clearPending(outcome TakeoverOutcome) *TakeoverRequest {
	req := c.pending
	if req == nil {
		return nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	req.Outcome = outcome
	c.pending = nil
	return req
}
