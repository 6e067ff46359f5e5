package dispatch

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Session → layer message types.
const (
	MsgSubscribe             = "subscribe"
	MsgUnsubscribe           = "unsubscribe"
	MsgHeartbeat             = "heartbeat"
	MsgRequestTakeover       = "requestTakeover"
	MsgCancelTakeover        = "cancelTakeover"
	MsgRelease               = "release"
	MsgEmergencyEscalate     = "emergencyEscalate"
	MsgAcknowledgeEscalation = "acknowledgeEscalation"
)

// Layer → session message types.
const (
	MsgSessionOpened          = "sessionOpened"
	MsgSnapshot               = "snapshot"
	MsgStateChanged           = "stateChanged"
	MsgTranscript             = "transcript"
	MsgTakeoverPending        = "takeoverPending"
	MsgTakeoverGranted        = "takeoverGranted"
	MsgTakeoverDenied         = "takeoverDenied"
	MsgEscalationRaised       = "escalationRaised"
	MsgEscalationAcknowledged = "escalationAcknowledged"
	MsgSessionClosed          = "sessionClosed"
	MsgHeartbeatAck           = "heartbeatAck"
	MsgError                  = "error"
)

// Engine → layer event types.
const (
	EngineCallStarted        = "callStarted"
	EngineCallAnswered       = "callAnswered"
	EngineTranscriptFragment = "transcriptFragment"
	EngineCallEnded          = "callEnded"
	EngineTakeoverYield      = "takeoverYield"
	EngineTakeoverObject     = "takeoverObject"
)

// frames must match encoding/json output byte for byte
var codec = sonic.ConfigStd

// InboundMessage is one console frame. Ref is echoed on error replies so the
// console can correlate them.
type InboundMessage struct {
	Type          string `json:"type"`
	CallID        string `json:"callId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	EscalationID  string `json:"escalationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	EmergencyType string `json:"emergencyType,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Ref           string `json:"ref,omitempty"`
}

// EngineEvent is one envelope from the call-handling engine.
type EngineEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Seq    int64  `json:"seq,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OutboundMessage is the single frame shape sent to consoles. MsgSeq is the
// per-session send counter.
type OutboundMessage struct {
	Type                  string     `json:"type"`
	MsgSeq                uint64     `json:"msgSeq"`
	CallID                string     `json:"callId,omitempty"`
	State                 CallState  `json:"state,omitempty"`
	Controller            string     `json:"controller,omitempty"`
	Seq                   int64      `json:"seq,omitempty"`
	Text                  string     `json:"text,omitempty"`
	SessionID             string     `json:"sessionId,omitempty"`
	DispatcherID          string     `json:"dispatcherId,omitempty"`
	RequestID             string     `json:"requestId,omitempty"`
	EscalationID          string     `json:"escalationId,omitempty"`
	EmergencyType         string     `json:"emergencyType,omitempty"`
	Detail                string     `json:"detail,omitempty"`
	ReasonCode            string     `json:"reasonCode,omitempty"`
	LastDeliveredSequence *int64     `json:"lastDeliveredSequence,omitempty"`
	Deadline              *time.Time `json:"deadline,omitempty"`
	Code                  Code       `json:"code,omitempty"`
	Message               string     `json:"message,omitempty"`
	Retryable             bool       `json:"retryable,omitempty"`
	Ref                   string     `json:"ref,omitempty"`
}

// DecodeInbound parses and validates a console frame.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := codec.Unmarshal(data, &msg); err != nil {
		return msg, wrapError(CodeBadRequest, err, "malformed frame")
	}
	msg.Type = strings.TrimSpace(msg.Type)
	need := func(field, value string) error {
		if strings.TrimSpace(value) == "" {
			return newError(CodeBadRequest, "%s requires %s", msg.Type, field)
		}
		return nil
	}
	switch msg.Type {
	case MsgSubscribe, MsgUnsubscribe, MsgRequestTakeover, MsgRelease:
		return msg, need("callId", msg.CallID)
	case MsgCancelTakeover:
		return msg, need("requestId", msg.RequestID)
	case MsgEmergencyEscalate:
		if err := need("callId", msg.CallID); err != nil {
			return msg, err
		}
		return msg, need("emergencyType", msg.EmergencyType)
	case MsgAcknowledgeEscalation:
		return msg, need("escalationId", msg.EscalationID)
	case MsgHeartbeat:
		return msg, nil
	case "":
		return msg, newError(CodeBadRequest, "missing type")
	default:
		return msg, newError(CodeBadRequest, "unknown type %q", msg.Type)
	}
}

// DecodeEngineEvent parses and validates an engine envelope.
func DecodeEngineEvent(data []byte) (EngineEvent, error) {
	var ev EngineEvent
	if err := codec.Unmarshal(data, &ev); err != nil {
		return ev, wrapError(CodeBadRequest, err, "malformed event")
	}
	return ev, ev.Validate()
}

// Validate checks the fields required by the event type.
func (ev EngineEvent) Validate() error {
	switch ev.Type {
	case EngineCallStarted, EngineCallAnswered, EngineCallEnded, EngineTakeoverYield, EngineTakeoverObject:
	case EngineTranscriptFragment:
		if ev.Seq <= 0 {
			return newError(CodeBadRequest, "transcriptFragment requires seq >= 1")
		}
	case "":
		return newError(CodeBadRequest, "missing type")
	default:
		return newError(CodeBadRequest, "unknown event type %q", ev.Type)
	}
	if strings.TrimSpace(ev.CallID) == "" {
		return newError(CodeBadRequest, "%s requires callId", ev.Type)
	}
	return nil
}

// EncodeOutbound serializes a frame for the wire.
func EncodeOutbound(msg OutboundMessage) ([]byte, error) {
	return codec.Marshal(msg)
}

// DecodeOutbound is used by console clients.
func DecodeOutbound(data []byte) (OutboundMessage, error) {
	var msg OutboundMessage
	if err := codec.Unmarshal(data, &msg); err != nil {
		return msg, wrapError(CodeBadRequest, err, "malformed frame")
	}
	return msg, nil
}

func snapshotMessage(s *CallSnapshot) OutboundMessage {
	seq := s.LastDeliveredSequence
	return OutboundMessage{
		Type:                  MsgSnapshot,
		CallID:                s.CallID,
		State:                 s.State,
		Controller:            s.Controller,
		LastDeliveredSequence: &seq,
	}
}

func stateChangedMessage(c *call) OutboundMessage {
	return OutboundMessage{
		Type:       MsgStateChanged,
		CallID:     c.id,
		State:      c.state,
		Controller: c.controller,
	}
}

func transcriptMessage(callID string, seq int64, text string) OutboundMessage {
	return OutboundMessage{Type: MsgTranscript, CallID: callID, Seq: seq, Text: text}
}

func takeoverPendingMessage(req *TakeoverRequest) OutboundMessage {
	deadline := req.Deadline
	return OutboundMessage{
		Type:      MsgTakeoverPending,
		CallID:    req.CallID,
		RequestID: req.RequestID,
		Deadline:  &deadline,
	}
}

func takeoverGrantedMessage(callID, sessionID, requestID string) OutboundMessage {
	return OutboundMessage{Type: MsgTakeoverGranted, CallID: callID, SessionID: sessionID, RequestID: requestID}
}

func takeoverDeniedMessage(req *TakeoverRequest, reasonCode string, retryable bool) OutboundMessage {
	return OutboundMessage{
		Type:       MsgTakeoverDenied,
		CallID:     req.CallID,
		RequestID:  req.RequestID,
		ReasonCode: reasonCode,
		Retryable:  retryable,
	}
}

func escalationRaisedMessage(rec *EscalationRecord) OutboundMessage {
	return OutboundMessage{
		Type:          MsgEscalationRaised,
		CallID:        rec.CallID,
		EscalationID:  rec.EscalationID,
		SessionID:     rec.SessionID,
		EmergencyType: rec.EmergencyType,
		Detail:        rec.Detail,
	}
}

func escalationAcknowledgedMessage(rec *EscalationRecord) OutboundMessage {
	return OutboundMessage{
		Type:         MsgEscalationAcknowledged,
		CallID:       rec.CallID,
		EscalationID: rec.EscalationID,
		SessionID:    rec.AcknowledgedBy,
	}
}

func sessionClosedMessage(reasonCode string) OutboundMessage {
	return OutboundMessage{Type: MsgSessionClosed, ReasonCode: reasonCode}
}

// ErrorMessage converts an operation failure into an error frame.
func ErrorMessage(err error, ref string) OutboundMessage {
	msg := OutboundMessage{Type: MsgError, Ref: ref, Code: CodeOf(err), Message: err.Error()}
	if msg.Code == "" {
		msg.Code = CodeBadRequest
	}
	msg.Retryable = IsRetryable(err)
	return msg
}
