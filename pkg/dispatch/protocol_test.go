package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code Code
	}{
		{"subscribe", `{"type":"subscribe","callId":"C1"}`, ""},
		{"heartbeat", `{"type":"heartbeat"}`, ""},
		{"escalate", `{"type":"emergencyEscalate","callId":"C1","emergencyType":"fire","detail":"smoke"}`, ""},
		{"ack", `{"type":"acknowledgeEscalation","escalationId":"esc_1"}`, ""},
		{"cancel without request", `{"type":"cancelTakeover"}`, CodeBadRequest},
		{"escalate without type", `{"type":"emergencyEscalate","callId":"C1"}`, CodeBadRequest},
		{"takeover without call", `{"type":"requestTakeover","reason":"x"}`, CodeBadRequest},
		{"missing type", `{"callId":"C1"}`, CodeBadRequest},
		{"unknown type", `{"type":"dance"}`, CodeBadRequest},
		{"not json", `{"type":`, CodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.raw))
			if tc.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}
}

func TestDecodeEngineEvent(t *testing.T) {
	ev, err := DecodeEngineEvent([]byte(`{"type":"transcriptFragment","callId":"C1","seq":3,"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, "hello", ev.Text)

	_, err = DecodeEngineEvent([]byte(`{"type":"transcriptFragment","callId":"C1","text":"no seq"}`))
	assert.True(t, IsCode(err, CodeBadRequest))

	_, err = DecodeEngineEvent([]byte(`{"type":"callStarted"}`))
	assert.True(t, IsCode(err, CodeBadRequest))
}

func TestEncodeOutbound_SnapshotKeepsZeroSequence(t *testing.T) {
	msg := snapshotMessage(&CallSnapshot{CallID: "C1", State: StateRinging, Controller: ControllerNone})
	data, err := EncodeOutbound(msg)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"lastDeliveredSequence":0`), string(data))

	back, err := DecodeOutbound(data)
	require.NoError(t, err)
	require.NotNil(t, back.LastDeliveredSequence)
	assert.Equal(t, StateRinging, back.State)
}

func TestErrorMessage(t *testing.T) {
	m := ErrorMessage(newError(CodeTakeoverInProgress, "busy"), "r1")
	assert.Equal(t, MsgError, m.Type)
	assert.Equal(t, CodeTakeoverInProgress, m.Code)
	assert.Equal(t, "r1", m.Ref)
	assert.False(t, m.Retryable)

	m = ErrorMessage(wrapError(CodeAuditWriteFailed, errors.New("disk"), "x"), "")
	assert.True(t, m.Retryable)

	m = ErrorMessage(errors.New("plain"), "")
	assert.Equal(t, CodeBadRequest, m.Code)
}
