package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/reconnect"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeServer opens a session per connection, records inbound frames and
// drops the first connection once it has seen a subscribe.
type fakeServer struct {
	mu       sync.Mutex
	conns    int
	inbound  [][]dispatch.InboundMessage
	upgrader websocket.Upgrader
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderAPIKey) != "k" || r.Header.Get(HeaderAPISecret) != "s" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.inbound = append(s.inbound, nil)
	s.mu.Unlock()

	write := func(msg dispatch.OutboundMessage) {
		data, _ := dispatch.EncodeOutbound(msg)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	write(dispatch.OutboundMessage{Type: dispatch.MsgSessionOpened, SessionID: "s" + string(rune('0'+n))})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := dispatch.DecodeInbound(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.inbound[n-1] = append(s.inbound[n-1], msg)
		s.mu.Unlock()

		if msg.Type == dispatch.MsgSubscribe {
			seq := int64(0)
			write(dispatch.OutboundMessage{Type: dispatch.MsgSnapshot, CallID: msg.CallID, State: dispatch.StateAIHandling, LastDeliveredSequence: &seq})
			if n == 1 {
				return
			}
		}
	}
}

func (s *fakeServer) received(conn int) []dispatch.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn >= len(s.inbound) {
		return nil
	}
	return append([]dispatch.InboundMessage(nil), s.inbound[conn]...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastStrategy() *reconnect.ExponentialBackoffStrategy {
	s := reconnect.NewExponentialBackoffStrategy()
	s.InitialDelay = 10 * time.Millisecond
	s.MaxAttempts = 5
	return s
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "k", APISecret: "s", Strategy: fastStrategy(), HeartbeatInterval: time.Hour}, zap.NewNop())
	require.NoError(t, c.Subscribe("C1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var snapshots []dispatch.OutboundMessage
	timeout := time.After(3 * time.Second)
	for len(snapshots) < 2 {
		select {
		case m := <-c.Frames():
			if m.Type == dispatch.MsgSnapshot {
				snapshots = append(snapshots, m)
			}
		case <-timeout:
			t.Fatalf("got %d snapshots", len(snapshots))
		}
	}
	assert.Equal(t, "C1", snapshots[1].CallID)

	second := fs.received(1)
	require.NotEmpty(t, second)
	assert.Equal(t, dispatch.MsgSubscribe, second[0].Type)
	assert.Equal(t, "C1", second[0].CallID)
	assert.Equal(t, "s2", c.SessionID())

	require.NoError(t, c.RequestTakeover("C1", "help"))
	assert.Eventually(t, func() bool { return len(fs.received(1)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, dispatch.MsgRequestTakeover, fs.received(1)[1].Type)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClient_AuthRejectedIsPermanent(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "k", APISecret: "wrong", Strategy: fastStrategy()}, zap.NewNop())
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.ErrorIs(t, err, reconnect.ErrGaveUp)
}

func TestClient_StopsOnLogout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []dispatch.OutboundMessage{
			{Type: dispatch.MsgSessionOpened, SessionID: "s1"},
			{Type: dispatch.MsgSessionClosed, ReasonCode: dispatch.ReasonLogout},
		} {
			data, _ := sonic.ConfigStd.Marshal(msg)
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "k", APISecret: "s", Strategy: fastStrategy()}, zap.NewNop())
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)

	closed := <-c.Frames()
	assert.Equal(t, dispatch.MsgSessionClosed, closed.Type)
	assert.Empty(t, c.SessionID())
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0"}, zap.NewNop())
	assert.ErrorIs(t, c.Release("C1"), ErrNotConnected)
	require.NoError(t, c.Subscribe("C2"))
	require.NoError(t, c.Subscribe("C1"))
	require.NoError(t, c.Unsubscribe("C2"))
	assert.Equal(t, []string{"C1"}, c.Subscriptions())
}
