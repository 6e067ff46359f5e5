// Package console is a Go client for the dispatcher console protocol. It
// keeps one session open, reconnecting under the shared reconnect policy, and
// resubscribes to every call after each reconnect; the server answers each
// subscribe with a fresh snapshot.
package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/reconnect"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderAPISecret = "X-API-Secret"
)

var (
	// ErrAuthRejected means the server refused the credential; retrying will
	// not help.
	ErrAuthRejected = errors.New("console: credential rejected")
	ErrNotConnected = errors.New("console: not connected")
	// ErrLoggedOut ends Run when the server closes the session for logout.
	ErrLoggedOut = errors.New("console: logged out")
)

// SessionClosedError carries the server's reasonCode.
type SessionClosedError struct {
	Reason string
}

func (e *SessionClosedError) Error() string {
	return "console: session closed: " + e.Reason
}

type Config struct {
	URL               string
	APIKey            string
	APISecret         string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	FrameBuffer       int
	Strategy          *reconnect.ExponentialBackoffStrategy
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 256
	}
	if c.Strategy == nil {
		c.Strategy = reconnect.NewExponentialBackoffStrategy()
	}
	if c.Strategy.Permanent == nil {
		c.Strategy.Permanent = func(err error) bool { return errors.Is(err, ErrAuthRejected) }
	}
	return c
}

// Client 控制台客户端
type Client struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer
	mgr    *reconnect.Manager
	frames chan dispatch.OutboundMessage

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	subs      map[string]struct{}

	writeMu sync.Mutex
}

func New(cfg Config, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.L()
	}
	log = log.Named("console")
	return &Client{
		cfg: cfg,
		log: log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		mgr:    reconnect.NewManager(log, cfg.Strategy),
		frames: make(chan dispatch.OutboundMessage, cfg.FrameBuffer),
		subs:   make(map[string]struct{}),
	}
}

// Frames delivers every server frame except sessionOpened, in order.
func (c *Client) Frames() <-chan dispatch.OutboundMessage {
	return c.frames
}

// SessionID of the current connection; empty while disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Subscriptions returns the calls that will be resubscribed on reconnect.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run connects and keeps the session alive until ctx ends, the credential is
// rejected, the dispatcher is logged out, or the reconnect policy gives up.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.mgr.Run(ctx, c.connect); err != nil {
			return err
		}
		err := c.serve(ctx)
		c.drop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var closed *SessionClosedError
		if errors.As(err, &closed) && closed.Reason == dispatch.ReasonLogout {
			return ErrLoggedOut
		}
		c.log.Warn("console connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set(HeaderAPIKey, c.cfg.APIKey)
	header.Set(HeaderAPISecret, c.cfg.APISecret)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrAuthRejected
		}
		return fmt.Errorf("console: dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	first, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("console: read sessionOpened: %w", err)
	}
	if first.Type != dispatch.MsgSessionOpened {
		conn.Close()
		return fmt.Errorf("console: unexpected first frame %q", first.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.sessionID = first.SessionID
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()

	sort.Strings(subs)
	for _, id := range subs {
		if err := c.Send(dispatch.InboundMessage{Type: dispatch.MsgSubscribe, CallID: id}); err != nil {
			c.drop()
			return err
		}
	}
	c.log.Info("console session opened",
		zap.String("sessionId", first.SessionID),
		zap.Int("resubscribed", len(subs)))
	return nil
}

func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(hbCtx)
	go func() {
		<-hbCtx.Done()
		if ctx.Err() != nil {
			conn.Close()
		}
	}()

	for {
		msg, err := readFrame(conn)
		if err != nil {
			return err
		}
		if msg.Type == dispatch.MsgSessionClosed {
			c.deliver(ctx, msg)
			return &SessionClosedError{Reason: msg.ReasonCode}
		}
		c.deliver(ctx, msg)
	}
}

func (c *Client) deliver(ctx context.Context, msg dispatch.OutboundMessage) {
	select {
	case c.frames <- msg:
	case <-ctx.Done():
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(dispatch.InboundMessage{Type: dispatch.MsgHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.sessionID = ""
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close ends the current connection; Run returns once ctx is cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

// Send writes one frame on the current connection.
func (c *Client) Send(msg dispatch.InboundMessage) error {
	data, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe remembers callID for resubscription and subscribes now if
// connected.
func (c *Client) Subscribe(callID string) error {
	c.mu.Lock()
	c.subs[callID] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgSubscribe, CallID: callID})
}

func (c *Client) Unsubscribe(callID string) error {
	c.mu.Lock()
	delete(c.subs, callID)
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgUnsubscribe, CallID: callID})
}

func (c *Client) RequestTakeover(callID, reason string) error {
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgRequestTakeover, CallID: callID, Reason: reason})
}

func (c *Client) CancelTakeover(requestID string) error {
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgCancelTakeover, RequestID: requestID})
}

func (c *Client) Release(callID string) error {
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgRelease, CallID: callID})
}

func (c *Client) EmergencyEscalate(callID, emergencyType, detail string) error {
	return c.Send(dispatch.InboundMessage{
		Type:          dispatch.MsgEmergencyEscalate,
		CallID:        callID,
		EmergencyType: emergencyType,
		Detail:        detail,
	})
}

func (c *Client) AcknowledgeEscalation(escalationID string) error {
	return c.Send(dispatch.InboundMessage{Type: dispatch.MsgAcknowledgeEscalation, EscalationID: escalationID})
}

func readFrame(conn *websocket.Conn) (dispatch.OutboundMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return dispatch.OutboundMessage{}, err
	}
	return dispatch.DecodeOutbound(data)
}
