package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is one connected dispatcher console. The transport reads frames
// from Outbound until Done is closed.
type Session struct {
	ID        string
	Principal auth.Principal
	OpenedAt  time.Time

	mu         sync.Mutex
	subs       map[string]struct{}
	sendSeq    uint64
	out        chan OutboundMessage
	done       chan struct{}
	closed     bool
	overflowed bool
	reason     string
	lastBeat   atomic.Int64
	onOverflow func(*Session)
}

func newSession(p auth.Principal, queue int, now time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Principal: p,
		OpenedAt:  now,
		subs:      make(map[string]struct{}),
		out:       make(chan OutboundMessage, queue),
		done:      make(chan struct{}),
	}
	s.lastBeat.Store(now.UnixNano())
	return s
}

// Outbound yields frames in send order.
func (s *Session) Outbound() <-chan OutboundMessage {
	return s.out
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason is empty while the session is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// Subscriptions returns the subscribed call ids, sorted.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Subscribed(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[callID]
	return ok
}

// Send queues a frame without blocking. A full queue means the console cannot
// keep up; the session is then closed as slow_consumer instead of dropping
// frames silently.
func (s *Session) Send(msg OutboundMessage) bool {
	s.mu.Lock()
	if s.closed || s.overflowed {
		s.mu.Unlock()
		return false
	}
	msg.MsgSeq = s.sendSeq + 1
	select {
	case s.out <- msg:
		s.sendSeq++
		s.mu.Unlock()
		return true
	default:
	}
	s.overflowed = true
	cb := s.onOverflow
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return false
}

// FinalMessage builds the sessionClosed frame that ends the stream.
func (s *Session) FinalMessage() OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := sessionClosedMessage(s.reason)
	msg.MsgSeq = s.sendSeq + 1
	return msg
}

// Pending drains what is still queued, up to max frames. Used by writers to
// flush on a clean close.
func (s *Session) Pending(max int) []OutboundMessage {
	var out []OutboundMessage
	for len(out) < max {
		select {
		case msg := <-s.out:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

func (s *Session) markClosed(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	return true
}

func (s *Session) touch(now time.Time) {
	s.lastBeat.Store(now.UnixNano())
}

func (s *Session) addSub(callID string) {
	s.mu.Lock()
	s.subs[callID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeSub(callID string) {
	s.mu.Lock()
	delete(s.subs, callID)
	s.mu.Unlock()
}

// SessionInfo is a read-only view for status endpoints.
type SessionInfo struct {
	SessionID     string    `json:"sessionId"`
	DispatcherID  string    `json:"dispatcherId"`
	Role          auth.Role `json:"role"`
	OpenedAt      time.Time `json:"openedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Subscriptions []string  `json:"subscriptions"`
}

// SessionManager owns every live session.
type SessionManager struct {
	cfg     Config
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
	bus     *events.EventBus
	bcast   *Broadcaster

	mu       sync.RWMutex
	sessions map[string]*Session

	// called after a session is gone, outside any lock
	onClose func(s *Session, reason string)
}

func NewSessionManager(cfg Config, bcast *Broadcaster, log *zap.Logger, m *metrics.Metrics, bus *events.EventBus) *SessionManager {
	if log == nil {
		log = zap.L()
	}
	return &SessionManager{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      log,
		metrics:  m,
		bus:      bus,
		bcast:    bcast,
		sessions: make(map[string]*Session),
	}
}

// Open registers a session for an already validated principal.
func (m *SessionManager) Open(p auth.Principal) *Session {
	s := newSession(p, m.cfg.SessionQueue, m.now())
	s.onOverflow = func(s *Session) {
		go func() {
			_ = m.Close(s.ID, ReasonSlowConsumer)
		}()
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.bus.Publish(events.Event{
		Type:   events.SessionOpened,
		Data:   map[string]interface{}{"sessionId": s.ID, "dispatcherId": p.DispatcherID},
		Source: "dispatch",
	})
	m.log.Info("session opened",
		zap.String("sessionId", s.ID),
		zap.String("dispatcherId", p.DispatcherID),
		zap.String("role", string(p.Role)))
	return s
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(CodeUnknownSession, "session %s not found", id)
	}
	return s, nil
}

// Alive reports whether the session is still registered.
func (m *SessionManager) Alive(id string) bool {
	m.mu.RLock()
	_, ok := m.sessions[id]
	m.mu.RUnlock()
	return ok
}

func (m *SessionManager) Heartbeat(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.touch(m.now())
	return nil
}

// Close is idempotent. The session leaves the index before onClose runs, so
// anything onClose does already sees it as gone.
func (m *SessionManager) Close(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok || !s.markClosed(reason) {
		return nil
	}

	m.bcast.RemoveSession(s)
	m.metrics.SessionClosed(reason)
	m.bus.Publish(events.Event{
		Type:   events.SessionClosed,
		Data:   map[string]interface{}{"sessionId": s.ID, "dispatcherId": s.Principal.DispatcherID, "reason": reason},
		Source: "dispatch",
	})
	m.log.Info("session closed",
		zap.String("sessionId", s.ID),
		zap.String("dispatcherId", s.Principal.DispatcherID),
		zap.String("reason", reason))

	if m.onClose != nil {
		m.onClose(s, reason)
	}
	return nil
}

// CloseByPrincipal closes every session of one dispatcher.
func (m *SessionManager) CloseByPrincipal(dispatcherID, reason string) int {
	m.mu.RLock()
	var ids []string
	for id, s := range m.sessions {
		if s.Principal.DispatcherID == dispatcherID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Close(id, reason)
	}
	return len(ids)
}

func (m *SessionManager) CloseAll(reason string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Close(id, reason)
	}
	return len(ids)
}

// Reap closes sessions silent for longer than HeartbeatTimeout.
func (m *SessionManager) Reap() []string {
	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.log.Warn("session heartbeat expired", zap.String("sessionId", id))
		_ = m.Close(id, ReasonSessionTimeout)
	}
	return stale
}

// Run reaps on a ticker until ctx is done.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) List() []SessionInfo {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			SessionID:     s.ID,
			DispatcherID:  s.Principal.DispatcherID,
			Role:          s.Principal.Role,
			OpenedAt:      s.OpenedAt,
			LastHeartbeat: s.LastHeartbeat(),
			Subscriptions: s.Subscriptions(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}
