package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	base   time.Time
	offset atomic.Int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{base: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	return c.base.Add(time.Duration(c.offset.Load()))
}

func (c *fakeClock) Advance(d time.Duration) {
	c.offset.Add(int64(d))
}

type memEscalations struct {
	mu    sync.Mutex
	saved map[string]EscalationRecord
}

func (m *memEscalations) SaveEscalation(_ context.Context, rec EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]EscalationRecord)
	}
	m.saved[rec.EscalationID] = rec
	return nil
}

func (m *memEscalations) AcknowledgeEscalation(_ context.Context, id, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.saved[id]
	rec.Acknowledged = true
	rec.AcknowledgedBy = by
	rec.AcknowledgedAt = &at
	m.saved[id] = rec
	return nil
}

func (m *memEscalations) get(id string) (EscalationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.saved[id]
	return rec, ok
}

type fixture struct {
	t     *testing.T
	c     *Coordinator
	sink  *MemoryAuditSink
	store *memEscalations
	clock *fakeClock
}

var testCredentials = auth.StaticValidator{
	"k-d1":  {Secret: "s", Principal: auth.Principal{DispatcherID: "D1", Role: auth.RoleDispatcher}},
	"k-d2":  {Secret: "s", Principal: auth.Principal{DispatcherID: "D2", Role: auth.RoleDispatcher}},
	"k-sup": {Secret: "s", Principal: auth.Principal{DispatcherID: "S1", Role: auth.RoleSupervisor}},
	"k-obs": {Secret: "s", Principal: auth.Principal{DispatcherID: "O1", Role: auth.RoleObserver}},
}

// newFixture builds a started coordinator with a 50ms grace window. The
// session clock is fake so heartbeat expiry can be driven by Reap.
func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.GraceWindow = 50 * time.Millisecond
	cfg.Retention = time.Minute
	cfg.ReapInterval = time.Hour
	cfg.HeartbeatTimeout = 30 * time.Second
	cfg.ReleaseRetryDelay = 10 * time.Millisecond
	cfg.AuditTimeout = 2 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{t: t, sink: NewMemoryAuditSink(), store: &memEscalations{}, clock: newFakeClock()}
	c, err := New(cfg, Deps{
		Audit:       f.sink,
		Escalations: f.store,
		Validator:   testCredentials,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	c.sessions.now = f.clock.Now
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	f.c = c
	return f
}

func (f *fixture) open(key string) *Session {
	f.t.Helper()
	s, err := f.c.OpenSession(context.Background(), auth.Credential{APIKey: key, APISecret: "s"})
	require.NoError(f.t, err)
	next(f.t, s, MsgSessionOpened)
	return s
}

// answered registers callID and moves it to ai_handling.
func (f *fixture) answered(callID string) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.c.HandleEngineEvent(ctx, EngineEvent{Type: EngineCallStarted, CallID: callID}))
	require.NoError(f.t, f.c.HandleEngineEvent(ctx, EngineEvent{Type: EngineCallAnswered, CallID: callID}))
}

func (f *fixture) subscribe(s *Session, callID string) {
	f.t.Helper()
	_, err := f.c.Subscribe(context.Background(), s.ID, callID)
	require.NoError(f.t, err)
	next(f.t, s, MsgSnapshot)
}

func (f *fixture) snapshot(callID string) CallSnapshot {
	f.t.Helper()
	snap, err := f.c.Snapshot(callID)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) entries(callID string, action AuditAction) []AuditEntry {
	var out []AuditEntry
	for _, e := range f.sink.Entries() {
		if e.CallID == callID && (action == "" || e.Action == action) {
			out = append(out, e)
		}
	}
	return out
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, s *Session, typ string) OutboundMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.Outbound():
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("session %s: no %s frame", s.ID, typ)
			return OutboundMessage{}
		}
	}
}

// drain returns everything currently queued.
func drain(s *Session) []OutboundMessage {
	return s.Pending(1 << 16)
}
