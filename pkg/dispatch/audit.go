package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"go.uber.org/zap"
)

// AuditAction names a control action that was recorded.
type AuditAction string

const (
	ActionCallAnswered       AuditAction = "call_answered"
	ActionCallEnded          AuditAction = "call_ended"
	ActionTakeoverGranted    AuditAction = "takeover_granted"
	ActionTakeoverDenied     AuditAction = "takeover_denied"
	ActionTakeoverCancelled  AuditAction = "takeover_cancelled"
	ActionTakeoverExpired    AuditAction = "takeover_expired"
	ActionRelease            AuditAction = "release"
	ActionInvoluntaryRelease AuditAction = "involuntary_release"
	ActionEmergencyEscalate  AuditAction = "emergency_escalate"
	ActionEscalationAck      AuditAction = "escalation_acknowledged"
)

// Actors that are not sessions.
const (
	ActorAI     = ControllerAI
	ActorEngine = "engine"
)

// AuditEntry is immutable once written. Ref points at the takeover request or
// escalation record the entry is about.
type AuditEntry struct {
	Sequence        uint64      `json:"sequence"`
	CallID          string      `json:"callId"`
	Actor           string      `json:"actor"`
	Action          AuditAction `json:"action"`
	PriorController string      `json:"priorController"`
	NewController   string      `json:"newController"`
	Outcome         string      `json:"outcome"`
	Reason          string      `json:"reason,omitempty"`
	Detail          string      `json:"detail,omitempty"`
	Ref             string      `json:"ref,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// AuditQuery selects entries by call and/or sequence range. Zero values are
// unbounded; Limit <= 0 means the sink's default.
type AuditQuery struct {
	CallID    string
	AfterSeq  uint64
	BeforeSeq uint64
	Limit     int
}

// AuditSink is the durable store behind the writer.
type AuditSink interface {
	Write(ctx context.Context, entry AuditEntry) error
	LastSequence(ctx context.Context) (uint64, error)
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// AuditBatchSink writes several entries as one unit: all of them persist or
// none do.
type AuditBatchSink interface {
	AuditSink
	WriteBatch(ctx context.Context, entries []AuditEntry) error
}

// AuditWriter assigns strictly increasing sequences. Assignment and the sink
// write happen under one lock, so appends are serialized across all calls.
// After a failed write the writer re-reads the sink's last sequence before
// numbering again; a write that committed but reported an error leaves its
// number taken rather than reused.
type AuditWriter struct {
	mu       sync.Mutex
	sink     AuditSink
	seq      uint64
	stale    bool
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
	failures atomic.Int64
}

func NewAuditWriter(sink AuditSink, log *zap.Logger, m *metrics.Metrics) *AuditWriter {
	if log == nil {
		log = zap.L()
	}
	return &AuditWriter{sink: sink, now: time.Now, log: log, metrics: m}
}

// Init resumes numbering after the last entry the sink holds.
func (w *AuditWriter) Init(ctx context.Context) error {
	last, err := w.sink.LastSequence(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.seq = last
	w.mu.Unlock()
	return nil
}

// Append stamps and writes the entry. Any failure, including ctx expiry,
// surfaces as a retryable AuditWriteFailed.
func (w *AuditWriter) Append(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	out, err := w.AppendBatch(ctx, []AuditEntry{entry})
	if err != nil {
		return AuditEntry{}, err
	}
	return out[0], nil
}

// AppendBatch gives the entries consecutive sequences and writes them as one
// unit. More than one entry needs an AuditBatchSink.
func (w *AuditWriter) AppendBatch(ctx context.Context, entries []AuditEntry) ([]AuditEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, w.fail(entries[0], err)
	}
	if w.stale {
		if err := w.resync(ctx); err != nil {
			return nil, w.fail(entries[0], err)
		}
	}

	now := w.now()
	out := make([]AuditEntry, len(entries))
	for i, e := range entries {
		e.Sequence = w.seq + uint64(i) + 1
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		out[i] = e
	}

	start := time.Now()
	err := w.write(ctx, out)
	w.metrics.AuditAppend(err, time.Since(start))
	if err != nil {
		// the write may have landed; trust the sink from here on
		w.stale = true
		return nil, w.fail(out[0], err)
	}
	w.seq = out[len(out)-1].Sequence
	w.failures.Store(0)
	return out, nil
}

func (w *AuditWriter) write(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 1 {
		return w.sink.Write(ctx, entries[0])
	}
	b, ok := w.sink.(AuditBatchSink)
	if !ok {
		return fmt.Errorf("audit sink %T cannot write batches", w.sink)
	}
	return b.WriteBatch(ctx, entries)
}

// resync must be called with w.mu held.
func (w *AuditWriter) resync(ctx context.Context) error {
	last, err := w.sink.LastSequence(ctx)
	if err != nil {
		return err
	}
	if last != w.seq {
		w.log.Warn("audit sequence resynced from sink",
			zap.Uint64("writerSeq", w.seq),
			zap.Uint64("sinkSeq", last))
	}
	w.seq = last
	w.stale = false
	return nil
}

func (w *AuditWriter) fail(entry AuditEntry, err error) error {
	n := w.failures.Add(1)
	w.log.Error("audit write failed",
		zap.String("callId", entry.CallID),
		zap.String("action", string(entry.Action)),
		zap.String("actor", entry.Actor),
		zap.Int64("consecutiveFailures", n),
		zap.Error(err))
	return wrapError(CodeAuditWriteFailed, err, "audit entry not persisted")
}

// Query reads back from the sink.
func (w *AuditWriter) Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	return w.sink.Query(ctx, q)
}

// Sequence is the last sequence successfully written.
func (w *AuditWriter) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ConsecutiveFailures resets to zero after a successful append.
func (w *AuditWriter) ConsecutiveFailures() int64 {
	return w.failures.Load()
}

// ErrSinkUnavailable is returned by MemoryAuditSink while failing is set.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// MemoryAuditSink keeps entries in process. Used in tests and when no
// database is configured.
type MemoryAuditSink struct {
	mu       sync.Mutex
	entries  []AuditEntry
	failing  bool
	failOn   AuditAction
	delay    time.Duration
	afterErr error
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

// SetFailing makes every subsequent Write fail until cleared.
func (s *MemoryAuditSink) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// SetDelay makes Write block for d (or until ctx is done).
func (s *MemoryAuditSink) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// FailAction makes writes fail when they carry an entry with this action.
// An empty action clears it.
func (s *MemoryAuditSink) FailAction(action AuditAction) {
	s.mu.Lock()
	s.failOn = action
	s.mu.Unlock()
}

// FailAfterCommit makes the next write store its entries and still return
// err, like a commit whose acknowledgement was lost.
func (s *MemoryAuditSink) FailAfterCommit(err error) {
	s.mu.Lock()
	s.afterErr = err
	s.mu.Unlock()
}

func (s *MemoryAuditSink) Write(ctx context.Context, entry AuditEntry) error {
	return s.WriteBatch(ctx, []AuditEntry{entry})
}

func (s *MemoryAuditSink) WriteBatch(ctx context.Context, entries []AuditEntry) error {
	s.mu.Lock()
	failing, failOn, delay := s.failing, s.failOn, s.delay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return ErrSinkUnavailable
	}
	for _, e := range entries {
		if failOn != "" && e.Action == failOn {
			return ErrSinkUnavailable
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last := uint64(0)
	if n := len(s.entries); n > 0 {
		last = s.entries[n-1].Sequence
	}
	for _, e := range entries {
		if e.Sequence <= last {
			return fmt.Errorf("audit sequence %d already written", e.Sequence)
		}
		last = e.Sequence
	}
	s.entries = append(s.entries, entries...)
	if err := s.afterErr; err != nil {
		s.afterErr = nil
		return err
	}
	return nil
}

func (s *MemoryAuditSink) LastSequence(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.entries[len(s.entries)-1].Sequence, nil
}

func (s *MemoryAuditSink) Query(_ context.Context, q AuditQuery) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if q.CallID != "" && e.CallID != q.CallID {
			continue
		}
		if e.Sequence <= q.AfterSeq {
			continue
		}
		if q.BeforeSeq > 0 && e.Sequence >= q.BeforeSeq {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Entries returns a copy of everything written.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
