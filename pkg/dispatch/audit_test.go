package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuditWriter_GaplessAcrossFailures(t *testing.T) {
	sink := NewMemoryAuditSink()
	w := NewAuditWriter(sink, zap.NewNop(), nil)
	ctx := context.Background()

	e, err := w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionCallAnswered})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.False(t, e.Timestamp.IsZero())

	sink.SetFailing(true)
	_, err = w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionRelease})
	assert.True(t, IsCode(err, CodeAuditWriteFailed))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, ErrSinkUnavailable))
	assert.Equal(t, int64(1), w.ConsecutiveFailures())

	sink.SetFailing(false)
	e, err = w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionRelease})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	assert.Zero(t, w.ConsecutiveFailures())
	assert.Len(t, sink.Entries(), 2)
}

func TestAuditWriter_ConcurrentAppendsStrictlyIncreasing(t *testing.T) {
	sink := NewMemoryAuditSink()
	w := NewAuditWriter(sink, zap.NewNop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Append(context.Background(), AuditEntry{CallID: "C", Action: ActionCallEnded})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := sink.Entries()
	require.Len(t, entries, 50)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.Equal(t, uint64(50), w.Sequence())
}

func TestAuditWriter_InitResumesAndTimeout(t *testing.T) {
	sink := NewMemoryAuditSink()
	first := NewAuditWriter(sink, zap.NewNop(), nil)
	for i := 0; i < 3; i++ {
		_, err := first.Append(context.Background(), AuditEntry{CallID: "C"})
		require.NoError(t, err)
	}

	w := NewAuditWriter(sink, zap.NewNop(), nil)
	require.NoError(t, w.Init(context.Background()))
	assert.Equal(t, uint64(3), w.Sequence())

	sink.SetDelay(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Append(ctx, AuditEntry{CallID: "C"})
	assert.True(t, IsCode(err, CodeAuditWriteFailed))
	assert.Equal(t, uint64(3), w.Sequence())
}

func TestMemoryAuditSink_Query(t *testing.T) {
	sink := NewMemoryAuditSink()
	w := NewAuditWriter(sink, zap.NewNop(), nil)
	for _, id := range []string{"A", "B", "A", "A", "B"} {
		_, err := w.Append(context.Background(), AuditEntry{CallID: id})
		require.NoError(t, err)
	}

	got, err := w.Query(context.Background(), AuditQuery{CallID: "A"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 3, 4}, []uint64{got[0].Sequence, got[1].Sequence, got[2].Sequence})

	got, err = w.Query(context.Background(), AuditQuery{AfterSeq: 2, BeforeSeq: 5})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = w.Query(context.Background(), AuditQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAuditWriter_ResyncsAfterAmbiguousWrite(t *testing.T) {
	sink := NewMemoryAuditSink()
	w := NewAuditWriter(sink, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionCallAnswered})
	require.NoError(t, err)

	// the entry lands but the caller sees a timeout
	sink.FailAfterCommit(context.DeadlineExceeded)
	_, err = w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionRelease})
	assert.True(t, IsCode(err, CodeAuditWriteFailed))
	assert.Len(t, sink.Entries(), 2)

	for i := 0; i < 3; i++ {
		e, err := w.Append(ctx, AuditEntry{CallID: "C1", Action: ActionRelease})
		require.NoError(t, err)
		assert.Equal(t, uint64(3+i), e.Sequence)
	}
	assert.Equal(t, uint64(5), w.Sequence())
	assert.Zero(t, w.ConsecutiveFailures())
}

func TestAuditWriter_AppendBatch(t *testing.T) {
	sink := NewMemoryAuditSink()
	w := NewAuditWriter(sink, zap.NewNop(), nil)
	ctx := context.Background()

	out, err := w.AppendBatch(ctx, []AuditEntry{
		{CallID: "C1", Action: ActionTakeoverDenied},
		{CallID: "C1", Action: ActionEmergencyEscalate},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].Sequence)
	assert.Equal(t, uint64(2), out[1].Sequence)

	sink.FailAction(ActionEmergencyEscalate)
	_, err = w.AppendBatch(ctx, []AuditEntry{
		{CallID: "C1", Action: ActionTakeoverDenied},
		{CallID: "C1", Action: ActionEmergencyEscalate},
	})
	assert.True(t, IsCode(err, CodeAuditWriteFailed))
	assert.Len(t, sink.Entries(), 2)
	assert.Equal(t, uint64(2), w.Sequence())

	out, err = w.AppendBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

type singleWriteSink struct {
	AuditSink
}

func TestAuditWriter_BatchNeedsBatchSink(t *testing.T) {
	w := NewAuditWriter(singleWriteSink{NewMemoryAuditSink()}, zap.NewNop(), nil)
	_, err := w.AppendBatch(context.Background(), []AuditEntry{{CallID: "C"}, {CallID: "C"}})
	assert.True(t, IsCode(err, CodeAuditWriteFailed))

	e, err := w.Append(context.Background(), AuditEntry{CallID: "C"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
}
