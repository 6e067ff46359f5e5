package task

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	stores "github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillSink(t *testing.T, sink *dispatch.MemoryAuditSink, from, to uint64, at time.Time) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, sink.Write(context.Background(), dispatch.AuditEntry{
			Sequence:  seq,
			CallID:    "C1",
			Actor:     dispatch.ActorEngine,
			Action:    dispatch.ActionCallAnswered,
			Timestamp: at,
		}))
	}
}

func readLines(t *testing.T, store stores.Store, key string) []dispatch.AuditEntry {
	t.Helper()
	rc, _, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	var out []dispatch.AuditEntry
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var e dispatch.AuditEntry
		require.NoError(t, sonic.ConfigStd.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveAudit(t *testing.T) {
	ctx := context.Background()
	sink := dispatch.NewMemoryAuditSink()
	store := stores.NewLocalStore(t.TempDir())
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	fillSink(t, sink, 1, 5, day)

	n, err := ArchiveAudit(ctx, sink, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	cp, err := ReadArchiveCheckpoint(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp)

	batch := readLines(t, store, "audit/2026-03-01/00000000000000000003-00000000000000000004.jsonl")
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(3), batch[0].Sequence)
	assert.Equal(t, dispatch.ActionCallAnswered, batch[1].Action)

	// 只归档新增部分
	fillSink(t, sink, 6, 6, day.Add(2*time.Hour))
	n, err = ArchiveAudit(ctx, sink, store, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := store.Exists(ctx, "audit/2026-03-02/00000000000000000006-00000000000000000006.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = ArchiveAudit(ctx, sink, store, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadArchiveCheckpoint_Empty(t *testing.T) {
	cp, err := ReadArchiveCheckpoint(context.Background(), stores.NewLocalStore(t.TempDir()))
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func TestStartAuditArchiver(t *testing.T) {
	cr, err := StartAuditArchiver(dispatch.NewMemoryAuditSink(), stores.NewLocalStore(t.TempDir()))
	require.NoError(t, err)
	assert.Len(t, cr.Entries(), 1)
	<-cr.Stop().Done()
}
