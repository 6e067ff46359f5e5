package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	stores "github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	archivePrefix        = "audit/"
	archiveCheckpointKey = archivePrefix + "checkpoint"
	archiveBatch         = 1000
)

// AuditSource is the read side of the audit log.
type AuditSource interface {
	Query(ctx context.Context, q dispatch.AuditQuery) ([]dispatch.AuditEntry, error)
}

// ArchiveKey names the object holding entries first..last, bucketed by the
// UTC day of the first entry.
func ArchiveKey(first, last dispatch.AuditEntry) string {
	return fmt.Sprintf("%s%s/%020d-%020d.jsonl", archivePrefix,
		first.Timestamp.UTC().Format("2006-01-02"), first.Sequence, last.Sequence)
}

// ReadArchiveCheckpoint returns the last archived sequence, 0 if none.
func ReadArchiveCheckpoint(ctx context.Context, store stores.Store) (uint64, error) {
	rc, _, err := store.Read(ctx, archiveCheckpointKey)
	if errors.Is(err, stores.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// ArchiveAudit copies every entry after the checkpoint into JSON-lines
// objects, one per batch, and advances the checkpoint after each object.
// Re-running after a partial failure rewrites the same keys.
func ArchiveAudit(ctx context.Context, src AuditSource, store stores.Store, batch int) (int, error) {
	if batch <= 0 {
		batch = archiveBatch
	}
	after, err := ReadArchiveCheckpoint(ctx, store)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	archived := 0
	for {
		entries, err := src.Query(ctx, dispatch.AuditQuery{AfterSeq: after, Limit: batch})
		if err != nil {
			return archived, err
		}
		if len(entries) == 0 {
			return archived, nil
		}

		var buf bytes.Buffer
		enc := sonic.ConfigStd.NewEncoder(&buf)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return archived, err
			}
		}
		first, last := entries[0], entries[len(entries)-1]
		if err := store.Write(ctx, ArchiveKey(first, last), &buf); err != nil {
			return archived, fmt.Errorf("write archive: %w", err)
		}
		if err := store.Write(ctx, archiveCheckpointKey, strings.NewReader(strconv.FormatUint(last.Sequence, 10))); err != nil {
			return archived, fmt.Errorf("write checkpoint: %w", err)
		}
		archived += len(entries)
		after = last.Sequence
		if len(entries) < batch {
			return archived, nil
		}
	}
}

// StartAuditArchiver 每小时把新增审计日志归档到对象存储
func StartAuditArchiver(src AuditSource, store stores.Store) (*cron.Cron, error) {
	cr := cron.New()
	schedule := "@hourly"
	_, err := cr.AddFunc(schedule, func() {
		n, err := ArchiveAudit(context.Background(), src, store, archiveBatch)
		if err != nil {
			logger.Error("audit archive failed", zap.Int("archived", n), zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("audit archived", zap.Int("entries", n))
		}
	})
	if err != nil {
		logger.Error("Failed to add audit archive cron job", zap.Error(err))
		return nil, err
	}
	cr.Start()
	logger.Info("Audit archiver started", zap.String("schedule", schedule))
	return cr, nil
}
