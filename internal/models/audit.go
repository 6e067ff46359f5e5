package models

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"gorm.io/gorm"
)

const (
	defaultAuditQueryLimit = 500
	maxAuditQueryLimit     = 5000
)

// AuditRecord 控制权审计日志，只追加不修改
type AuditRecord struct {
	ID              uint      `json:"-" gorm:"primaryKey"`
	Sequence        uint64    `json:"sequence" gorm:"uniqueIndex;not null"`
	CallID          string    `json:"callId" gorm:"size:128;index;not null"`
	Actor           string    `json:"actor" gorm:"size:128;not null"`
	Action          string    `json:"action" gorm:"size:64;index;not null"`
	PriorController string    `json:"priorController" gorm:"size:128"`
	NewController   string    `json:"newController" gorm:"size:128"`
	Outcome         string    `json:"outcome" gorm:"size:64"`
	Reason          string    `json:"reason,omitempty" gorm:"size:128"`
	Detail          string    `json:"detail,omitempty" gorm:"size:1024"`
	Ref             string    `json:"ref,omitempty" gorm:"size:128;index"`
	Timestamp       time.Time `json:"timestamp" gorm:"index;not null"`
	CreatedAt       time.Time `json:"-" gorm:"autoCreateTime"`
}

func (AuditRecord) TableName() string {
	return "dispatch_audit_log"
}

func newAuditRecord(e dispatch.AuditEntry) AuditRecord {
	return AuditRecord{
		Sequence:        e.Sequence,
		CallID:          e.CallID,
		Actor:           e.Actor,
		Action:          string(e.Action),
		PriorController: e.PriorController,
		NewController:   e.NewController,
		Outcome:         e.Outcome,
		Reason:          e.Reason,
		Detail:          e.Detail,
		Ref:             e.Ref,
		Timestamp:       e.Timestamp,
	}
}

// Entry converts back to the dispatch type.
func (r AuditRecord) Entry() dispatch.AuditEntry {
	return dispatch.AuditEntry{
		Sequence:        r.Sequence,
		CallID:          r.CallID,
		Actor:           r.Actor,
		Action:          dispatch.AuditAction(r.Action),
		PriorController: r.PriorController,
		NewController:   r.NewController,
		Outcome:         r.Outcome,
		Reason:          r.Reason,
		Detail:          r.Detail,
		Ref:             r.Ref,
		Timestamp:       r.Timestamp,
	}
}

var _ dispatch.AuditBatchSink = (*GormAuditSink)(nil)

// GormAuditSink persists audit entries through gorm.
type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (s *GormAuditSink) Write(ctx context.Context, entry dispatch.AuditEntry) error {
	rec := newAuditRecord(entry)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// WriteBatch 同一事务写入，任一失败全部回滚
func (s *GormAuditSink) WriteBatch(ctx context.Context, entries []dispatch.AuditEntry) error {
	recs := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, newAuditRecord(e))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range recs {
			if err := tx.Create(&recs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormAuditSink) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	return last, err
}

func (s *GormAuditSink) Query(ctx context.Context, q dispatch.AuditQuery) ([]dispatch.AuditEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAuditQueryLimit
	}
	if limit > maxAuditQueryLimit {
		limit = maxAuditQueryLimit
	}

	tx := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.CallID != "" {
		tx = tx.Where("call_id = ?", q.CallID)
	}
	if q.AfterSeq > 0 {
		tx = tx.Where("sequence > ?", q.AfterSeq)
	}
	if q.BeforeSeq > 0 {
		tx = tx.Where("sequence < ?", q.BeforeSeq)
	}

	var records []AuditRecord
	if err := tx.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]dispatch.AuditEntry, 0, len(records))
	for _, r := range records {
		out = append(out, r.Entry())
	}
	return out, nil
}
