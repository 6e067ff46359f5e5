package models

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Escalation 紧急升级记录，供值班主管查询
type Escalation struct {
	ID             uint       `json:"-" gorm:"primaryKey"`
	CreatedAt      time.Time  `json:"-" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"-" gorm:"autoUpdateTime"`
	EscalationID   string     `json:"escalationId" gorm:"size:64;uniqueIndex;not null"`
	CallID         string     `json:"callId" gorm:"size:128;index;not null"`
	SessionID      string     `json:"sessionId" gorm:"size:64"`
	EmergencyType  string     `json:"emergencyType" gorm:"size:64;index"`
	Detail         string     `json:"detail,omitempty" gorm:"size:1024"`
	IssuedAt       time.Time  `json:"issuedAt" gorm:"index"`
	Acknowledged   bool       `json:"acknowledged" gorm:"index"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty" gorm:"size:64"`
}

func (Escalation) TableName() string {
	return "dispatch_escalations"
}

// Record converts to the dispatch type.
func (e Escalation) Record() dispatch.EscalationRecord {
	return dispatch.EscalationRecord{
		EscalationID:   e.EscalationID,
		CallID:         e.CallID,
		SessionID:      e.SessionID,
		EmergencyType:  e.EmergencyType,
		Detail:         e.Detail,
		IssuedAt:       e.IssuedAt,
		Acknowledged:   e.Acknowledged,
		AcknowledgedAt: e.AcknowledgedAt,
		AcknowledgedBy: e.AcknowledgedBy,
	}
}

// GormEscalationStore implements dispatch.EscalationStore.
type GormEscalationStore struct {
	db *gorm.DB
}

func NewGormEscalationStore(db *gorm.DB) *GormEscalationStore {
	return &GormEscalationStore{db: db}
}

func (s *GormEscalationStore) SaveEscalation(ctx context.Context, rec dispatch.EscalationRecord) error {
	row := Escalation{
		EscalationID:   rec.EscalationID,
		CallID:         rec.CallID,
		SessionID:      rec.SessionID,
		EmergencyType:  rec.EmergencyType,
		Detail:         rec.Detail,
		IssuedAt:       rec.IssuedAt,
		Acknowledged:   rec.Acknowledged,
		AcknowledgedAt: rec.AcknowledgedAt,
		AcknowledgedBy: rec.AcknowledgedBy,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "escalation_id"}}, DoNothing: true}).
		Create(&row).Error
}

// AcknowledgeEscalation only touches unacknowledged rows, so the first
// acknowledgement wins.
func (s *GormEscalationStore) AcknowledgeEscalation(ctx context.Context, escalationID, by string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Escalation{}).
		Where("escalation_id = ? AND acknowledged = ?", escalationID, false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_at": at,
			"acknowledged_by": by,
		}).Error
}

// EscalationFilter 查询条件
type EscalationFilter struct {
	CallID         string
	Unacknowledged bool
	Since          time.Time
	Limit          int
}

// ListEscalations 按时间倒序
func ListEscalations(db *gorm.DB, f EscalationFilter) ([]Escalation, error) {
	tx := db.Model(&Escalation{})
	if f.CallID != "" {
		tx = tx.Where("call_id = ?", f.CallID)
	}
	if f.Unacknowledged {
		tx = tx.Where("acknowledged = ?", false)
	}
	if !f.Since.IsZero() {
		tx = tx.Where("issued_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []Escalation
	err := tx.Order("issued_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
