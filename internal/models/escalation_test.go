package models

import (
	"context"
	"testing"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormEscalationStore_SaveAndAcknowledge(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &Escalation{})
	store := NewGormEscalationStore(db)
	ctx := context.Background()

	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := dispatch.EscalationRecord{
		EscalationID:  "esc_1",
		CallID:        "C1",
		SessionID:     "s1",
		EmergencyType: "medical",
		Detail:        "caller unresponsive",
		IssuedAt:      issued,
	}
	require.NoError(t, store.SaveEscalation(ctx, rec))
	// 重复保存不报错，也不覆盖
	rec.Detail = "changed"
	require.NoError(t, store.SaveEscalation(ctx, rec))

	rows, err := ListEscalations(db, EscalationFilter{CallID: "C1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "caller unresponsive", rows[0].Detail)
	assert.False(t, rows[0].Acknowledged)

	ackAt := issued.Add(time.Minute)
	require.NoError(t, store.AcknowledgeEscalation(ctx, "esc_1", "sup1", ackAt))
	require.NoError(t, store.AcknowledgeEscalation(ctx, "esc_1", "sup2", ackAt.Add(time.Minute)))

	rows, err = ListEscalations(db, EscalationFilter{CallID: "C1"})
	require.NoError(t, err)
	got := rows[0].Record()
	assert.True(t, got.Acknowledged)
	assert.Equal(t, "sup1", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)
	assert.True(t, ackAt.Equal(*got.AcknowledgedAt))
}

func TestListEscalations_Filters(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &Escalation{})
	store := NewGormEscalationStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"esc_a", "esc_b", "esc_c"} {
		require.NoError(t, store.SaveEscalation(ctx, dispatch.EscalationRecord{
			EscalationID:  id,
			CallID:        "C" + string(rune('1'+i)),
			EmergencyType: "fire",
			IssuedAt:      base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, store.AcknowledgeEscalation(ctx, "esc_c", "sup1", base.Add(3*time.Hour)))

	open, err := ListEscalations(db, EscalationFilter{Unacknowledged: true})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "esc_b", open[0].EscalationID)

	recent, err := ListEscalations(db, EscalationFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "esc_c", recent[0].EscalationID)

	limited, err := ListEscalations(db, EscalationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
