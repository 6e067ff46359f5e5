package handlers

import (
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// handleQueryAudit GET /audit?callId=&afterSeq=&beforeSeq=&limit=
func (h *Handlers) handleQueryAudit(c *gin.Context) {
	q := dispatch.AuditQuery{
		CallID:    c.Query(constants.QueryCallID),
		AfterSeq:  cast.ToUint64(c.Query(constants.QueryAfterSeq)),
		BeforeSeq: cast.ToUint64(c.Query(constants.QueryBeforeSeq)),
		Limit:     cast.ToInt(c.Query(constants.QueryLimit)),
	}
	entries, err := h.coord.AuditWriter().Query(c.Request.Context(), q)
	if err != nil {
		response.Fail(c, "query audit log failed: "+err.Error(), nil)
		return
	}
	response.Success(c, "ok", gin.H{
		"entries":  entries,
		"sequence": h.coord.AuditWriter().Sequence(),
	})
}

// handleListEscalations GET /escalations?callId=&unacknowledged=true&limit=
func (h *Handlers) handleListEscalations(c *gin.Context) {
	rows, err := models.ListEscalations(h.db.WithContext(c.Request.Context()), models.EscalationFilter{
		CallID:         c.Query(constants.QueryCallID),
		Unacknowledged: cast.ToBool(c.Query(constants.QueryUnacked)),
		Limit:          cast.ToInt(c.Query(constants.QueryLimit)),
	})
	if err != nil {
		response.Fail(c, "query escalations failed: "+err.Error(), nil)
		return
	}
	out := make([]dispatch.EscalationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Record())
	}
	response.Success(c, "ok", out)
}
