package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requireEngineKey 引擎回调使用共享密钥
func (h *Handlers) requireEngineKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.engineKeyValid(c) {
			response.AbortWithStatus(c, http.StatusUnauthorized)
			return
		}
		c.Set(constants.EngineField, true)
		c.Next()
	}
}

func (h *Handlers) engineKeyValid(c *gin.Context) bool {
	want := h.cfg.EngineAPIKey
	got := c.GetHeader(constants.HeaderEngineKey)
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handleEngineEvent POST /engine/events
func (h *Handlers) handleEngineEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.FailWithCode(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ev, err := dispatch.DecodeEngineEvent(body)
	if err != nil {
		failDispatch(c, err)
		return
	}
	if err := h.coord.HandleEngineEvent(c.Request.Context(), ev); err != nil {
		failDispatch(c, err)
		return
	}
	snap, err := h.coord.Snapshot(ev.CallID)
	if err != nil {
		// callEnded 之后快照仍在保留期内，这里只在极端情况下缺失
		response.Success(c, "ok", nil)
		return
	}
	response.Success(c, "ok", snap)
}

type logoutRequest struct {
	DispatcherID string `json:"dispatcherId" binding:"required"`
}

// handleLogout POST /dispatch/logout, sent by the auth service when a
// dispatcher signs out everywhere.
func (h *Handlers) handleLogout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FailWithCode(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	n := h.coord.Logout(req.DispatcherID)
	h.log.Info("dispatcher logged out",
		zap.String("dispatcherId", req.DispatcherID),
		zap.Int("sessionsClosed", n))
	response.Success(c, "ok", gin.H{"sessionsClosed": n})
}
