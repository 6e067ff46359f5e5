package handlers

import (
	"errors"
	"net/http"
	"sort"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requireReader accepts the engine key or any valid console credential.
func (h *Handlers) requireReader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.engineKeyValid(c) {
			c.Set(constants.EngineField, true)
			c.Next()
			return
		}
		cred := consoleCredential(c)
		if cred.APIKey == "" {
			response.AbortWithStatus(c, http.StatusUnauthorized)
			return
		}
		p, err := h.validator.Validate(c.Request.Context(), cred)
		if err != nil {
			if errors.Is(err, auth.ErrRejected) {
				response.AbortWithStatus(c, http.StatusUnauthorized)
				return
			}
			response.AbortWithStatusJSON(c, http.StatusServiceUnavailable, err)
			return
		}
		c.Set(constants.PrincipalField, p)
		c.Next()
	}
}

// handleGetCall GET /dispatch/calls/:id，结束后在保留期内仍可查询
func (h *Handlers) handleGetCall(c *gin.Context) {
	snap, err := h.coord.Snapshot(c.Param("id"))
	if err != nil {
		failDispatch(c, err)
		return
	}
	response.Success(c, "ok", snap)
}

func (h *Handlers) handleListCalls(c *gin.Context) {
	snaps := h.coord.Registry().Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartedAt.Before(snaps[j].StartedAt) })
	response.Success(c, "ok", snaps)
}

func (h *Handlers) handleListSessions(c *gin.Context) {
	list := h.coord.Sessions().List()
	if id := c.Query(constants.QueryDispatcherID); id != "" {
		filtered := list[:0]
		for _, s := range list {
			if s.DispatcherID == id {
				filtered = append(filtered, s)
			}
		}
		list = filtered
	}
	response.Success(c, "ok", list)
}

type statsView struct {
	dispatch.Stats
	System *metrics.SystemStats `json:"system,omitempty"`
}

func (h *Handlers) handleStats(c *gin.Context) {
	view := statsView{Stats: h.coord.Stats()}
	if sys, err := metrics.CollectSystem(c.Request.Context()); err == nil {
		view.System = &sys
	} else {
		h.log.Debug("system stats unavailable", zap.Error(err))
	}
	response.Success(c, "ok", view)
}
