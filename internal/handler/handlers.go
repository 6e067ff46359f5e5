package handlers

import (
	"net/http"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/middleware"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Handlers struct {
	db        *gorm.DB
	coord     *dispatch.Coordinator
	validator auth.Validator
	cfg       *config.Config
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func NewHandlers(db *gorm.DB, coord *dispatch.Coordinator, validator auth.Validator, cfg *config.Config) *Handlers {
	return &Handlers{
		db:        db,
		coord:     coord,
		validator: validator,
		cfg:       cfg,
		log:       logger.Lg.Named("handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 控制台可能跨域部署，鉴权在握手前完成
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	engine.GET("/health", h.handleHealth)

	r := engine.Group(h.cfg.APIPrefix)
	r.Use(middleware.ClientInfoMiddleware())

	h.registerConsoleRoutes(r)
	h.registerEngineRoutes(r)
	h.registerQueryRoutes(r)
}

// registerConsoleRoutes dispatcher console channel
func (h *Handlers) registerConsoleRoutes(r *gin.RouterGroup) {
	r.GET("/dispatch/ws", h.handleConsoleWS)
}

// registerEngineRoutes voice engine callbacks
func (h *Handlers) registerEngineRoutes(r *gin.RouterGroup) {
	engine := r.Group("/engine", h.requireEngineKey())
	{
		engine.POST("/events", h.handleEngineEvent)
	}
	r.POST("/dispatch/logout", h.requireEngineKey(), h.handleLogout)
}

// registerQueryRoutes read-only views for consoles and operators
func (h *Handlers) registerQueryRoutes(r *gin.RouterGroup) {
	q := r.Group("", h.requireReader())
	{
		q.GET("/dispatch/calls", h.handleListCalls)
		q.GET("/dispatch/calls/:id", h.handleGetCall)
		q.GET("/dispatch/sessions", h.handleListSessions)
		q.GET("/dispatch/stats", h.handleStats)
		q.GET("/audit", h.handleQueryAudit)
		q.GET("/escalations", h.handleListEscalations)
	}
}

func (h *Handlers) handleHealth(c *gin.Context) {
	if h.coord.Draining() {
		response.FailWithCode(c, http.StatusServiceUnavailable, "draining", nil)
		return
	}
	stats := h.coord.Stats()
	response.Success(c, "ok", gin.H{
		"liveCalls":                stats.LiveCalls,
		"sessions":                 stats.Sessions,
		"auditSequence":            stats.AuditSequence,
		"auditConsecutiveFailures": stats.AuditFailures,
	})
}
