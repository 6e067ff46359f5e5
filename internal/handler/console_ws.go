package handlers

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderAPISecret = "X-API-Secret"

	consoleWriteWait  = 10 * time.Second
	consolePongWait   = 60 * time.Second
	consolePingPeriod = consolePongWait * 9 / 10
	consoleMaxFrame   = 64 * 1024
	// 正常关闭时最多补发的排队帧
	consoleFlushLimit = 1024
)

// consoleCredential reads the credential from headers, falling back to the
// query string for browsers that cannot set WebSocket headers.
func consoleCredential(c *gin.Context) auth.Credential {
	cred := auth.Credential{
		APIKey:    c.GetHeader(HeaderAPIKey),
		APISecret: c.GetHeader(HeaderAPISecret),
	}
	if cred.APIKey == "" {
		cred.APIKey = c.Query(constants.QueryAPIKey)
	}
	if cred.APISecret == "" {
		cred.APISecret = c.Query(constants.QueryAPISecret)
	}
	return cred
}

// handleConsoleWS 控制台长连接：握手前鉴权，之后一读一写两个协程
func (h *Handlers) handleConsoleWS(c *gin.Context) {
	sess, err := h.coord.OpenSession(c.Request.Context(), consoleCredential(c))
	if err != nil {
		failDispatch(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("console upgrade failed", zap.String("sessionId", sess.ID), zap.Error(err))
		_ = h.coord.CloseSession(sess.ID, dispatch.ReasonSessionClosed)
		return
	}

	fields := append(middleware.GetClientInfo(c).Fields(),
		zap.String("sessionId", sess.ID),
		zap.String("dispatcherId", sess.Principal.DispatcherID),
		zap.String("role", string(sess.Principal.Role)))
	h.log.Info("console connected", fields...)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.consoleWriter(conn, sess)
	}()

	reason := h.consoleReader(conn, sess)
	_ = h.coord.CloseSession(sess.ID, reason)
	<-writerDone

	h.log.Info("console disconnected",
		zap.String("sessionId", sess.ID),
		zap.String("dispatcherId", sess.Principal.DispatcherID),
		zap.String("reason", sess.CloseReason()))
}

// consoleReader feeds frames to the coordinator until the connection drops
// and returns the close reason to record.
func (h *Handlers) consoleReader(conn *websocket.Conn, sess *dispatch.Session) string {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(consoleMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(consolePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(consolePongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return readCloseReason(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(consolePongWait))
		if mt != websocket.TextMessage {
			sess.Send(dispatch.ErrorMessage(&dispatch.Error{Code: dispatch.CodeBadRequest, Message: "text frames only"}, ""))
			continue
		}
		// 错误已经以 error 帧回给控制台
		if err := h.coord.HandleMessage(ctx, sess, data); err != nil {
			h.log.Debug("console frame rejected", zap.String("sessionId", sess.ID), zap.Error(err))
		}
	}
}

func readCloseReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return dispatch.ReasonSessionClosed
	}
	// 读超时和异常断开都按心跳超时处理
	return dispatch.ReasonSessionTimeout
}

// consoleWriter is the only goroutine that writes to conn.
func (h *Handlers) consoleWriter(conn *websocket.Conn, sess *dispatch.Session) {
	ticker := time.NewTicker(consolePingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(msg dispatch.OutboundMessage) error {
		data, err := dispatch.EncodeOutbound(msg)
		if err != nil {
			h.log.Error("encode frame failed", zap.String("type", msg.Type), zap.Error(err))
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case msg := <-sess.Outbound():
			if err := write(msg); err != nil {
				_ = h.coord.CloseSession(sess.ID, dispatch.ReasonSessionTimeout)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = h.coord.CloseSession(sess.ID, dispatch.ReasonSessionTimeout)
				return
			}
		case <-sess.Done():
			for _, msg := range sess.Pending(consoleFlushLimit) {
				if err := write(msg); err != nil {
					return
				}
			}
			if err := write(sess.FinalMessage()); err != nil {
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.CloseReason()),
				time.Now().Add(consoleWriteWait))
			return
		}
	}
}
