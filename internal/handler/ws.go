package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"swingalgo/internal/notify"
)

// StreamHandler upgrades to a websocket that receives the user's
// strategy_update, order_update and strategy_error events.
type StreamHandler struct {
	Hub            *notify.Hub
	OriginPatterns []string
	Logger         *zap.Logger
}

func (h *StreamHandler) Register(r *gin.Engine) {
	r.GET("/ws/:user_id", h.serve)
}

func (h *StreamHandler) serve(c *gin.Context) {
	if h.Hub == nil {
		Error(c, http.StatusInternalServerError, "hub unavailable", nil)
		return
	}
	userID, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		return
	}
	err = h.Hub.Serve(c.Request.Context(), conn, userID)
	if err != nil && !errors.Is(err, context.Canceled) && h.Logger != nil {
		h.Logger.Debug("websocket closed", zap.Uint64("user_id", userID), zap.Error(err))
	}
}
