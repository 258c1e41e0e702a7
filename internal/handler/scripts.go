package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"swingalgo/internal/engine"
	"swingalgo/internal/models"
	"swingalgo/internal/state"
)

// ScriptOperator applies manual status changes.
type ScriptOperator interface {
	Retry(ctx context.Context, userID, scriptID uint64) (*models.Script, error)
	Pause(ctx context.Context, userID, scriptID uint64) (*models.Script, error)
	Resume(ctx context.Context, userID, scriptID uint64) (*models.Script, error)
}

type ScriptHandler struct {
	Ops   ScriptOperator
	State *state.Store
}

func (h *ScriptHandler) Register(r *gin.Engine) {
	u := r.Group("/api/users/:user_id")
	u.GET("/state", h.snapshot)
	u.POST("/scripts/:id/retry", h.op(ScriptOperator.Retry))
	u.POST("/scripts/:id/pause", h.op(ScriptOperator.Pause))
	u.POST("/scripts/:id/resume", h.op(ScriptOperator.Resume))
}

type scriptOp func(ScriptOperator, context.Context, uint64, uint64) (*models.Script, error)

func (h *ScriptHandler) op(fn scriptOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Ops == nil {
			Error(c, http.StatusInternalServerError, "script ops unavailable", nil)
			return
		}
		userID, ok := idParam(c, "user_id")
		if !ok {
			return
		}
		scriptID, ok := idParam(c, "id")
		if !ok {
			return
		}
		sc, err := fn(h.Ops, c.Request.Context(), userID, scriptID)
		switch {
		case errors.Is(err, engine.ErrScriptNotFound):
			Error(c, http.StatusNotFound, err.Error(), nil)
		case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrMissingSymbol):
			Error(c, http.StatusConflict, err.Error(), nil)
		case err != nil:
			Error(c, http.StatusInternalServerError, err.Error(), nil)
		default:
			Ok(c, gin.H{"id": sc.ID, "symbol": sc.Symbol, "status": sc.Status}, nil)
		}
	}
}

func (h *ScriptHandler) snapshot(c *gin.Context) {
	if h.State == nil {
		Error(c, http.StatusInternalServerError, "state unavailable", nil)
		return
	}
	userID, ok := idParam(c, "user_id")
	if !ok {
		return
	}
	snap, err := h.State.Snapshot(c.Request.Context(), userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, snap, map[string]any{"scripts": len(snap)})
}
