package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"swingalgo/internal/engine"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) (engine.CycleReport, error)
}

// CycleHandler triggers an evaluation pass on demand.
type CycleHandler struct {
	Runner CycleRunner
}

func (h *CycleHandler) Register(r *gin.Engine) {
	r.POST("/api/cycles", h.run)
}

func (h *CycleHandler) run(c *gin.Context) {
	if h.Runner == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	report, err := h.Runner.RunCycle(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, report, nil)
}
