package handlers

import (
	"net/http"

	"brandops/internal/middleware"
	"brandops/internal/services"

	"github.com/gin-gonic/gin"
)

// ExplainHandler exposes the deterministic explanation endpoints. A nil
// explanation (missing entity or foreign brand) maps to 404 without
// distinguishing the two.
type ExplainHandler struct {
	explain *services.ExplainService
}

func NewExplainHandler(explain *services.ExplainService) *ExplainHandler {
	return &ExplainHandler{explain: explain}
}

func (h *ExplainHandler) RuleVersion(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := h.explain.ExplainRuleVersion(c.Request.Context(), middleware.BrandID(c), id)
	h.respond(c, resp, err)
}

func (h *ExplainHandler) Run(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := h.explain.ExplainRun(c.Request.Context(), middleware.BrandID(c), id)
	h.respond(c, resp, err)
}

func (h *ExplainHandler) ActionRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := h.explain.ExplainActionRun(c.Request.Context(), middleware.BrandID(c), id)
	h.respond(c, resp, err)
}

func (h *ExplainHandler) respond(c *gin.Context, resp *services.ExplainResponse, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to explain", Message: err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterExplainRoutes wires the explanation endpoints.
func RegisterExplainRoutes(r *gin.RouterGroup, handler *ExplainHandler) {
	explain := r.Group("/explain")
	{
		explain.GET("/rule-versions/:id", handler.RuleVersion)
		explain.GET("/runs/:id", handler.Run)
		explain.GET("/action-runs/:id", handler.ActionRun)
	}
}
