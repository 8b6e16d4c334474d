package handlers

import (
	"net/http"
	"strconv"

	"brandops/internal/middleware"
	"brandops/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler exposes rule management, run history and event
// execution. Condition matching happens upstream; the execute endpoint
// accepts an event for a rule the caller already matched.
type AutomationHandler struct {
	rules    *services.RuleService
	executor *services.Executor
}

func NewAutomationHandler(rules *services.RuleService, executor *services.Executor) *AutomationHandler {
	return &AutomationHandler{rules: rules, executor: executor}
}

func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context(), middleware.BrandID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), middleware.BrandID(c), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// PublishVersion appends a new immutable version to an existing rule.
func (h *AutomationHandler) PublishVersion(c *gin.Context) {
	ruleID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	version, err := h.rules.PublishVersion(c.Request.Context(), middleware.BrandID(c), ruleID, &req)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == "rule not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to publish version", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	ruleID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(c.Request.Context(), middleware.BrandID(c), ruleID); err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "rule not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) ListRuns(c *gin.Context) {
	var req services.AutomationRunListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	runs, total, err := h.rules.ListRuns(c.Request.Context(), middleware.BrandID(c), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{Items: runs, Total: total, Page: page, PageSize: pageSize})
}

// ExecuteRequest fires one already-matched rule against one event.
type ExecuteRequest struct {
	RuleID uint                   `json:"rule_id" binding:"required"`
	Event  string                 `json:"event" binding:"required"`
	ID     string                 `json:"event_id"`
	Data   map[string]interface{} `json:"payload"`
}

func (h *AutomationHandler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	match, err := h.rules.LatestMatch(c.Request.Context(), middleware.BrandID(c), req.RuleID)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == "rule not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to resolve rule", Message: err.Error()})
		return
	}
	summary, err := h.executor.ExecuteAutomationActions(c.Request.Context(), *match, services.DomainEvent{
		Type:    req.Event,
		ID:      req.ID,
		Payload: req.Data,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Execution failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func parseID(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// RegisterAutomationRoutes wires the rule and run endpoints.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.POST("/rules/:id/versions", handler.PublishVersion)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.GET("/runs", handler.ListRuns)
		auto.POST("/execute", handler.Execute)
	}
}
