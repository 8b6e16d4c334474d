package handlers

import (
	"net/http"
	"strconv"
	"time"

	appmetrics "brandops/internal/metrics"
	"brandops/internal/middleware"
	"brandops/internal/services"

	"github.com/gin-gonic/gin"
)

// ObservabilityHandler exposes aggregate metrics over execution history.
type ObservabilityHandler struct {
	obs *services.ObservabilityService
}

func NewObservabilityHandler(obs *services.ObservabilityService) *ObservabilityHandler {
	return &ObservabilityHandler{obs: obs}
}

func (h *ObservabilityHandler) RuleVersionMetrics(c *gin.Context) {
	versionID, ok := parseID(c, "id")
	if !ok {
		return
	}
	metrics, err := h.obs.GetRuleVersionMetrics(c.Request.Context(), middleware.BrandID(c), versionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to compute metrics", Message: err.Error()})
		return
	}
	if metrics == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *ObservabilityHandler) BrandMetrics(c *gin.Context) {
	from, to, ok := parseWindow(c)
	if !ok {
		return
	}
	metrics, err := h.obs.GetBrandMetrics(c.Request.Context(), middleware.BrandID(c), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to compute metrics", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *ObservabilityHandler) Top(c *gin.Context) {
	from, to, ok := parseWindow(c)
	if !ok {
		return
	}
	sortKey := c.DefaultQuery("by", services.TopByFailures)
	n := 10
	if raw := c.Query("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	report, err := h.obs.GetTop(c.Request.Context(), middleware.BrandID(c), sortKey, n, from, to)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to rank", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ObservabilityHandler) FailureBreakdown(c *gin.Context) {
	from, to, ok := parseWindow(c)
	if !ok {
		return
	}
	bd, err := h.obs.GetFailureBreakdown(c.Request.Context(), middleware.BrandID(c), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to compute breakdown", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, bd)
}

// Counters exposes the in-process executor counters.
func (h *ObservabilityHandler) Counters(c *gin.Context) {
	runsStarted, actionsDeduped, runsByStatus, actionsByState := appmetrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"runs_started":     runsStarted,
		"actions_deduped":  actionsDeduped,
		"runs_by_status":   runsByStatus,
		"actions_by_state": actionsByState,
		"rate_limit_drops": appmetrics.RateLimitDrops(),
	})
}

func parseWindow(c *gin.Context) (from, to time.Time, ok bool) {
	var err error
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid from", Message: err.Error()})
			return from, to, false
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid to", Message: err.Error()})
			return from, to, false
		}
	}
	return from, to, true
}

// RegisterObservabilityRoutes wires the metrics query endpoints.
func RegisterObservabilityRoutes(r *gin.RouterGroup, handler *ObservabilityHandler) {
	obs := r.Group("/observability")
	{
		obs.GET("/rule-versions/:id/metrics", handler.RuleVersionMetrics)
		obs.GET("/metrics", handler.BrandMetrics)
		obs.GET("/top", handler.Top)
		obs.GET("/failures", handler.FailureBreakdown)
		obs.GET("/counters", handler.Counters)
	}
}
