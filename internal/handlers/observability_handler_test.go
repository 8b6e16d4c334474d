package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"brandops/internal/middleware"
	"brandops/internal/models"
	"brandops/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func newObservabilityTestRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	obs := services.NewObservabilityService(db, quietLogger())

	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.BrandScopeMiddleware())
	RegisterObservabilityRoutes(api, NewObservabilityHandler(obs))
	return r
}

func seedObservabilityData(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Create(&models.AutomationRule{BrandID: 1, Name: "r"}).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := db.Create(&models.AutomationRuleVersion{RuleID: 1, Version: 1, TriggerEvent: "e"}).Error; err != nil {
		t.Fatalf("seed version: %v", err)
	}
	run := &models.AutomationRun{BrandID: 1, RuleID: 1, RuleVersionID: 1, EventName: "e", Status: models.RunStatusFailed}
	if err := db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := db.Create(&models.AutomationActionRun{
		RunID: run.ID, ActionIndex: 0, ActionType: "webhook", DedupKey: "seed-obs-1",
		Status: models.ActionStatusFailed, ErrorCategory: models.FailureBusinessRule, ErrorCode: "WEBHOOK_REJECTED",
	}).Error; err != nil {
		t.Fatalf("seed action run: %v", err)
	}
}

func TestObservabilityHandler_RuleVersionMetrics(t *testing.T) {
	db := newHandlerTestDB(t)
	seedObservabilityData(t, db)
	r := newObservabilityTestRouter(t, db)

	w := doJSON(t, r, http.MethodGet, "/api/observability/rule-versions/1/metrics", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var m services.AutomationMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.TotalRuns != 1 || m.TotalActionRuns != 1 {
		t.Errorf("unexpected totals: %+v", m)
	}

	// Foreign brand and missing version both read as 404.
	w = doJSON(t, r, http.MethodGet, "/api/observability/rule-versions/1/metrics", "2", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign brand should 404, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/observability/rule-versions/99/metrics", "1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing version should 404, got %d", w.Code)
	}
}

func TestObservabilityHandler_BrandMetricsAndWindow(t *testing.T) {
	db := newHandlerTestDB(t)
	seedObservabilityData(t, db)
	r := newObservabilityTestRouter(t, db)

	w := doJSON(t, r, http.MethodGet, "/api/observability/metrics", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/observability/metrics?from=not-a-time", "1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from should 400, got %d", w.Code)
	}
}

func TestObservabilityHandler_Top(t *testing.T) {
	db := newHandlerTestDB(t)
	seedObservabilityData(t, db)
	r := newObservabilityTestRouter(t, db)

	w := doJSON(t, r, http.MethodGet, "/api/observability/top?by=failures&n=5", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var report services.TopReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SortKey != services.TopByFailures {
		t.Errorf("sort key %s", report.SortKey)
	}
	if len(report.RuleVersions) != 1 {
		t.Errorf("expected 1 ranked version, got %d", len(report.RuleVersions))
	}

	w = doJSON(t, r, http.MethodGet, "/api/observability/top?by=bogus", "1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad sort key should 400, got %d", w.Code)
	}
}

func TestObservabilityHandler_FailureBreakdown(t *testing.T) {
	db := newHandlerTestDB(t)
	seedObservabilityData(t, db)
	r := newObservabilityTestRouter(t, db)

	w := doJSON(t, r, http.MethodGet, "/api/observability/failures", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var bd services.FailureBreakdown
	if err := json.Unmarshal(w.Body.Bytes(), &bd); err != nil {
		t.Fatalf("decode breakdown: %v", err)
	}
	if bd.ByCategory[models.FailureBusinessRule] != 1 {
		t.Errorf("category breakdown wrong: %v", bd.ByCategory)
	}
	if bd.ByErrorCode["WEBHOOK_REJECTED"] != 1 {
		t.Errorf("code breakdown wrong: %v", bd.ByErrorCode)
	}
}

func TestObservabilityHandler_Counters(t *testing.T) {
	db := newHandlerTestDB(t)
	r := newObservabilityTestRouter(t, db)

	w := doJSON(t, r, http.MethodGet, "/api/observability/counters", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode counters: %v", err)
	}
	for _, key := range []string{"runs_started", "actions_deduped", "runs_by_status", "actions_by_state", "rate_limit_drops"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing counter field %s", key)
		}
	}
}
