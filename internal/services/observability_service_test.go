package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"brandops/internal/models"

	"gorm.io/gorm"
)

func tp(t time.Time) *time.Time { return &t }

func seedRun(t *testing.T, db *gorm.DB, run *models.AutomationRun, actions ...models.AutomationActionRun) *models.AutomationRun {
	t.Helper()
	if err := db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	for i := range actions {
		actions[i].RunID = run.ID
		if actions[i].DedupKey == "" {
			actions[i].DedupKey = fmt.Sprintf("seed-%d-%d", run.ID, i)
		}
		if err := db.Create(&actions[i]).Error; err != nil {
			t.Fatalf("seed action run: %v", err)
		}
	}
	return run
}

func TestObservability_EmptyWindowIsAllZeros(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	m, err := svc.GetBrandMetrics(context.Background(), 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetBrandMetrics failed: %v", err)
	}
	if m.TotalRuns != 0 || m.TotalActionRuns != 0 {
		t.Errorf("expected zero totals, got %+v", m)
	}
	if m.RunSuccessRate != 0 || m.ActionSuccessRate != 0 {
		t.Errorf("zero denominators must yield 0, got %+v", m)
	}
	if m.Latency.AvgMs != 0 || m.Latency.P50Ms != 0 || m.Latency.P95Ms != 0 {
		t.Errorf("expected zero latency stats, got %+v", m.Latency)
	}
	if len(m.FailureCounts) != 0 {
		t.Errorf("expected no failure counts, got %v", m.FailureCounts)
	}
}

func TestObservability_RatesAndFailureCounts(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleVersionID: 1, EventName: "e1", Status: models.RunStatusSuccess},
		models.AutomationActionRun{ActionIndex: 0, ActionType: "notify_log", Status: models.ActionStatusSuccess},
		models.AutomationActionRun{ActionIndex: 1, ActionType: "webhook", Status: models.ActionStatusSuccess},
	)
	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleVersionID: 1, EventName: "e2", Status: models.RunStatusFailed},
		models.AutomationActionRun{ActionIndex: 0, ActionType: "webhook", Status: models.ActionStatusFailed, ErrorCategory: models.FailureBusinessRule},
		models.AutomationActionRun{ActionIndex: 1, ActionType: "webhook", Status: models.ActionStatusRetrying, ErrorCategory: models.FailureRateLimited},
	)
	// Another brand's run must never leak in.
	seedRun(t, db, &models.AutomationRun{BrandID: 2, RuleVersionID: 9, EventName: "e3", Status: models.RunStatusSuccess})

	m, err := svc.GetBrandMetrics(context.Background(), 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetBrandMetrics failed: %v", err)
	}
	if m.TotalRuns != 2 {
		t.Errorf("total runs %d, want 2", m.TotalRuns)
	}
	if m.TotalActionRuns != 4 {
		t.Errorf("total action runs %d, want 4", m.TotalActionRuns)
	}
	if m.RunSuccessRate != 50 {
		t.Errorf("run success rate %.1f, want 50", m.RunSuccessRate)
	}
	if m.ActionSuccessRate != 50 {
		t.Errorf("action success rate %.1f, want 50", m.ActionSuccessRate)
	}
	// Both FAILED and RETRYING count as failures; SUCCESS never does.
	if m.FailureCounts[models.FailureBusinessRule] != 1 {
		t.Errorf("BUSINESS_RULE count %d, want 1", m.FailureCounts[models.FailureBusinessRule])
	}
	if m.FailureCounts[models.FailureRateLimited] != 1 {
		t.Errorf("RATE_LIMITED count %d, want 1", m.FailureCounts[models.FailureRateLimited])
	}
	if len(m.FailureCounts) != 2 {
		t.Errorf("unexpected extra failure categories: %v", m.FailureCounts)
	}
}

func TestObservability_LatencyPoolsRunsAndActions(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, db, &models.AutomationRun{
		BrandID: 1, RuleVersionID: 1, EventName: "e1", Status: models.RunStatusSuccess,
		StartedAt: tp(base), FinishedAt: tp(base.Add(100 * time.Millisecond)),
	},
		models.AutomationActionRun{
			ActionIndex: 0, ActionType: "webhook", Status: models.ActionStatusSuccess,
			StartedAt: tp(base), FinishedAt: tp(base.Add(40 * time.Millisecond)),
		},
		// Rows missing a timestamp contribute no duration.
		models.AutomationActionRun{ActionIndex: 1, ActionType: "webhook", Status: models.ActionStatusSuccess, StartedAt: tp(base)},
	)

	m, err := svc.GetBrandMetrics(context.Background(), 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetBrandMetrics failed: %v", err)
	}
	// Durations pooled: 100ms (run) and 40ms (action).
	if m.Latency.AvgMs != 70 {
		t.Errorf("avg %.2f, want 70", m.Latency.AvgMs)
	}
	if m.Latency.P50Ms != 40 {
		t.Errorf("p50 %.2f, want 40", m.Latency.P50Ms)
	}
	if m.Latency.P95Ms != 100 {
		t.Errorf("p95 %.2f, want 100", m.Latency.P95Ms)
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	tests := []struct {
		p    float64
		want float64
	}{
		{0.50, 50},
		{0.95, 100},
		{0.05, 10},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%.2f) = %.1f, want %.1f", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("empty slice should yield 0, got %.1f", got)
	}
	if got := percentile([]float64{42}, 0.5); got != 42 {
		t.Errorf("single sample p50 = %.1f, want 42", got)
	}
}

func TestObservability_RuleVersionMetricsScopedToBrand(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	db.Create(&models.AutomationRule{BrandID: 1, Name: "r"})
	db.Create(&models.AutomationRuleVersion{RuleID: 1, Version: 1, TriggerEvent: "e"})
	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleID: 1, RuleVersionID: 1, EventName: "e", Status: models.RunStatusSuccess})

	m, err := svc.GetRuleVersionMetrics(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("GetRuleVersionMetrics failed: %v", err)
	}
	if m == nil || m.TotalRuns != 1 {
		t.Fatalf("expected metrics over 1 run, got %+v", m)
	}

	foreign, err := svc.GetRuleVersionMetrics(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("GetRuleVersionMetrics failed: %v", err)
	}
	if foreign != nil {
		t.Fatal("foreign brand must get nil, not metrics")
	}
	missing, err := svc.GetRuleVersionMetrics(context.Background(), 1, 999)
	if err != nil || missing != nil {
		t.Fatalf("missing version should be (nil, nil), got %v, %v", missing, err)
	}
}

func TestObservability_WindowBounds(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	old := &models.AutomationRun{BrandID: 1, RuleVersionID: 1, EventName: "old", Status: models.RunStatusSuccess}
	db.Create(old)
	db.Model(old).Update("created_at", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	recent := &models.AutomationRun{BrandID: 1, RuleVersionID: 1, EventName: "recent", Status: models.RunStatusSuccess}
	db.Create(recent)
	db.Model(recent).Update("created_at", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	m, err := svc.GetBrandMetrics(context.Background(), 1,
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetBrandMetrics failed: %v", err)
	}
	if m.TotalRuns != 1 {
		t.Errorf("window should include only the recent run, got %d", m.TotalRuns)
	}
}

func TestObservability_GetTop(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Version 1: high volume, no failures, slow.
	for i := 0; i < 3; i++ {
		seedRun(t, db, &models.AutomationRun{
			BrandID: 1, RuleVersionID: 1, EventName: "e", Status: models.RunStatusSuccess,
			StartedAt: tp(base), FinishedAt: tp(base.Add(300 * time.Millisecond)),
		},
			models.AutomationActionRun{ActionIndex: 0, ActionType: "webhook", Status: models.ActionStatusSuccess},
		)
	}
	// Version 2: low volume, failing, fast.
	seedRun(t, db, &models.AutomationRun{
		BrandID: 1, RuleVersionID: 2, EventName: "e", Status: models.RunStatusFailed,
		StartedAt: tp(base), FinishedAt: tp(base.Add(10 * time.Millisecond)),
	},
		models.AutomationActionRun{ActionIndex: 0, ActionType: "create_task", Status: models.ActionStatusFailed, ErrorCategory: models.FailureInvalidConfig},
	)

	byFailures, err := svc.GetTop(context.Background(), 1, TopByFailures, 10, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetTop failed: %v", err)
	}
	if byFailures.RuleVersions[0].Key != "rule-version-2" {
		t.Errorf("failures ranking should lead with rule-version-2, got %s", byFailures.RuleVersions[0].Key)
	}
	if byFailures.Actions[0].Key != "create_task" {
		t.Errorf("failures ranking should lead with create_task, got %s", byFailures.Actions[0].Key)
	}

	byVolume, err := svc.GetTop(context.Background(), 1, TopByVolume, 10, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetTop failed: %v", err)
	}
	if byVolume.RuleVersions[0].Key != "rule-version-1" || byVolume.RuleVersions[0].Volume != 3 {
		t.Errorf("volume ranking wrong: %+v", byVolume.RuleVersions[0])
	}

	byLatency, err := svc.GetTop(context.Background(), 1, TopByLatency, 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetTop failed: %v", err)
	}
	if len(byLatency.RuleVersions) != 1 {
		t.Fatalf("n should truncate to 1, got %d", len(byLatency.RuleVersions))
	}
	if byLatency.RuleVersions[0].Key != "rule-version-1" {
		t.Errorf("latency ranking should lead with the slow version, got %s", byLatency.RuleVersions[0].Key)
	}

	if _, err := svc.GetTop(context.Background(), 1, "bogus", 10, time.Time{}, time.Time{}); err == nil {
		t.Fatal("unsupported sort key should error")
	}
}

func TestObservability_GetTopTiesKeepInsertionOrder(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	// Two versions with identical volume and zero failures; first seen wins.
	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleVersionID: 7, EventName: "e", Status: models.RunStatusSuccess})
	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleVersionID: 3, EventName: "e", Status: models.RunStatusSuccess})

	report, err := svc.GetTop(context.Background(), 1, TopByVolume, 10, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetTop failed: %v", err)
	}
	if report.RuleVersions[0].Key != "rule-version-7" || report.RuleVersions[1].Key != "rule-version-3" {
		t.Errorf("ties must keep store order, got %s then %s", report.RuleVersions[0].Key, report.RuleVersions[1].Key)
	}
}

func TestObservability_FailureBreakdown(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewObservabilityService(db, nil)

	gate := "blocked-by-window"
	seedRun(t, db, &models.AutomationRun{BrandID: 1, RuleVersionID: 1, EventName: "e", Status: models.RunStatusFailed},
		models.AutomationActionRun{ActionIndex: 0, ActionType: "webhook", Status: models.ActionStatusFailed, ErrorCategory: models.FailureBusinessRule, ErrorCode: "WEBHOOK_REJECTED"},
		models.AutomationActionRun{ActionIndex: 1, ActionType: "webhook", Status: models.ActionStatusFailed, GateResult: &gate},
		models.AutomationActionRun{ActionIndex: 2, ActionType: "create_task", Status: models.ActionStatusFailed},
		// RETRYING and SUCCESS rows stay out of the breakdown.
		models.AutomationActionRun{ActionIndex: 3, ActionType: "webhook", Status: models.ActionStatusRetrying, ErrorCategory: models.FailureRateLimited},
		models.AutomationActionRun{ActionIndex: 4, ActionType: "notify_log", Status: models.ActionStatusSuccess},
	)

	bd, err := svc.GetFailureBreakdown(context.Background(), 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetFailureBreakdown failed: %v", err)
	}
	if bd.ByCategory[models.FailureBusinessRule] != 1 || bd.ByCategory["GATED"] != 1 || bd.ByCategory[models.FailureUnclassified] != 1 {
		t.Errorf("category breakdown wrong: %v", bd.ByCategory)
	}
	if bd.ByRunnerType["webhook"] != 2 || bd.ByRunnerType["create_task"] != 1 {
		t.Errorf("runner breakdown wrong: %v", bd.ByRunnerType)
	}
	if bd.ByErrorCode["WEBHOOK_REJECTED"] != 1 || bd.ByErrorCode["UNKNOWN"] != 2 {
		t.Errorf("code breakdown wrong: %v", bd.ByErrorCode)
	}
}

func TestFailureCategoryFallbackChain(t *testing.T) {
	gate := "g"
	tests := []struct {
		name string
		ar   models.AutomationActionRun
		want string
	}{
		{"category wins", models.AutomationActionRun{ErrorCategory: models.FailureTimeout, GateResult: &gate, ErrorCode: "C"}, models.FailureTimeout},
		{"gate next", models.AutomationActionRun{GateResult: &gate, ErrorCode: "C"}, "GATED"},
		{"code next", models.AutomationActionRun{ErrorCode: "C"}, "C"},
		{"unclassified last", models.AutomationActionRun{}, models.FailureUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureCategory(&tt.ar); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
