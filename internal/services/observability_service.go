package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"brandops/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ObservabilityService computes aggregate metrics over persisted run and
// action-run history. All queries are brand-scoped and read-only.
type ObservabilityService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewObservabilityService(db *gorm.DB, logger *logrus.Logger) *ObservabilityService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ObservabilityService{db: db, logger: logger}
}

// LatencyStats are computed over the concatenation of run-level and
// action-level durations, only for rows where both timestamps exist.
type LatencyStats struct {
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// AutomationMetrics is the aggregate view for a rule version or a
// brand/time window. Rates are percentages; a zero denominator yields 0,
// never a division error.
type AutomationMetrics struct {
	TotalRuns         int            `json:"total_runs"`
	TotalActionRuns   int            `json:"total_action_runs"`
	RunSuccessRate    float64        `json:"run_success_rate"`
	ActionSuccessRate float64        `json:"action_success_rate"`
	Latency           LatencyStats   `json:"latency"`
	FailureCounts     map[string]int `json:"failure_counts"`
}

// GetRuleVersionMetrics aggregates every run recorded for one rule
// version. Returns (nil, nil) when the version does not exist or belongs
// to another brand.
func (s *ObservabilityService) GetRuleVersionMetrics(ctx context.Context, brandID, ruleVersionID uint) (*AutomationMetrics, error) {
	ok, err := s.versionInBrand(ctx, brandID, ruleVersionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var runs []models.AutomationRun
	if err := s.db.WithContext(ctx).Preload("ActionRuns").
		Where("rule_version_id = ? AND brand_id = ?", ruleVersionID, brandID).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	m := computeMetrics(runs)
	return &m, nil
}

// GetBrandMetrics aggregates all runs of a brand inside [from, to).
func (s *ObservabilityService) GetBrandMetrics(ctx context.Context, brandID uint, from, to time.Time) (*AutomationMetrics, error) {
	runs, err := s.brandRuns(ctx, brandID, from, to)
	if err != nil {
		return nil, err
	}
	m := computeMetrics(runs)
	return &m, nil
}

// TopEntry ranks one rule version or action type.
type TopEntry struct {
	Key          string  `json:"key"`
	Volume       int     `json:"volume"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// TopReport carries the two rankings of a GetTop query.
type TopReport struct {
	SortKey      string     `json:"sort_key"`
	RuleVersions []TopEntry `json:"rule_versions"`
	Actions      []TopEntry `json:"actions"`
}

// Valid GetTop sort keys.
const (
	TopByFailures = "failures"
	TopByLatency  = "latency"
	TopByVolume   = "volume"
)

// GetTop ranks rule versions and action types by the chosen sort key and
// returns the top n of each. Ties keep store ordering (primary key
// ascending), which is stable insertion order.
func (s *ObservabilityService) GetTop(ctx context.Context, brandID uint, sortKey string, n int, from, to time.Time) (*TopReport, error) {
	switch sortKey {
	case TopByFailures, TopByLatency, TopByVolume:
	default:
		return nil, fmt.Errorf("unsupported sort key %q", sortKey)
	}
	if n <= 0 {
		n = 10
	}
	runs, err := s.brandRuns(ctx, brandID, from, to)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		entry     TopEntry
		durations []float64
	}
	versionOrder := []string{}
	versions := map[string]*bucket{}
	actionOrder := []string{}
	actions := map[string]*bucket{}

	grab := func(order *[]string, m map[string]*bucket, key string) *bucket {
		b, ok := m[key]
		if !ok {
			b = &bucket{entry: TopEntry{Key: key}}
			m[key] = b
			*order = append(*order, key)
		}
		return b
	}

	for _, run := range runs {
		vb := grab(&versionOrder, versions, fmt.Sprintf("rule-version-%d", run.RuleVersionID))
		vb.entry.Volume++
		if run.Status == models.RunStatusFailed {
			vb.entry.Failures++
		}
		if d, ok := durationMs(run.StartedAt, run.FinishedAt); ok {
			vb.durations = append(vb.durations, d)
		}
		for _, ar := range run.ActionRuns {
			ab := grab(&actionOrder, actions, ar.ActionType)
			ab.entry.Volume++
			if ar.Status == models.ActionStatusFailed {
				ab.entry.Failures++
			}
			if d, ok := durationMs(ar.StartedAt, ar.FinishedAt); ok {
				ab.durations = append(ab.durations, d)
			}
		}
	}

	finish := func(order []string, m map[string]*bucket) []TopEntry {
		entries := make([]TopEntry, 0, len(order))
		for _, key := range order {
			b := m[key]
			b.entry.AvgLatencyMs = mean(b.durations)
			entries = append(entries, b.entry)
		}
		sort.SliceStable(entries, func(i, j int) bool {
			switch sortKey {
			case TopByFailures:
				return entries[i].Failures > entries[j].Failures
			case TopByLatency:
				return entries[i].AvgLatencyMs > entries[j].AvgLatencyMs
			default:
				return entries[i].Volume > entries[j].Volume
			}
		})
		if len(entries) > n {
			entries = entries[:n]
		}
		return entries
	}

	return &TopReport{
		SortKey:      sortKey,
		RuleVersions: finish(versionOrder, versions),
		Actions:      finish(actionOrder, actions),
	}, nil
}

// FailureBreakdown groups the same failure set three independent ways.
type FailureBreakdown struct {
	ByCategory   map[string]int `json:"by_category"`
	ByRunnerType map[string]int `json:"by_runner_type"`
	ByErrorCode  map[string]int `json:"by_error_code"`
}

// GetFailureBreakdown histograms failed action runs by category, runner
// type and error code.
func (s *ObservabilityService) GetFailureBreakdown(ctx context.Context, brandID uint, from, to time.Time) (*FailureBreakdown, error) {
	runs, err := s.brandRuns(ctx, brandID, from, to)
	if err != nil {
		return nil, err
	}
	bd := &FailureBreakdown{
		ByCategory:   map[string]int{},
		ByRunnerType: map[string]int{},
		ByErrorCode:  map[string]int{},
	}
	for _, run := range runs {
		for _, ar := range run.ActionRuns {
			if ar.Status != models.ActionStatusFailed {
				continue
			}
			bd.ByCategory[failureCategory(&ar)]++
			bd.ByRunnerType[ar.ActionType]++
			code := ar.ErrorCode
			if code == "" {
				code = "UNKNOWN"
			}
			bd.ByErrorCode[code]++
		}
	}
	return bd, nil
}

func (s *ObservabilityService) versionInBrand(ctx context.Context, brandID, ruleVersionID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AutomationRuleVersion{}).
		Joins("JOIN automation_rules ON automation_rules.id = automation_rule_versions.rule_id").
		Where("automation_rule_versions.id = ? AND automation_rules.brand_id = ?", ruleVersionID, brandID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *ObservabilityService) brandRuns(ctx context.Context, brandID uint, from, to time.Time) ([]models.AutomationRun, error) {
	q := s.db.WithContext(ctx).Preload("ActionRuns").Where("brand_id = ?", brandID)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	var runs []models.AutomationRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func computeMetrics(runs []models.AutomationRun) AutomationMetrics {
	m := AutomationMetrics{FailureCounts: map[string]int{}}
	var runSuccess, actionSuccess int
	var durations []float64

	for _, run := range runs {
		m.TotalRuns++
		if run.Status == models.RunStatusSuccess {
			runSuccess++
		}
		if d, ok := durationMs(run.StartedAt, run.FinishedAt); ok {
			durations = append(durations, d)
		}
		for _, ar := range run.ActionRuns {
			m.TotalActionRuns++
			if d, ok := durationMs(ar.StartedAt, ar.FinishedAt); ok {
				durations = append(durations, d)
			}
			if ar.Status == models.ActionStatusSuccess {
				actionSuccess++
				continue
			}
			if ar.Status == models.ActionStatusFailed || ar.Status == models.ActionStatusRetrying {
				m.FailureCounts[failureCategory(&ar)]++
			}
		}
	}

	m.RunSuccessRate = percentage(runSuccess, m.TotalRuns)
	m.ActionSuccessRate = percentage(actionSuccess, m.TotalActionRuns)
	sort.Float64s(durations)
	m.Latency = LatencyStats{
		AvgMs: mean(durations),
		P50Ms: percentile(durations, 0.50),
		P95Ms: percentile(durations, 0.95),
	}
	return m
}

// failureCategory derives a deterministic category from the structured
// error metadata on an action run.
func failureCategory(ar *models.AutomationActionRun) string {
	if ar.ErrorCategory != "" {
		return ar.ErrorCategory
	}
	if ar.GateResult != nil && *ar.GateResult != "" {
		return "GATED"
	}
	if ar.ErrorCode != "" {
		return ar.ErrorCode
	}
	return models.FailureUnclassified
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func durationMs(start, end *time.Time) (float64, bool) {
	if start == nil || end == nil {
		return 0, false
	}
	return float64(end.Sub(*start).Microseconds()) / 1000, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile uses nearest-rank over an ascending-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted)) + 0.5)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
