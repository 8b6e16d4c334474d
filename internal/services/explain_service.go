package services

import (
	"context"
	"fmt"

	"brandops/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Explanations are exact classifications over structured telemetry, never
// probabilistic, so confidence is always reported HIGH.
const ConfidenceHigh = "HIGH"

// Explain outcome values.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
	OutcomePartial = "PARTIAL"
	OutcomeSkipped = "SKIPPED"
)

// ExplainEvidence carries the structured data the classification was made
// from.
type ExplainEvidence struct {
	Metrics  *AutomationMetrics `json:"metrics,omitempty"`
	Failures map[string]int     `json:"failures,omitempty"`
	Logs     []string           `json:"logs,omitempty"`
}

// ExplainResponse is a deterministic, rule-based explanation of persisted
// execution history. DecisionPath is a fixed sequence of steps per
// function, optionally extended with one conditional step.
type ExplainResponse struct {
	Summary             string          `json:"summary"`
	DecisionPath        []string        `json:"decisionPath"`
	ContributingFactors []string        `json:"contributingFactors"`
	Outcome             string          `json:"outcome"`
	Retryable           bool            `json:"retryable,omitempty"`
	Confidence          string          `json:"confidence"`
	Evidence            ExplainEvidence `json:"evidence"`
}

// ExplainService answers "why did this rule/run/action end the way it
// did" from run-store telemetry. Every entry point verifies brand scope
// first and returns nil when the entity is absent or foreign: absence and
// unauthorized access are indistinguishable to the caller.
type ExplainService struct {
	db     *gorm.DB
	obs    *ObservabilityService
	logger *logrus.Logger
}

func NewExplainService(db *gorm.DB, obs *ObservabilityService, logger *logrus.Logger) *ExplainService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExplainService{db: db, obs: obs, logger: logger}
}

// ExplainRuleVersion classifies the aggregate behavior of one rule
// version: SKIPPED with zero runs, SUCCESS only on a perfect record,
// FAILED on a zero run-success rate or failures with under 50% success,
// PARTIAL otherwise.
func (s *ExplainService) ExplainRuleVersion(ctx context.Context, brandID, ruleVersionID uint) (*ExplainResponse, error) {
	var version models.AutomationRuleVersion
	err := s.db.WithContext(ctx).
		Select("automation_rule_versions.*").
		Joins("JOIN automation_rules ON automation_rules.id = automation_rule_versions.rule_id").
		Where("automation_rule_versions.id = ? AND automation_rules.brand_id = ?", ruleVersionID, brandID).
		First(&version).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics, err := s.obs.GetRuleVersionMetrics(ctx, brandID, ruleVersionID)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		return nil, nil
	}

	path := []string{
		"Validated brand scope",
		"Loaded runs and actionRuns for rule version",
		"Aggregated success rates, latencies and failure categories",
		"Classified run and action failures deterministically",
	}
	if hasConditionSnapshot(version.Conditions) {
		path = append(path, "Gate evaluation result: present")
	}

	totalFailures := 0
	for _, n := range metrics.FailureCounts {
		totalFailures += n
	}

	var outcome string
	switch {
	case metrics.TotalRuns == 0:
		outcome = OutcomeSkipped
	case metrics.RunSuccessRate == 100 && metrics.ActionSuccessRate == 100 && totalFailures == 0:
		outcome = OutcomeSuccess
	case metrics.RunSuccessRate == 0 || (totalFailures > 0 && metrics.RunSuccessRate < 50):
		outcome = OutcomeFailed
	default:
		outcome = OutcomePartial
	}

	factors := []string{
		fmt.Sprintf("%d runs recorded, run success rate %.1f%%", metrics.TotalRuns, metrics.RunSuccessRate),
		fmt.Sprintf("%d action runs recorded, action success rate %.1f%%", metrics.TotalActionRuns, metrics.ActionSuccessRate),
	}
	for category, n := range metrics.FailureCounts {
		factors = append(factors, fmt.Sprintf("failure category %s seen %d times", category, n))
	}

	return &ExplainResponse{
		Summary:             fmt.Sprintf("Rule version %d (v%d) classified %s over %d runs", version.ID, version.Version, outcome, metrics.TotalRuns),
		DecisionPath:        path,
		ContributingFactors: factors,
		Outcome:             outcome,
		Confidence:          ConfidenceHigh,
		Evidence: ExplainEvidence{
			Metrics:  metrics,
			Failures: metrics.FailureCounts,
		},
	}, nil
}

// ExplainRun classifies a single run from its persisted status and its
// action runs.
func (s *ExplainService) ExplainRun(ctx context.Context, brandID, runID uint) (*ExplainResponse, error) {
	var run models.AutomationRun
	err := s.db.WithContext(ctx).Preload("ActionRuns").
		Where("id = ? AND brand_id = ?", runID, brandID).
		First(&run).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	path := []string{
		"Validated brand scope",
		"Loaded run and actionRuns",
		"Classified run and action failures deterministically",
	}
	if gated(run.ActionRuns) {
		path = append(path, "Gate evaluation result: present")
	}

	allActionsSucceeded := true
	anyActionFailed := false
	failures := map[string]int{}
	var logs []string
	for _, ar := range run.ActionRuns {
		if ar.Status != models.ActionStatusSuccess {
			allActionsSucceeded = false
		}
		if ar.Status == models.ActionStatusFailed {
			anyActionFailed = true
			failures[failureCategory(&ar)]++
		}
		line := fmt.Sprintf("action %d (%s): %s", ar.ActionIndex, ar.ActionType, ar.Status)
		if ar.Error != nil {
			line += ": " + *ar.Error
		}
		logs = append(logs, line)
	}

	var outcome string
	switch {
	case run.Status == models.RunStatusSuccess && allActionsSucceeded:
		outcome = OutcomeSuccess
	case run.Status == models.RunStatusFailed || anyActionFailed:
		outcome = OutcomeFailed
	case run.Status == models.RunStatusSkipped || run.Status == "BLOCKED" || run.Status == "GATED":
		outcome = OutcomeSkipped
	default:
		outcome = OutcomePartial
	}

	factors := []string{fmt.Sprintf("run status %s with %d action runs", run.Status, len(run.ActionRuns))}
	for category, n := range failures {
		factors = append(factors, fmt.Sprintf("failure category %s seen %d times", category, n))
	}
	if run.Error != nil {
		factors = append(factors, "first recorded error: "+*run.Error)
	}

	return &ExplainResponse{
		Summary:             fmt.Sprintf("Run %d classified %s for event %s", run.ID, outcome, run.EventName),
		DecisionPath:        path,
		ContributingFactors: factors,
		Outcome:             outcome,
		Confidence:          ConfidenceHigh,
		Evidence: ExplainEvidence{
			Failures: failures,
			Logs:     logs,
		},
	}, nil
}

// ExplainActionRun classifies one action attempt. FAILED outcomes are
// annotated retryable when the structured error category is
// RETRYABLE_EXTERNAL or RATE_LIMITED.
func (s *ExplainService) ExplainActionRun(ctx context.Context, brandID, actionRunID uint) (*ExplainResponse, error) {
	var ar models.AutomationActionRun
	err := s.db.WithContext(ctx).
		Select("automation_action_runs.*").
		Joins("JOIN automation_runs ON automation_runs.id = automation_action_runs.run_id").
		Where("automation_action_runs.id = ? AND automation_runs.brand_id = ?", actionRunID, brandID).
		First(&ar).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	path := []string{
		"Validated brand scope",
		"Loaded action run and parent run",
		"Classified structured error deterministically",
	}
	if ar.GateResult != nil && *ar.GateResult != "" {
		path = append(path, "Gate evaluation result: present")
	}

	outcome := OutcomeFailed
	if ar.Status == models.ActionStatusSuccess {
		outcome = OutcomeSuccess
	}
	category := failureCategory(&ar)
	retryable := outcome == OutcomeFailed &&
		(category == models.FailureRetryableExternal || category == models.FailureRateLimited)

	factors := []string{
		fmt.Sprintf("action %s at index %d ended %s after %d attempts", ar.ActionType, ar.ActionIndex, ar.Status, ar.AttemptCount),
	}
	var logs []string
	if outcome == OutcomeFailed {
		factors = append(factors, fmt.Sprintf("failure category %s", category))
		if retryable {
			factors = append(factors, "retryable: true")
		}
		if ar.Error != nil {
			logs = append(logs, *ar.Error)
		}
	}

	failures := map[string]int{}
	if outcome == OutcomeFailed {
		failures[category] = 1
	}

	return &ExplainResponse{
		Summary:             fmt.Sprintf("Action run %d (%s) classified %s", ar.ID, ar.ActionType, outcome),
		DecisionPath:        path,
		ContributingFactors: factors,
		Outcome:             outcome,
		Retryable:           retryable,
		Confidence:          ConfidenceHigh,
		Evidence: ExplainEvidence{
			Failures: failures,
			Logs:     logs,
		},
	}, nil
}

func hasConditionSnapshot(conditions string) bool {
	return conditions != "" && conditions != "null" && conditions != "{}"
}

func gated(actionRuns []models.AutomationActionRun) bool {
	for _, ar := range actionRuns {
		if ar.GateResult != nil && *ar.GateResult != "" {
			return true
		}
	}
	return false
}
