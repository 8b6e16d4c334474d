package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appmetrics "brandops/internal/metrics"
	"brandops/internal/models"
	"brandops/pkg/canonical"

	"github.com/sirupsen/logrus"
)

// DefaultActionTimeout bounds a single runner invocation.
const DefaultActionTimeout = 5 * time.Second

// ExecutorConfig is passed explicitly at construction; the executor reads
// no ambient process state.
type ExecutorConfig struct {
	DryRun        bool
	ActionTimeout time.Duration
}

// ActionSummary is the per-action entry of a run summary.
type ActionSummary struct {
	ActionIndex int                    `json:"actionIndex"`
	ActionType  string                 `json:"actionType"`
	Status      string                 `json:"status"`
	Deduped     bool                   `json:"deduped,omitempty"`
	DryRun      bool                   `json:"dryRun,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// AutomationRunSummary is returned to the caller after one execution.
// Error carries only the first non-retryable failure; consumers needing
// full detail inspect Actions.
type AutomationRunSummary struct {
	RuleID     uint            `json:"ruleId"`
	RunID      uint            `json:"runId,omitempty"`
	Status     string          `json:"status"`
	Actions    []ActionSummary `json:"actions"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Audit event types emitted as the executor progresses.
const (
	AuditRunStart      = "RUN_START"
	AuditRunEnd        = "RUN_END"
	AuditActionStart   = "ACTION_START"
	AuditActionSuccess = "ACTION_SUCCESS"
	AuditActionFailed  = "ACTION_FAILED"
	AuditActionSkipped = "ACTION_SKIPPED"
)

// AuditEvent is a write-only observation of executor progress; sinks are
// never authoritative state.
type AuditEvent struct {
	Type        string    `json:"type"`
	RuleID      uint      `json:"rule_id"`
	RunID       uint      `json:"run_id,omitempty"`
	ActionIndex int       `json:"action_index,omitempty"`
	ActionType  string    `json:"action_type,omitempty"`
	Status      string    `json:"status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditSink receives audit events. Implementations must not block.
type AuditSink interface {
	Emit(evt AuditEvent)
}

// Executor orchestrates one rule match plus one triggering event into a
// sequence of action attempts: dedup, validation, bounded execution,
// retry classification and run finalization. Actions run strictly
// sequentially; action N+1 never starts before N's attempt is durably
// recorded. There is no cross-process claim: two concurrent deliveries of
// the same event can both attempt a not-yet-successful action (dedup only
// suppresses repeating an already-successful one).
type Executor struct {
	store    RunStore
	registry *RunnerRegistry
	cfg      ExecutorConfig
	logger   *logrus.Logger
	sinks    []AuditSink
}

func NewExecutor(store RunStore, registry *RunnerRegistry, cfg ExecutorConfig, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Executor{store: store, registry: registry, cfg: cfg, logger: logger}
}

// AddAuditSink attaches a write-only observer (websocket hub, log sink).
func (e *Executor) AddAuditSink(s AuditSink) {
	e.sinks = append(e.sinks, s)
}

func (e *Executor) emit(evt AuditEvent) {
	evt.Timestamp = time.Now()
	for _, s := range e.sinks {
		s.Emit(evt)
	}
}

// ExecuteAutomationActions runs every configured action of the matched
// rule version against the event and returns the run summary. A failed
// action never aborts its siblings; the run status aggregates afterwards:
// FAILED if any action failed, else PARTIAL if any is retrying, else
// SUCCESS.
func (e *Executor) ExecuteAutomationActions(ctx context.Context, match RuleMatch, event DomainEvent) (*AutomationRunSummary, error) {
	if len(match.Actions) == 0 {
		e.logger.Infof("automation: rule %d (%s) matched %s with no actions configured", match.RuleID, match.Name, event.Type)
		return &AutomationRunSummary{RuleID: match.RuleID, Status: models.RunStatusSuccess, Actions: []ActionSummary{}}, nil
	}

	if e.cfg.DryRun {
		return e.dryRunSummary(match), nil
	}

	started := time.Now()
	run := &models.AutomationRun{
		RuleID:        match.RuleID,
		RuleVersionID: match.RuleVersionID,
		BrandID:       match.BrandID,
		EventName:     event.Type,
		Status:        models.RunStatusPending,
	}
	if event.ID != "" {
		id := event.ID
		run.EventID = &id
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := e.store.MarkRunRunning(ctx, run.ID, started); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	appmetrics.IncRunStarted()
	e.emit(AuditEvent{Type: AuditRunStart, RuleID: match.RuleID, RunID: run.ID})

	summary := &AutomationRunSummary{
		RuleID:    match.RuleID,
		RunID:     run.ID,
		StartedAt: &started,
		Actions:   make([]ActionSummary, 0, len(match.Actions)),
	}
	var firstErr string

	for idx, action := range match.Actions {
		entry := e.executeOne(ctx, run, match, event, idx, action)
		summary.Actions = append(summary.Actions, entry)
		if entry.Status == models.ActionStatusFailed && firstErr == "" {
			firstErr = entry.Error
		}
	}

	summary.Status = aggregateRunStatus(summary.Actions)
	finished := time.Now()
	summary.FinishedAt = &finished
	summary.Error = firstErr

	run.Status = summary.Status
	run.FinishedAt = &finished
	if firstErr != "" {
		run.Error = &firstErr
	}
	if raw, err := json.Marshal(summary.Actions); err == nil {
		run.Summary = string(raw)
	}
	if err := e.store.FinalizeRun(ctx, run); err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	if err := e.store.UpdateRuleLastRun(ctx, match.RuleID, summary.Status); err != nil {
		e.logger.Warnf("automation: update rule %d last run status: %v", match.RuleID, err)
	}
	appmetrics.IncRunFinished(summary.Status)
	e.emit(AuditEvent{Type: AuditRunEnd, RuleID: match.RuleID, RunID: run.ID, Status: summary.Status})
	return summary, nil
}

// executeOne performs the dedup check, validation and bounded execution
// for a single action position and records the attempt on the store.
func (e *Executor) executeOne(ctx context.Context, run *models.AutomationRun, match RuleMatch, event DomainEvent, idx int, action ActionConfig) ActionSummary {
	entry := ActionSummary{ActionIndex: idx, ActionType: action.Type}

	normalized, err := canonical.Marshal(action.Params)
	if err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = fmt.Sprintf("normalize action params: %v", err)
		e.logger.Warnf("automation: run %d action %d: %s", run.ID, idx, entry.Error)
		return entry
	}
	key, err := canonical.DedupKey(match.RuleID, event.Type, event.ID, idx, action.Params)
	if err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = fmt.Sprintf("derive dedup key: %v", err)
		return entry
	}

	existing, err := e.store.FindActionRunByDedupKey(ctx, key)
	if err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = fmt.Sprintf("dedup lookup: %v", err)
		return entry
	}
	if existing != nil && existing.Status == models.ActionStatusSuccess {
		// Idempotency guarantee: an already-successful side effect is
		// never re-applied for the same (rule, event, position, params).
		entry.Status = models.ActionStatusSkipped
		entry.Deduped = true
		entry.Reason = "previous-success"
		appmetrics.IncActionDeduped()
		e.emit(AuditEvent{Type: AuditActionSkipped, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type, Detail: "previous-success"})
		return entry
	}

	var ar *models.AutomationActionRun
	if existing != nil {
		ar = existing
		ar.RunID = run.ID
		ar.Status = models.ActionStatusPending
		if err := e.store.UpdateActionRun(ctx, ar); err != nil {
			entry.Status = models.ActionStatusFailed
			entry.Error = fmt.Sprintf("reset action run: %v", err)
			return entry
		}
	} else {
		ar = &models.AutomationActionRun{
			RunID:        run.ID,
			ActionIndex:  idx,
			ActionType:   action.Type,
			DedupKey:     key,
			ActionConfig: string(normalized),
			Status:       models.ActionStatusPending,
		}
		if err := e.store.CreateActionRun(ctx, ar); err != nil {
			entry.Status = models.ActionStatusFailed
			entry.Error = fmt.Sprintf("create action run: %v", err)
			return entry
		}
	}

	runner := e.registry.Get(action.Type)
	if runner == nil {
		// A missing runner fails this action only; the run continues.
		msg := fmt.Sprintf("no runner registered for action type %q", action.Type)
		e.failActionRun(ctx, ar, msg, "MISSING_RUNNER", models.FailureMissingRunner)
		entry.Status = models.ActionStatusFailed
		entry.Error = msg
		e.emit(AuditEvent{Type: AuditActionFailed, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type, Detail: msg})
		return entry
	}

	params, err := runner.Validate(action.Params)
	if err != nil {
		// Validation failures are always terminal and never reach Execute.
		msg := fmt.Sprintf("validate params for %q: %v", action.Type, err)
		e.failActionRun(ctx, ar, msg, "VALIDATION_FAILED", models.FailureValidation)
		entry.Status = models.ActionStatusFailed
		entry.Error = msg
		e.emit(AuditEvent{Type: AuditActionFailed, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type, Detail: msg})
		return entry
	}

	now := time.Now()
	ar.AttemptCount++
	ar.Status = models.ActionStatusRunning
	ar.StartedAt = &now
	ar.NextAttemptAt = nil
	if err := e.store.UpdateActionRun(ctx, ar); err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = fmt.Sprintf("mark action running: %v", err)
		return entry
	}
	entry.Attempt = ar.AttemptCount
	e.emit(AuditEvent{Type: AuditActionStart, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type})

	result, execErr := e.invoke(ctx, runner, ExecContext{
		RunID:       run.ID,
		ActionRunID: ar.ID,
		RuleID:      match.RuleID,
		RuleName:    match.Name,
		Event:       event,
		Action:      ActionConfig{Type: action.Type, Params: params},
	})
	finished := time.Now()
	ar.FinishedAt = &finished

	if execErr == nil {
		ar.Status = models.ActionStatusSuccess
		ar.Error = nil
		ar.ErrorCode = ""
		ar.ErrorCategory = ""
		if result != nil && result.Data != nil {
			if raw, mErr := json.Marshal(result.Data); mErr == nil {
				s := string(raw)
				ar.Result = &s
			}
			entry.Result = result.Data
		}
		if err := e.store.UpdateActionRun(ctx, ar); err != nil {
			e.logger.Warnf("automation: persist action %d success: %v", ar.ID, err)
		}
		entry.Status = models.ActionStatusSuccess
		appmetrics.IncActionOutcome(models.ActionStatusSuccess)
		e.emit(AuditEvent{Type: AuditActionSuccess, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type})
		return entry
	}

	category, code, retryable := classifyActionError(execErr)
	msg := execErr.Error()
	errCopy := msg
	ar.Error = &errCopy
	ar.ErrorCode = code
	ar.ErrorCategory = category
	if retryable {
		// Linear backoff, capped at 5 seconds. An external driver acts on
		// NextAttemptAt; this executor never retries in-process.
		ar.Status = models.ActionStatusRetrying
		next := finished.Add(retryDelay(ar.AttemptCount))
		ar.NextAttemptAt = &next
		entry.Status = models.ActionStatusRetrying
	} else {
		ar.Status = models.ActionStatusFailed
		entry.Status = models.ActionStatusFailed
	}
	entry.Error = msg
	if err := e.store.UpdateActionRun(ctx, ar); err != nil {
		e.logger.Warnf("automation: persist action %d failure: %v", ar.ID, err)
	}
	appmetrics.IncActionOutcome(ar.Status)
	e.emit(AuditEvent{Type: AuditActionFailed, RuleID: match.RuleID, RunID: run.ID, ActionIndex: idx, ActionType: action.Type, Status: ar.Status, Detail: msg})
	return entry
}

// invoke runs Execute under the per-action timeout. The runner receives a
// deadline-bound context, but the executor does not wait for it past the
// deadline: a runner that ignores cancellation keeps running detached.
func (e *Executor) invoke(ctx context.Context, runner Runner, ec ExecContext) (*ActionResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	type outcome struct {
		result *ActionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := runner.Execute(execCtx, ec)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("action %q timed out after %s: %w", ec.Action.Type, e.cfg.ActionTimeout, context.DeadlineExceeded)
	}
}

func (e *Executor) failActionRun(ctx context.Context, ar *models.AutomationActionRun, msg, code, category string) {
	now := time.Now()
	ar.Status = models.ActionStatusFailed
	ar.Error = &msg
	ar.ErrorCode = code
	ar.ErrorCategory = category
	ar.FinishedAt = &now
	if err := e.store.UpdateActionRun(ctx, ar); err != nil {
		e.logger.Warnf("automation: persist action %d failure: %v", ar.ID, err)
	}
	appmetrics.IncActionOutcome(models.ActionStatusFailed)
}

// dryRunSummary reports every action SKIPPED without touching the store
// or any runner.
func (e *Executor) dryRunSummary(match RuleMatch) *AutomationRunSummary {
	summary := &AutomationRunSummary{
		RuleID:  match.RuleID,
		Status:  models.RunStatusSuccess,
		Actions: make([]ActionSummary, 0, len(match.Actions)),
	}
	for idx, action := range match.Actions {
		summary.Actions = append(summary.Actions, ActionSummary{
			ActionIndex: idx,
			ActionType:  action.Type,
			Status:      models.ActionStatusSkipped,
			DryRun:      true,
			Reason:      "dryRun",
		})
	}
	e.logger.Infof("automation: dry run for rule %d (%s), %d actions skipped", match.RuleID, match.Name, len(match.Actions))
	return summary
}

// aggregateRunStatus: FAILED if any action failed, else PARTIAL if any is
// retrying, else SUCCESS.
func aggregateRunStatus(actions []ActionSummary) string {
	anyRetrying := false
	for _, a := range actions {
		switch a.Status {
		case models.ActionStatusFailed:
			return models.RunStatusFailed
		case models.ActionStatusRetrying:
			anyRetrying = true
		}
	}
	if anyRetrying {
		return models.RunStatusPartial
	}
	return models.RunStatusSuccess
}

// retryDelay is linear and capped: min(5, attempt) seconds.
func retryDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * time.Second
}
