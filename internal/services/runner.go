package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"brandops/internal/models"
)

// ActionConfig is one step inside a rule version's action list. Order in
// the list is execution order.
type ActionConfig struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}

// RuleMatch is the output of the (external) condition matcher: a rule
// version that applies to an event, with its ordered actions.
type RuleMatch struct {
	RuleID        uint           `json:"rule_id"`
	RuleVersionID uint           `json:"rule_version_id"`
	BrandID       uint           `json:"brand_id"`
	Name          string         `json:"name"`
	Actions       []ActionConfig `json:"actions"`
}

// DomainEvent is the triggering event. ID may be empty for sources that
// do not assign event identifiers.
type DomainEvent struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ExecContext carries the execution identifiers and inputs handed to a
// runner's Execute.
type ExecContext struct {
	RunID       uint
	ActionRunID uint
	RuleID      uint
	RuleName    string
	Event       DomainEvent
	Action      ActionConfig
}

// ActionResult is the structured output of a successful execution.
type ActionResult struct {
	Data map[string]interface{} `json:"data,omitempty"`
}

// Runner executes one action type. Validate is called before every
// execution; a validation error is terminal and Execute is never reached.
type Runner interface {
	Type() string
	Validate(params map[string]interface{}) (map[string]interface{}, error)
	Execute(ctx context.Context, ec ExecContext) (*ActionResult, error)
}

// RunnerRegistry maps action types to runners. Hosts register concrete
// runners at startup; lookup of an unknown type returns nil.
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[string]Runner)}
}

func (r *RunnerRegistry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Type()] = runner
}

func (r *RunnerRegistry) Get(actionType string) Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[actionType]
}

func (r *RunnerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}

// RetryableActionError marks a transient failure (rate limiting, flaky
// upstream). The executor does not retry in-process; it records the action
// RETRYING with a next-attempt hint for an external driver.
type RetryableActionError struct {
	Code     string
	Category string // RETRYABLE_EXTERNAL or RATE_LIMITED
	Err      error
}

func (e *RetryableActionError) Error() string {
	return fmt.Sprintf("retryable action error [%s]: %v", e.Code, e.Err)
}

func (e *RetryableActionError) Unwrap() error { return e.Err }

func NewRetryableActionError(code string, err error) *RetryableActionError {
	return &RetryableActionError{Code: code, Category: models.FailureRetryableExternal, Err: err}
}

func NewRateLimitedError(code string, err error) *RetryableActionError {
	return &RetryableActionError{Code: code, Category: models.FailureRateLimited, Err: err}
}

// NonRetryableActionError marks a permanent failure (bad configuration,
// business-rule violation).
type NonRetryableActionError struct {
	Code     string
	Category string
	Err      error
}

func (e *NonRetryableActionError) Error() string {
	return fmt.Sprintf("non-retryable action error [%s]: %v", e.Code, e.Err)
}

func (e *NonRetryableActionError) Unwrap() error { return e.Err }

func NewInvalidConfigError(code string, err error) *NonRetryableActionError {
	return &NonRetryableActionError{Code: code, Category: models.FailureInvalidConfig, Err: err}
}

func NewBusinessRuleError(code string, err error) *NonRetryableActionError {
	return &NonRetryableActionError{Code: code, Category: models.FailureBusinessRule, Err: err}
}

// classifyActionError maps an execution error onto (category, code,
// retryable). Anything unclassified, including timeouts, is treated as
// non-retryable at this layer.
func classifyActionError(err error) (category, code string, retryable bool) {
	var re *RetryableActionError
	if errors.As(err, &re) {
		cat := re.Category
		if cat == "" {
			cat = models.FailureRetryableExternal
		}
		return cat, re.Code, true
	}
	var ne *NonRetryableActionError
	if errors.As(err, &ne) {
		cat := ne.Category
		if cat == "" {
			cat = models.FailureUnclassified
		}
		return cat, ne.Code, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout, "ACTION_TIMEOUT", false
	}
	return models.FailureUnclassified, "", false
}
