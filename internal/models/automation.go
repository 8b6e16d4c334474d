package models

import "time"

// Run statuses. A run is finalized exactly once; PARTIAL means no action
// failed outright but at least one is awaiting an external retry.
const (
	RunStatusPending = "PENDING"
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
	RunStatusPartial = "PARTIAL"
	RunStatusSkipped = "SKIPPED"
)

// Action run statuses.
const (
	ActionStatusPending  = "PENDING"
	ActionStatusRunning  = "RUNNING"
	ActionStatusSuccess  = "SUCCESS"
	ActionStatusFailed   = "FAILED"
	ActionStatusRetrying = "RETRYING"
	ActionStatusSkipped  = "SKIPPED"
)

// Failure categories recorded on failed action runs. The observability and
// explain layers classify on these values, so they are part of the schema.
const (
	FailureRetryableExternal = "RETRYABLE_EXTERNAL"
	FailureRateLimited       = "RATE_LIMITED"
	FailureInvalidConfig     = "INVALID_CONFIG"
	FailureBusinessRule      = "BUSINESS_RULE"
	FailureValidation        = "VALIDATION"
	FailureMissingRunner     = "MISSING_RUNNER"
	FailureTimeout           = "TIMEOUT"
	FailureUnclassified      = "UNCLASSIFIED"
)

// AutomationRule is a named automation policy scoped to a brand. The rule
// row only tracks identity and the status of its last run; the executable
// definition lives in immutable versions.
type AutomationRule struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BrandID       uint      `gorm:"index;not null" json:"brand_id"`
	Name          string    `gorm:"not null" json:"name"`
	Active        bool      `gorm:"default:true" json:"active"`
	LastRunStatus string    `json:"last_run_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AutomationRuleVersion is an append-only snapshot of a rule's trigger
// event, condition config and ordered action list. Versions referenced by
// runs are never mutated; editing a rule publishes a new version.
type AutomationRuleVersion struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RuleID       uint      `gorm:"index;not null" json:"rule_id"`
	Version      int       `gorm:"not null" json:"version"`
	TriggerEvent string    `gorm:"not null" json:"trigger_event"`
	Conditions   string    `gorm:"type:text" json:"conditions"` // JSON: condition config snapshot
	Actions      string    `gorm:"type:text" json:"actions"`    // JSON: [{type,params}], order is execution order
	CreatedAt    time.Time `json:"created_at"`
}

// AutomationRun is one execution of a rule version against one triggering
// event.
type AutomationRun struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RuleID        uint       `gorm:"index" json:"rule_id"`
	RuleVersionID uint       `gorm:"index" json:"rule_version_id"`
	BrandID       uint       `gorm:"index" json:"brand_id"`
	EventName     string     `gorm:"index" json:"event_name"`
	EventID       *string    `gorm:"index" json:"event_id,omitempty"`
	Status        string     `gorm:"index" json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Summary       string     `gorm:"type:text" json:"summary"`
	Error         *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	ActionRuns []AutomationActionRun `gorm:"foreignKey:RunID" json:"action_runs,omitempty"`
}

// AutomationActionRun is one attempt record for one action within a run.
// Rows are looked up by dedup key before each invocation and updated in
// place across attempts; the unique index is what makes a replay of an
// already-successful action observable across processes.
type AutomationActionRun struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RunID         uint       `gorm:"index" json:"run_id"`
	ActionIndex   int        `gorm:"not null" json:"action_index"`
	ActionType    string     `gorm:"index;not null" json:"action_type"`
	DedupKey      string     `gorm:"size:64;uniqueIndex;not null" json:"dedup_key"`
	ActionConfig  string     `gorm:"type:text" json:"action_config"` // canonical JSON of the configured params
	Status        string     `gorm:"index" json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Result        *string    `gorm:"type:text" json:"result,omitempty"`
	Error         *string    `gorm:"type:text" json:"error,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorCategory string     `gorm:"index" json:"error_category,omitempty"`
	GateResult    *string    `gorm:"type:text" json:"gate_result,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FollowUpTask is the lightweight CRM record created by the built-in
// create_task runner.
type FollowUpTask struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	BrandID   uint       `gorm:"index" json:"brand_id"`
	RunID     uint       `gorm:"index" json:"run_id"`
	Title     string     `gorm:"not null" json:"title"`
	Notes     string     `gorm:"type:text" json:"notes"`
	Status    string     `gorm:"default:open" json:"status"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
