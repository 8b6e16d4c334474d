package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"brandops/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// Built-in action types registered at boot. Hosts register additional
// runners through the registry.
const (
	ActionTypeCreateTask = "create_task"
	ActionTypeNotifyLog  = "notify_log"
	ActionTypeWebhook    = "webhook"
)

// RegisterBuiltinRunners wires the runners shipped with the platform.
func RegisterBuiltinRunners(registry *RunnerRegistry, db *gorm.DB, logger *logrus.Logger) {
	registry.Register(NewCreateTaskRunner(db))
	registry.Register(NewNotifyLogRunner(logger))
	registry.Register(NewWebhookRunner(logger))
}

// CreateTaskRunner creates a CRM follow-up task record.
type CreateTaskRunner struct {
	db *gorm.DB
}

func NewCreateTaskRunner(db *gorm.DB) *CreateTaskRunner {
	return &CreateTaskRunner{db: db}
}

func (r *CreateTaskRunner) Type() string { return ActionTypeCreateTask }

func (r *CreateTaskRunner) Validate(params map[string]interface{}) (map[string]interface{}, error) {
	title, _ := params["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("title param required")
	}
	return params, nil
}

func (r *CreateTaskRunner) Execute(ctx context.Context, ec ExecContext) (*ActionResult, error) {
	title, _ := ec.Action.Params["title"].(string)
	notes, _ := ec.Action.Params["notes"].(string)
	task := &models.FollowUpTask{
		RunID:  ec.RunID,
		Title:  title,
		Notes:  notes,
		Status: "open",
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, NewRetryableActionError("TASK_STORE_WRITE", err)
	}
	return &ActionResult{Data: map[string]interface{}{"task_id": task.ID}}, nil
}

// NotifyLogRunner writes a structured notification to the application log.
type NotifyLogRunner struct {
	logger *logrus.Logger
}

func NewNotifyLogRunner(logger *logrus.Logger) *NotifyLogRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotifyLogRunner{logger: logger}
}

func (r *NotifyLogRunner) Type() string { return ActionTypeNotifyLog }

func (r *NotifyLogRunner) Validate(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	if msg, _ := params["message"].(string); msg == "" {
		params["message"] = "automation notification"
	}
	return params, nil
}

func (r *NotifyLogRunner) Execute(ctx context.Context, ec ExecContext) (*ActionResult, error) {
	msg, _ := ec.Action.Params["message"].(string)
	r.logger.WithFields(logrus.Fields{
		"rule_id": ec.RuleID,
		"run_id":  ec.RunID,
		"event":   ec.Event.Type,
	}).Infof("automation notify: %s", msg)
	return &ActionResult{Data: map[string]interface{}{"message": msg}}, nil
}

// WebhookRunner POSTs the event payload to a configured URL. The client
// transport is traced so outbound calls show up in the same traces as the
// run that produced them.
type WebhookRunner struct {
	client *http.Client
	logger *logrus.Logger
}

func NewWebhookRunner(logger *logrus.Logger) *WebhookRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookRunner{
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (r *WebhookRunner) Type() string { return ActionTypeWebhook }

func (r *WebhookRunner) Validate(params map[string]interface{}) (map[string]interface{}, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url param required")
	}
	return params, nil
}

func (r *WebhookRunner) Execute(ctx context.Context, ec ExecContext) (*ActionResult, error) {
	url, _ := ec.Action.Params["url"].(string)
	body, err := json.Marshal(map[string]interface{}{
		"rule_id":   ec.RuleID,
		"rule_name": ec.RuleName,
		"run_id":    ec.RunID,
		"event":     ec.Event,
	})
	if err != nil {
		return nil, NewInvalidConfigError("WEBHOOK_PAYLOAD", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewInvalidConfigError("WEBHOOK_REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, NewRetryableActionError("WEBHOOK_TRANSPORT", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitedError("WEBHOOK_RATE_LIMITED", fmt.Errorf("webhook %s returned 429", url))
	case resp.StatusCode >= 500:
		return nil, NewRetryableActionError("WEBHOOK_UPSTREAM", fmt.Errorf("webhook %s returned %d", url, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, NewBusinessRuleError("WEBHOOK_REJECTED", fmt.Errorf("webhook %s returned %d", url, resp.StatusCode))
	}
	return &ActionResult{Data: map[string]interface{}{"status_code": resp.StatusCode}}, nil
}
