package services

import (
	"context"
	"errors"
	"time"

	"brandops/internal/models"

	"gorm.io/gorm"
)

// RunStore is the narrow persistence interface the executor mutates
// through. It owns all run/action-run state; the executor keeps nothing in
// memory beyond the summary of the current invocation. Implementations
// must provide atomic single-row writes; the executor takes no locks.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AutomationRun) error
	MarkRunRunning(ctx context.Context, runID uint, at time.Time) error
	CreateActionRun(ctx context.Context, ar *models.AutomationActionRun) error
	UpdateActionRun(ctx context.Context, ar *models.AutomationActionRun) error
	// FindActionRunByDedupKey returns (nil, nil) when no row matches.
	FindActionRunByDedupKey(ctx context.Context, key string) (*models.AutomationActionRun, error)
	FinalizeRun(ctx context.Context, run *models.AutomationRun) error
	UpdateRuleLastRun(ctx context.Context, ruleID uint, status string) error
}

type gormRunStore struct {
	db *gorm.DB
}

// NewGormRunStore wraps a gorm handle in the RunStore interface.
func NewGormRunStore(db *gorm.DB) RunStore {
	return &gormRunStore{db: db}
}

func (s *gormRunStore) CreateRun(ctx context.Context, run *models.AutomationRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *gormRunStore) MarkRunRunning(ctx context.Context, runID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{"status": models.RunStatusRunning, "started_at": at}).Error
}

func (s *gormRunStore) CreateActionRun(ctx context.Context, ar *models.AutomationActionRun) error {
	return s.db.WithContext(ctx).Create(ar).Error
}

func (s *gormRunStore) UpdateActionRun(ctx context.Context, ar *models.AutomationActionRun) error {
	return s.db.WithContext(ctx).Save(ar).Error
}

func (s *gormRunStore) FindActionRunByDedupKey(ctx context.Context, key string) (*models.AutomationActionRun, error) {
	var ar models.AutomationActionRun
	err := s.db.WithContext(ctx).Where("dedup_key = ?", key).First(&ar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ar, nil
}

func (s *gormRunStore) FinalizeRun(ctx context.Context, run *models.AutomationRun) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"finished_at": run.FinishedAt,
			"summary":     run.Summary,
			"error":       run.Error,
		}).Error
}

func (s *gormRunStore) UpdateRuleLastRun(ctx context.Context, ruleID uint, status string) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		Update("last_run_status", status).Error
}
