package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"brandops/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleService manages automation rules and their immutable versions.
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, logger: logger}
}

// AutomationRuleRequest creates or republishes a rule.
type AutomationRuleRequest struct {
	Name         string                 `json:"name" binding:"required"`
	TriggerEvent string                 `json:"trigger_event" binding:"required"`
	Conditions   map[string]interface{} `json:"conditions"`
	Actions      []ActionConfig         `json:"actions"`
	Active       *bool                  `json:"active"`
}

// CreateRule creates the rule row and publishes version 1.
func (s *RuleService) CreateRule(ctx context.Context, brandID uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &models.AutomationRule{
		BrandID:   brandID,
		Name:      req.Name,
		Active:    active,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rule).Error; err != nil {
			return err
		}
		_, err := s.publishVersionTx(tx, rule.ID, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// PublishVersion appends a new immutable version for an existing rule.
// Versions already referenced by runs are never touched.
func (s *RuleService) PublishVersion(ctx context.Context, brandID, ruleID uint, req *AutomationRuleRequest) (*models.AutomationRuleVersion, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	rule, err := s.GetRule(ctx, brandID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("rule not found")
	}
	var version *models.AutomationRuleVersion
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := s.publishVersionTx(tx, ruleID, req)
		if err != nil {
			return err
		}
		version = v
		return tx.Model(&models.AutomationRule{}).Where("id = ?", ruleID).
			Updates(map[string]interface{}{"name": req.Name, "updated_at": time.Now()}).Error
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *RuleService) publishVersionTx(tx *gorm.DB, ruleID uint, req *AutomationRuleRequest) (*models.AutomationRuleVersion, error) {
	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}
	var latest models.AutomationRuleVersion
	next := 1
	err = tx.Where("rule_id = ?", ruleID).Order("version DESC").First(&latest).Error
	if err == nil {
		next = latest.Version + 1
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	version := &models.AutomationRuleVersion{
		RuleID:       ruleID,
		Version:      next,
		TriggerEvent: req.TriggerEvent,
		Conditions:   string(condJSON),
		Actions:      string(actJSON),
		CreatedAt:    time.Now(),
	}
	if err := tx.Create(version).Error; err != nil {
		return nil, err
	}
	return version, nil
}

// GetRule returns nil when the rule does not exist or belongs to another
// brand; the two cases are indistinguishable to callers.
func (s *RuleService) GetRule(ctx context.Context, brandID, ruleID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Where("id = ? AND brand_id = ?", ruleID, brandID).First(&rule).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns a brand's rules, newest first.
func (s *RuleService) ListRules(ctx context.Context, brandID uint) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).Where("brand_id = ?", brandID).Order("id DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// DeleteRule removes a rule. Versions and runs are kept for audit.
func (s *RuleService) DeleteRule(ctx context.Context, brandID, ruleID uint) error {
	result := s.db.WithContext(ctx).Where("brand_id = ?", brandID).Delete(&models.AutomationRule{}, ruleID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

// LatestMatch builds the RuleMatch for a rule's newest version, as handed
// to the executor once the external matcher has decided the rule applies.
func (s *RuleService) LatestMatch(ctx context.Context, brandID, ruleID uint) (*RuleMatch, error) {
	rule, err := s.GetRule(ctx, brandID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("rule not found")
	}
	var version models.AutomationRuleVersion
	if err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("version DESC").First(&version).Error; err != nil {
		return nil, fmt.Errorf("load rule version: %w", err)
	}
	var actions []ActionConfig
	if version.Actions != "" {
		if err := json.Unmarshal([]byte(version.Actions), &actions); err != nil {
			return nil, fmt.Errorf("invalid actions for rule %d: %w", ruleID, err)
		}
	}
	return &RuleMatch{
		RuleID:        rule.ID,
		RuleVersionID: version.ID,
		BrandID:       rule.BrandID,
		Name:          rule.Name,
		Actions:       actions,
	}, nil
}

// AutomationRunListRequest filters the run history.
type AutomationRunListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	RuleID   uint   `form:"rule_id"`
	Status   string `form:"status"`
}

// ListRuns pages through a brand's run history, newest first, with action
// runs preloaded.
func (s *RuleService) ListRuns(ctx context.Context, brandID uint, req *AutomationRunListRequest) ([]models.AutomationRun, int64, error) {
	if req == nil {
		req = &AutomationRunListRequest{}
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.AutomationRun{}).Where("brand_id = ?", brandID)
	if req.RuleID != 0 {
		q = q.Where("rule_id = ?", req.RuleID)
	}
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var runs []models.AutomationRun
	if err := q.Preload("ActionRuns").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}
