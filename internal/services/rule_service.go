package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleService 规则的增删改查与保存期校验
// Configuration errors surface here, synchronously to the administrator
// editing the rule; evaluation never re-checks them.
type RuleService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	maxDepth int
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger, maxDepth int) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &RuleService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("complyflow.rules"),
		maxDepth: maxDepth,
	}
}

// WorkflowRuleRequest 创建/更新规则请求
type WorkflowRuleRequest struct {
	Name             string               `json:"name" binding:"required"`
	EntityType       string               `json:"entity_type"`
	TriggerEventType string               `json:"trigger_event_type" binding:"required"`
	Conditions       *ConditionTree       `json:"conditions"`
	Actions          []ActionSpec         `json:"actions"`
	FieldSchema      map[string]FieldSpec `json:"field_schema"`
	SLATargetMinutes int                  `json:"sla_target_minutes"`
	EscalationLevels []EscalationLevel    `json:"escalation_levels"`
	Active           *bool                `json:"active"`
}

func (s *RuleService) CreateRule(ctx context.Context, tenantID uint, req *WorkflowRuleRequest) (*models.WorkflowRule, error) {
	ctx, span := s.tracer.Start(ctx, "rules.create")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("rule.tenant_id", int64(tenantID)),
		attribute.String("rule.name", req.Name),
	)

	if err := s.validate(req); err != nil {
		return nil, err
	}

	rule := &models.WorkflowRule{
		TenantID:         tenantID,
		Name:             req.Name,
		EntityType:       req.EntityType,
		TriggerEventType: req.TriggerEventType,
		SLATargetMinutes: req.SLATargetMinutes,
		Active:           true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if err := encodeRulePayloads(rule, req); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create rule: %w", err)
	}

	s.logger.Infof("Created workflow rule: id=%d tenant=%d name=%s trigger=%s", rule.ID, tenantID, rule.Name, rule.TriggerEventType)
	return rule, nil
}

func (s *RuleService) UpdateRule(ctx context.Context, tenantID, id uint, req *WorkflowRuleRequest) (*models.WorkflowRule, error) {
	ctx, span := s.tracer.Start(ctx, "rules.update")
	defer span.End()
	span.SetAttributes(attribute.Int64("rule.id", int64(id)))

	if err := s.validate(req); err != nil {
		return nil, err
	}

	var rule models.WorkflowRule
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRuleNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("find rule: %w", err)
	}

	rule.Name = req.Name
	rule.EntityType = req.EntityType
	rule.TriggerEventType = req.TriggerEventType
	rule.SLATargetMinutes = req.SLATargetMinutes
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if err := encodeRulePayloads(&rule, req); err != nil {
		return nil, err
	}
	rule.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update rule: %w", err)
	}

	s.logger.Infof("Updated workflow rule: id=%d tenant=%d", rule.ID, tenantID)
	return &rule, nil
}

// DeactivateRule soft-disables the rule; history stays intact.
func (s *RuleService) DeactivateRule(ctx context.Context, tenantID, id uint) error {
	result := s.db.WithContext(ctx).Model(&models.WorkflowRule{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("deactivate rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.logger.Infof("Deactivated workflow rule: id=%d tenant=%d", id, tenantID)
	return nil
}

// DeleteRule hard-deletes only rules that never fired. A rule with
// execution history is an audit artifact and can only be deactivated.
func (s *RuleService) DeleteRule(ctx context.Context, tenantID, id uint) error {
	var executions int64
	if err := s.db.WithContext(ctx).Model(&models.RuleExecution{}).
		Where("rule_id = ?", id).Count(&executions).Error; err != nil {
		return fmt.Errorf("check rule executions: %w", err)
	}
	if executions > 0 {
		return fmt.Errorf("%w: rule has %d recorded executions, deactivate it instead", ErrInvalidRule, executions)
	}

	result := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.WorkflowRule{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.logger.Infof("Deleted workflow rule: id=%d tenant=%d", id, tenantID)
	return nil
}

func (s *RuleService) GetRule(ctx context.Context, tenantID, id uint) (*models.WorkflowRule, error) {
	var rule models.WorkflowRule
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

func (s *RuleService) ListRules(ctx context.Context, tenantID uint) ([]models.WorkflowRule, error) {
	var rules []models.WorkflowRule
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func (s *RuleService) ListExecutions(ctx context.Context, tenantID uint, ruleID uint) ([]models.RuleExecution, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id DESC").Limit(200)
	if ruleID != 0 {
		query = query.Where("rule_id = ?", ruleID)
	}
	var executions []models.RuleExecution
	if err := query.Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}

// validate enforces every save-time configuration rule.
func (s *RuleService) validate(req *WorkflowRuleRequest) error {
	switch req.TriggerEventType {
	case models.EventEntityCreated, models.EventEntityUpdated, models.EventStatusChanged, models.EventScheduleTick:
	default:
		return fmt.Errorf("%w: unsupported trigger event type %q", ErrInvalidRule, req.TriggerEventType)
	}

	if req.Conditions != nil && req.Conditions.Root != nil {
		if req.Conditions.Version == 0 {
			req.Conditions.Version = conditionSchemaVersion
		}
		if req.Conditions.Version != conditionSchemaVersion {
			return fmt.Errorf("%w: unsupported condition schema version %d", ErrInvalidRule, req.Conditions.Version)
		}
		if err := checkNode(req.Conditions.Root); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		if err := ValidateConditionDepth(req.Conditions, s.maxDepth); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}

	for _, a := range req.Actions {
		if !KnownAction(a.Type) {
			return fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, a.Type)
		}
		if a.Type == ActionEscalate {
			return fmt.Errorf("%w: escalate is reserved for the escalation scheduler", ErrInvalidRule)
		}
	}

	if len(req.EscalationLevels) > 0 && req.SLATargetMinutes <= 0 {
		return fmt.Errorf("%w: escalation levels require an SLA target", ErrInvalidRule)
	}
	prevDelay := -1
	for i, level := range req.EscalationLevels {
		if level.DelayMinutes < 0 {
			return fmt.Errorf("%w: escalation level %d has negative delay", ErrInvalidRule, i+1)
		}
		if i > 0 && level.DelayMinutes <= 0 {
			return fmt.Errorf("%w: escalation level %d must add a positive delay", ErrInvalidRule, i+1)
		}
		if level.DelayMinutes < prevDelay && i > 0 {
			// delays are incremental, so due times already increase; this
			// keeps the configured tiers themselves ordered for the audit
			return fmt.Errorf("%w: escalation delays must not decrease", ErrInvalidRule)
		}
		prevDelay = level.DelayMinutes
		for _, a := range level.Actions {
			if !KnownAction(a.Type) {
				return fmt.Errorf("%w: unknown action type %q in level %d", ErrInvalidRule, a.Type, i+1)
			}
			if a.Type == ActionEscalate {
				return fmt.Errorf("%w: escalate is injected by the scheduler, not configured", ErrInvalidRule)
			}
		}
	}
	return nil
}

// encodeRulePayloads serializes the structured request parts into the
// rule's stored JSON columns.
func encodeRulePayloads(rule *models.WorkflowRule, req *WorkflowRuleRequest) error {
	if req.Conditions != nil {
		if req.Conditions.Version == 0 {
			req.Conditions.Version = conditionSchemaVersion
		}
		raw, err := json.Marshal(req.Conditions)
		if err != nil {
			return fmt.Errorf("encode conditions: %w", err)
		}
		rule.Conditions = string(raw)
	} else {
		rule.Conditions = ""
	}

	raw, err := json.Marshal(req.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	rule.Actions = string(raw)

	if req.FieldSchema != nil {
		raw, err := json.Marshal(req.FieldSchema)
		if err != nil {
			return fmt.Errorf("encode field schema: %w", err)
		}
		rule.FieldSchema = string(raw)
	} else {
		rule.FieldSchema = ""
	}

	if len(req.EscalationLevels) > 0 {
		raw, err := json.Marshal(req.EscalationLevels)
		if err != nil {
			return fmt.Errorf("encode escalation levels: %w", err)
		}
		rule.EscalationLevels = string(raw)
	} else {
		rule.EscalationLevels = ""
	}
	return nil
}
