package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleEngine 规则编排：加载、求值、派发动作、落执行记录
type RuleEngine struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	executor *ActionExecutor
}

func NewRuleEngine(db *gorm.DB, logger *logrus.Logger, executor *ActionExecutor) *RuleEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleEngine{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("complyflow.engine"),
		executor: executor,
	}
}

// HandleEvent evaluates the tenant's active rules against one event. Rules
// run in creation order (id tiebreak) so matching is deterministic. The
// (rule, event) idempotency key makes redelivery a no-op.
func (e *RuleEngine) HandleEvent(ctx context.Context, event *models.TriggerEvent) error {
	ctx, span := e.tracer.Start(ctx, "engine.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.Int64("event.tenant_id", int64(event.TenantID)),
	)

	var rules []models.WorkflowRule
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger_event_type = ? AND active = ?", event.TenantID, event.EventType, true).
		Where("entity_type = '' OR entity_type = ?", event.EntityType).
		Order("created_at ASC, id ASC").
		Find(&rules).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	ectx, err := buildEvalContext(event, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	matched := 0
	for i := range rules {
		if e.handleRule(ctx, &rules[i], event, ectx) {
			matched++
		}
	}

	span.SetAttributes(attribute.Int("engine.rules_matched", matched))
	return nil
}

// handleRule evaluates one rule and executes its actions on match. Returns
// whether the rule matched. Malformed rule payloads degrade to non-matches
// so the tenant's remaining rules keep running.
func (e *RuleEngine) handleRule(ctx context.Context, rule *models.WorkflowRule, event *models.TriggerEvent, ectx *EvalContext) bool {
	tree, err := ParseConditionTree(rule.Conditions)
	if err != nil {
		e.logger.Warnf("rule %d has malformed conditions, skipping: %v", rule.ID, err)
		return false
	}
	fields, err := ParseFieldSchema(rule.FieldSchema)
	if err != nil {
		e.logger.Warnf("rule %d has malformed field schema, skipping: %v", rule.ID, err)
		return false
	}
	ectx.Fields = fields

	if !EvaluateConditions(tree, ectx) {
		return false
	}

	actions, err := ParseActions(rule.Actions)
	if err != nil {
		e.logger.Warnf("rule %d has malformed actions, skipping: %v", rule.ID, err)
		return false
	}

	// the execution row doubles as the idempotency claim: it is inserted
	// before any action runs, so under at-least-once delivery the losing
	// side of a redelivery race never dispatches its actions
	execution, claimed, err := claimExecution(ctx, e.db, rule, event.ID)
	if err != nil {
		e.logger.Errorf("claim execution failed: rule=%d event=%s: %v", rule.ID, event.ID, err)
		return false
	}
	if !claimed {
		e.logger.Debugf("duplicate suppressed: rule=%d event=%s", rule.ID, event.ID)
		return true
	}

	actx := &ActionContext{
		TenantID:   event.TenantID,
		Rule:       rule,
		Event:      event,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
	}
	results := e.executor.Execute(ctx, actions, actx)
	if err := finishExecution(ctx, e.db, execution, results); err != nil {
		e.logger.Errorf("record execution results failed: rule=%d event=%s: %v", rule.ID, event.ID, err)
	}

	e.logger.Infof("rule matched: rule=%d (%s) event=%s status=%s", rule.ID, rule.Name, event.ID, execution.Status)
	return true
}

// buildEvalContext decodes the event's field snapshots.
func buildEvalContext(event *models.TriggerEvent, fields map[string]FieldSpec) (*EvalContext, error) {
	ectx := &EvalContext{
		Snapshot: map[string]interface{}{},
		Previous: map[string]interface{}{},
		Fields:   fields,
	}
	if strings.TrimSpace(event.Snapshot) != "" {
		if err := json.Unmarshal([]byte(event.Snapshot), &ectx.Snapshot); err != nil {
			return nil, fmt.Errorf("invalid event snapshot: %w", err)
		}
	}
	if strings.TrimSpace(event.Previous) != "" {
		if err := json.Unmarshal([]byte(event.Previous), &ectx.Previous); err != nil {
			return nil, fmt.Errorf("invalid event previous values: %w", err)
		}
	}
	return ectx, nil
}

// ParseFieldSchema decodes a rule's declared field semantic types.
func ParseFieldSchema(raw string) (map[string]FieldSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var fields map[string]FieldSpec
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("invalid field schema: %w", err)
	}
	return fields, nil
}

// Execution statuses. Pending marks a claimed row whose actions are still
// running or were cut short by a crash.
const (
	ExecutionStatusPending = "pending"
	ExecutionStatusSuccess = "success"
	ExecutionStatusPartial = "partial"
	ExecutionStatusFailed  = "failed"
)

// claimExecution inserts the execution row for a (rule, event) pair. The
// unique (rule_id, event_id) index makes the insert a claim: exactly one
// caller wins it, everyone else sees claimed=false and must not run the
// actions.
func claimExecution(ctx context.Context, db *gorm.DB, rule *models.WorkflowRule, eventID string) (*models.RuleExecution, bool, error) {
	now := time.Now()
	execution := &models.RuleExecution{
		TenantID:      rule.TenantID,
		RuleID:        rule.ID,
		EventID:       eventID,
		Status:        ExecutionStatusPending,
		ActionResults: "[]",
		MatchedAt:     now,
		CreatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(execution).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return execution, true, nil
}

// finishExecution stores the aggregated action results on a claimed row.
// Partial failure keeps the matched record: successful side effects are not
// rolled back, failures stay visible to operators.
func finishExecution(ctx context.Context, db *gorm.DB, execution *models.RuleExecution, results []ActionResult) error {
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Status == ActionStatusSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	status := ExecutionStatusSuccess
	switch {
	case failed > 0 && succeeded > 0:
		status = ExecutionStatusPartial
	case failed > 0:
		status = ExecutionStatusFailed
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		encoded = []byte("[]")
	}
	execution.Status = status
	execution.ActionResults = string(encoded)

	return db.WithContext(ctx).Model(&models.RuleExecution{}).
		Where("id = ?", execution.ID).
		Updates(map[string]interface{}{
			"status":         status,
			"action_results": string(encoded),
		}).Error
}

// isUniqueViolation matches the unique-index error text of both the sqlite
// driver used in tests and the postgres driver used in production.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		err == gorm.ErrDuplicatedKey
}
