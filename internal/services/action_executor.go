package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Action kinds. The set is closed: unknown kinds are rejected when a rule is
// saved, and dispatch goes through a lookup table rather than reflection.
const (
	ActionAssignToRole    = "assign_to_role"
	ActionChangeStatus    = "change_status"
	ActionCreateTask      = "create_task"
	ActionNotify          = "notify"
	ActionRecalculateRisk = "recalculate_risk_score"
	ActionStartSLA        = "start_sla"
	ActionEscalate        = "escalate"
)

// Action result statuses.
const (
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
)

// ActionSpec describes one configured action on a rule or escalation level.
type ActionSpec struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ActionResult 单个动作的执行结果
type ActionResult struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ActionContext carries what a handler needs about the match being executed.
// Level is 0 for regular rule matches and N>=1 when the escalation scheduler
// runs a level's actions.
type ActionContext struct {
	TenantID   uint
	Rule       *models.WorkflowRule
	Event      *models.TriggerEvent
	EntityType string
	EntityID   uint
	Level      int
}

type actionHandler func(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error)

// ActionExecutor runs a rule's actions. Actions are independent: one
// failure never blocks the others, and each outcome is recorded separately.
type ActionExecutor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	notifier NotificationPort
	resolver AssignmentResolver
	sla      *SLATracker
	risk     *RiskScoringService

	timeout  time.Duration
	workers  int
	handlers map[string]actionHandler
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, notifier NotificationPort, resolver AssignmentResolver, sla *SLATracker, risk *RiskScoringService, timeout time.Duration, workers int) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	e := &ActionExecutor{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("complyflow.actions"),
		notifier: notifier,
		resolver: resolver,
		sla:      sla,
		risk:     risk,
		timeout:  timeout,
		workers:  workers,
	}
	e.handlers = map[string]actionHandler{
		ActionAssignToRole:    e.assignToRole,
		ActionChangeStatus:    e.changeStatus,
		ActionCreateTask:      e.createTask,
		ActionNotify:          e.notify,
		ActionRecalculateRisk: e.recalculateRisk,
		ActionStartSLA:        e.startSLA,
		ActionEscalate:        e.escalate,
	}
	return e
}

// KnownAction reports whether kind is a supported action type.
func KnownAction(kind string) bool {
	switch kind {
	case ActionAssignToRole, ActionChangeStatus, ActionCreateTask, ActionNotify,
		ActionRecalculateRisk, ActionStartSLA, ActionEscalate:
		return true
	}
	return false
}

// Execute runs every action and returns one result per action, in input
// order. Actions are dispatched through a bounded worker pool; they are
// side-effect isolated, so concurrent execution is safe.
func (e *ActionExecutor) Execute(ctx context.Context, actions []ActionSpec, actx *ActionContext) []ActionResult {
	ctx, span := e.tracer.Start(ctx, "actions.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("actions.count", len(actions)),
		attribute.Int64("actions.tenant_id", int64(actx.TenantID)),
	)

	results := make([]ActionResult, len(actions))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, spec := range actions {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, spec ActionSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.runOne(ctx, spec, actx)
		}(i, spec)
	}
	wg.Wait()
	return results
}

func (e *ActionExecutor) runOne(ctx context.Context, spec ActionSpec, actx *ActionContext) ActionResult {
	handler, ok := e.handlers[spec.Type]
	if !ok {
		return ActionResult{Type: spec.Type, Status: ActionStatusFailed, Error: "unsupported action type"}
	}

	// external port calls must not hang the engine's critical path
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	detail, err := handler(ctx, spec, actx)
	if err != nil {
		e.logger.Warnf("action %s failed: rule=%d tenant=%d: %v", spec.Type, actx.Rule.ID, actx.TenantID, err)
		return ActionResult{Type: spec.Type, Status: ActionStatusFailed, Error: err.Error()}
	}
	return ActionResult{Type: spec.Type, Status: ActionStatusSuccess, Detail: detail}
}

func (e *ActionExecutor) assignToRole(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error) {
	role := paramString(spec.Params, "role")
	if role == "" {
		return "", fmt.Errorf("role param required")
	}
	if e.resolver == nil {
		return "", fmt.Errorf("no assignment resolver configured")
	}
	userID, err := e.resolver.Resolve(ctx, actx.TenantID, role)
	if err != nil {
		return "", fmt.Errorf("resolve role %q: %w", role, err)
	}
	if err := e.mutateEntity(ctx, actx, func(entity *models.Entity) {
		entity.AssigneeID = userID
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("assigned to user %d", userID), nil
}

func (e *ActionExecutor) changeStatus(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error) {
	status := paramString(spec.Params, "status")
	if status == "" {
		return "", fmt.Errorf("status param required")
	}
	if err := e.mutateEntity(ctx, actx, func(entity *models.Entity) {
		entity.Status = status
	}); err != nil {
		return "", err
	}
	return "status set to " + status, nil
}

func (e *ActionExecutor) createTask(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error) {
	title := paramString(spec.Params, "title")
	if title == "" {
		return "", fmt.Errorf("title param required")
	}
	item := &models.ActionItem{
		TenantID:    actx.TenantID,
		EntityType:  actx.EntityType,
		EntityID:    actx.EntityID,
		RuleID:      actx.Rule.ID,
		Title:       title,
		Description: paramString(spec.Params, "description"),
		Status:      "open",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if role := paramString(spec.Params, "role"); role != "" && e.resolver != nil {
		if userID, err := e.resolver.Resolve(ctx, actx.TenantID, role); err == nil {
			item.AssigneeID = userID
		}
	}
	if mins, ok := paramInt(spec.Params, "due_minutes"); ok && mins > 0 {
		due := time.Now().Add(time.Duration(mins) * time.Minute)
		item.DueAt = &due
	}
	if err := e.db.WithContext(ctx).Create(item).Error; err != nil {
		return "", fmt.Errorf("create action item: %w", err)
	}
	return fmt.Sprintf("action item %d created", item.ID), nil
}

func (e *ActionExecutor) notify(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error) {
	n := Notification{
		TenantID:  actx.TenantID,
		Channel:   paramString(spec.Params, "channel"),
		Recipient: paramString(spec.Params, "recipient"),
		Subject:   paramString(spec.Params, "subject"),
		Message:   paramString(spec.Params, "message"),
	}
	if n.Channel == "" {
		n.Channel = "email"
	}
	if role := paramString(spec.Params, "role"); role != "" && n.Recipient == "" && e.resolver != nil {
		userID, err := e.resolver.Resolve(ctx, actx.TenantID, role)
		if err != nil {
			return "", fmt.Errorf("resolve role %q: %w", role, err)
		}
		n.Recipient = fmt.Sprintf("user:%d", userID)
	}

	sendErr := e.notifier.Send(ctx, n)

	logEntry := &models.NotificationLog{
		TenantID:  actx.TenantID,
		RuleID:    actx.Rule.ID,
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Message:   n.Message,
		Status:    "sent",
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		logEntry.Status = "failed"
		logEntry.Error = sendErr.Error()
	}
	if err := e.db.WithContext(ctx).Create(logEntry).Error; err != nil {
		e.logger.Warnf("record notification failed: %v", err)
	}
	if sendErr != nil {
		return "", fmt.Errorf("send notification: %w", sendErr)
	}
	return "notified " + n.Recipient, nil
}

func (e *ActionExecutor) recalculateRisk(ctx context.Context, spec ActionSpec, actx *ActionContext) (string, error) {
	if e.risk == nil {
		return "", fmt.Errorf("risk scoring not wired")
	}
	riskID := actx.EntityID
	if id, ok := paramInt(spec.Params, "risk_id"); ok {
		riskID = uint(id)
	} else if !strings.EqualFold(actx.EntityType, "risk") {
		return "", fmt.Errorf("risk_id param required for %s events", actx.EntityType)
	}
	history, err := e.risk.Recalculate(ctx, actx.TenantID, riskID, actx.Event)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("risk %d rescored %d -> %d", riskID, history.PreviousScore, history.NewScore), nil
}

func (e *ActionExecutor) startSLA(ctx context.Context, _ ActionSpec, actx *ActionContext) (string, error) {
	if e.sla == nil {
		return "", fmt.Errorf("sla tracker not wired")
	}
	tracking, err := e.sla.Open(ctx, actx.Rule, actx.EntityType, actx.EntityID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sla clock %d open, target %s", tracking.ID, tracking.TargetAt.Format(time.RFC3339)), nil
}

// escalate is scheduler-internal: the sweep prepends it to a level's action
// list so the execution audit carries the level advance. Regular rule
// matches must not use it.
func (e *ActionExecutor) escalate(_ context.Context, _ ActionSpec, actx *ActionContext) (string, error) {
	if actx.Level < 1 {
		return "", fmt.Errorf("escalate is only valid inside an escalation level")
	}
	return fmt.Sprintf("escalated to level %d", actx.Level), nil
}

// mutateEntity applies an optimistic-lock-aware write against the entity
// snapshot: read, mutate, compare-and-swap on version. One retry against
// fresh state; a second conflict is reported as a failed action.
func (e *ActionExecutor) mutateEntity(ctx context.Context, actx *ActionContext, mutate func(*models.Entity)) error {
	for attempt := 0; attempt < 2; attempt++ {
		var entity models.Entity
		err := e.db.WithContext(ctx).
			Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", actx.TenantID, actx.EntityType, actx.EntityID).
			First(&entity).Error
		if err == gorm.ErrRecordNotFound {
			return ErrEntityMissing
		}
		if err != nil {
			return fmt.Errorf("load entity: %w", err)
		}

		mutate(&entity)
		result := e.db.WithContext(ctx).Model(&models.Entity{}).
			Where("id = ? AND version = ?", entity.ID, entity.Version).
			Updates(map[string]interface{}{
				"status":      entity.Status,
				"assignee_id": entity.AssigneeID,
				"version":     entity.Version + 1,
				"updated_at":  time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("update entity: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}
		// lost to a concurrent edit; reload and try once more
	}
	return ErrVersionConflict
}

// ParseActions decodes a stored action list, rejecting unknown kinds.
func ParseActions(raw string) ([]ActionSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var actions []ActionSpec
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}
	for _, a := range actions {
		if !KnownAction(a.Type) {
			return nil, fmt.Errorf("unknown action type: %q", a.Type)
		}
	}
	return actions, nil
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]interface{}, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	if f, ok := toFloat(params[key]); ok {
		return int(f), true
	}
	return 0, false
}
