package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type failingNotifier struct{}

func (f *failingNotifier) Send(_ context.Context, _ Notification) error {
	return fmt.Errorf("smtp unreachable")
}

func newTestExecutor(t *testing.T, db *gorm.DB, notifier NotificationPort) *ActionExecutor {
	logger := logrus.New()
	tracker := NewSLATracker(db, logger, 0.2)
	resolver := NewRoundRobinResolver(map[string][]uint{
		"compliance_officer": {11, 12},
	})
	return NewActionExecutor(db, logger, notifier, resolver, tracker, nil, time.Second, 2)
}

func testActionContext(rule *models.WorkflowRule, entityType string, entityID uint) *ActionContext {
	return &ActionContext{
		TenantID:   rule.TenantID,
		Rule:       rule,
		Event:      &models.TriggerEvent{ID: "evt-test", TenantID: rule.TenantID, OccurredAt: time.Now()},
		EntityType: entityType,
		EntityID:   entityID,
	}
}

func TestActionExecutor_ChangeStatusBumpsVersion(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)

	entity := &models.Entity{TenantID: 1, EntityType: "incident", EntityID: 4, Status: "open", Version: 3}
	if err := db.Create(entity).Error; err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	rule := &models.WorkflowRule{ID: 1, TenantID: 1}

	results := executor.Execute(context.Background(), []ActionSpec{
		{Type: ActionChangeStatus, Params: map[string]interface{}{"status": "under_review"}},
	}, testActionContext(rule, "incident", 4))

	if len(results) != 1 || results[0].Status != ActionStatusSuccess {
		t.Fatalf("unexpected results: %+v", results)
	}

	var reloaded models.Entity
	if err := db.First(&reloaded, entity.ID).Error; err != nil {
		t.Fatalf("reload entity: %v", err)
	}
	if reloaded.Status != "under_review" {
		t.Fatalf("expected status under_review, got %s", reloaded.Status)
	}
	if reloaded.Version != 4 {
		t.Fatalf("expected version 4, got %d", reloaded.Version)
	}
}

func TestActionExecutor_AssignToRoleRoundRobin(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)

	entity := &models.Entity{TenantID: 1, EntityType: "incident", EntityID: 8, Status: "open"}
	if err := db.Create(entity).Error; err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	rule := &models.WorkflowRule{ID: 2, TenantID: 1}
	spec := ActionSpec{Type: ActionAssignToRole, Params: map[string]interface{}{"role": "compliance_officer"}}

	executor.Execute(context.Background(), []ActionSpec{spec}, testActionContext(rule, "incident", 8))
	var first models.Entity
	db.First(&first, entity.ID)

	executor.Execute(context.Background(), []ActionSpec{spec}, testActionContext(rule, "incident", 8))
	var second models.Entity
	db.First(&second, entity.ID)

	if first.AssigneeID == 0 || second.AssigneeID == 0 {
		t.Fatalf("assignments missing: first=%d second=%d", first.AssigneeID, second.AssigneeID)
	}
	if first.AssigneeID == second.AssigneeID {
		t.Fatalf("round robin must rotate, both got user %d", first.AssigneeID)
	}
}

func TestActionExecutor_MissingEntityFails(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)
	rule := &models.WorkflowRule{ID: 3, TenantID: 1}

	results := executor.Execute(context.Background(), []ActionSpec{
		{Type: ActionChangeStatus, Params: map[string]interface{}{"status": "closed"}},
	}, testActionContext(rule, "incident", 999))

	if results[0].Status != ActionStatusFailed {
		t.Fatalf("expected failure for missing entity, got %+v", results[0])
	}
}

func TestActionExecutor_NotifyFailureIsIsolatedAndLogged(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, &failingNotifier{})
	rule := &models.WorkflowRule{ID: 4, TenantID: 1}

	results := executor.Execute(context.Background(), []ActionSpec{
		{Type: ActionNotify, Params: map[string]interface{}{"recipient": "risk-team", "subject": "breach"}},
		{Type: ActionCreateTask, Params: map[string]interface{}{"title": "investigate"}},
	}, testActionContext(rule, "incident", 1))

	if results[0].Status != ActionStatusFailed {
		t.Fatalf("notify should fail, got %+v", results[0])
	}
	if results[1].Status != ActionStatusSuccess {
		t.Fatalf("create_task must not be blocked by the notify failure, got %+v", results[1])
	}

	var log models.NotificationLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("notification attempt must be recorded: %v", err)
	}
	if log.Status != "failed" || log.Error == "" {
		t.Fatalf("expected failed log with error, got %+v", log)
	}
}

func TestActionExecutor_CreateTaskWithDue(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)
	rule := &models.WorkflowRule{ID: 5, TenantID: 1}

	results := executor.Execute(context.Background(), []ActionSpec{
		{Type: ActionCreateTask, Params: map[string]interface{}{
			"title":       "remediate finding",
			"description": "close the control gap",
			"role":        "compliance_officer",
			"due_minutes": float64(120),
		}},
	}, testActionContext(rule, "audit_finding", 6))
	if results[0].Status != ActionStatusSuccess {
		t.Fatalf("create_task failed: %+v", results[0])
	}

	var item models.ActionItem
	if err := db.First(&item).Error; err != nil {
		t.Fatalf("load action item: %v", err)
	}
	if item.Title != "remediate finding" || item.AssigneeID == 0 || item.DueAt == nil {
		t.Fatalf("unexpected action item: %+v", item)
	}
	if item.Status != "open" {
		t.Fatalf("expected open status, got %s", item.Status)
	}
}

func TestActionExecutor_EscalateRejectedOutsideScheduler(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)
	rule := &models.WorkflowRule{ID: 6, TenantID: 1}

	actx := testActionContext(rule, "incident", 1) // Level 0
	results := executor.Execute(context.Background(), []ActionSpec{{Type: ActionEscalate}}, actx)
	if results[0].Status != ActionStatusFailed {
		t.Fatalf("escalate outside an escalation level must fail, got %+v", results[0])
	}

	actx.Level = 2
	results = executor.Execute(context.Background(), []ActionSpec{{Type: ActionEscalate}}, actx)
	if results[0].Status != ActionStatusSuccess {
		t.Fatalf("escalate inside a level must succeed, got %+v", results[0])
	}
}

func TestActionExecutor_UnknownActionFails(t *testing.T) {
	db := newEngineTestDB(t)
	executor := newTestExecutor(t, db, nil)
	rule := &models.WorkflowRule{ID: 7, TenantID: 1}

	results := executor.Execute(context.Background(), []ActionSpec{{Type: "launch_rocket"}}, testActionContext(rule, "incident", 1))
	if results[0].Status != ActionStatusFailed || results[0].Error == "" {
		t.Fatalf("unknown action must fail with an error, got %+v", results[0])
	}
}

func TestParseActions_RejectsUnknownKind(t *testing.T) {
	if _, err := ParseActions(`[{"type":"notify"},{"type":"format_disk"}]`); err == nil {
		t.Fatal("unknown action kind must be rejected at parse time")
	}
	actions, err := ParseActions("")
	if err != nil || actions != nil {
		t.Fatalf("empty action list must parse to nil, got %v %v", actions, err)
	}
}
