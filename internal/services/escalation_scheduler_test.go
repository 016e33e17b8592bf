package services

import (
	"context"
	"testing"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T, db *gorm.DB) (*EscalationScheduler, *SLATracker) {
	logger := logrus.New()
	tracker := NewSLATracker(db, logger, 0.2)
	executor := NewActionExecutor(db, logger, &LogNotifier{Logger: logger}, NewRoundRobinResolver(nil), tracker, nil, time.Second, 2)
	return NewEscalationScheduler(db, logger, executor, tracker, time.Minute, 5*time.Minute), tracker
}

// escalationRule is a 24h SLA with two levels: owner notification at breach,
// CISO notification 48h later.
func escalationRule(t *testing.T, db *gorm.DB) *models.WorkflowRule {
	return insertRule(t, db, &models.WorkflowRule{
		TenantID:         1,
		Name:             "incident response SLA",
		EntityType:       "incident",
		TriggerEventType: models.EventEntityCreated,
		SLATargetMinutes: 1440,
		EscalationLevels: mustJSON(t, []EscalationLevel{
			{DelayMinutes: 0, Actions: []ActionSpec{{Type: ActionNotify, Params: map[string]interface{}{"recipient": "owner", "subject": "SLA breached"}}}},
			{DelayMinutes: 2880, Actions: []ActionSpec{{Type: ActionNotify, Params: map[string]interface{}{"recipient": "ciso", "subject": "still unresolved"}}}},
		}),
		Active: true,
	})
}

func overdueTracking(t *testing.T, db *gorm.DB, rule *models.WorkflowRule, entityID uint, overdueBy time.Duration) *models.SLATracking {
	now := time.Now()
	tracking := &models.SLATracking{
		TenantID:   rule.TenantID,
		RuleID:     rule.ID,
		EntityType: "incident",
		EntityID:   entityID,
		StartedAt:  now.Add(-overdueBy - 24*time.Hour),
		TargetAt:   now.Add(-overdueBy),
		Status:     models.SLAStatusAtRisk,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(tracking).Error; err != nil {
		t.Fatalf("insert tracking: %v", err)
	}
	return tracking
}

func TestEscalationScheduler_FirstLevelAtBreach(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, _ := newTestScheduler(t, db)
	rule := escalationRule(t, db)
	tracking := overdueTracking(t, db, rule, 1, time.Hour) // 25h in

	advanced, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("expected 1 advance, got %d", advanced)
	}

	var reloaded models.SLATracking
	db.First(&reloaded, tracking.ID)
	if reloaded.CurrentLevel != 1 {
		t.Fatalf("expected level 1, got %d", reloaded.CurrentLevel)
	}
	if reloaded.Status != models.SLAStatusBreached {
		t.Fatalf("expected breached, got %s", reloaded.Status)
	}
	if reloaded.ClaimedAt != nil {
		t.Fatal("claim must be released after the commit")
	}

	var notifications []models.NotificationLog
	db.Find(&notifications)
	if len(notifications) != 1 || notifications[0].Recipient != "owner" {
		t.Fatalf("expected exactly one owner notification, got %+v", notifications)
	}

	// level 2 is 48h after the target; sweeping again now must be a no-op
	advanced, err = scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("level 2 must not be due yet, advanced %d", advanced)
	}
}

func TestEscalationScheduler_SecondLevelAfterDelay(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, _ := newTestScheduler(t, db)
	rule := escalationRule(t, db)
	tracking := overdueTracking(t, db, rule, 1, 49*time.Hour) // 73h in

	// one level per sweep, in order
	if advanced, _ := scheduler.Sweep(context.Background()); advanced != 1 {
		t.Fatalf("first sweep should advance to level 1, got %d", advanced)
	}
	if advanced, _ := scheduler.Sweep(context.Background()); advanced != 1 {
		t.Fatalf("second sweep should advance to level 2, got %d", advanced)
	}

	var reloaded models.SLATracking
	db.First(&reloaded, tracking.ID)
	if reloaded.CurrentLevel != 2 {
		t.Fatalf("expected level 2, got %d", reloaded.CurrentLevel)
	}

	var recipients []string
	db.Model(&models.NotificationLog{}).Order("id ASC").Pluck("recipient", &recipients)
	if len(recipients) != 2 || recipients[0] != "owner" || recipients[1] != "ciso" {
		t.Fatalf("expected owner then ciso, got %v", recipients)
	}

	// fully escalated: further sweeps stop
	if advanced, _ := scheduler.Sweep(context.Background()); advanced != 0 {
		t.Fatal("fully escalated clock must not advance again")
	}
}

func TestEscalationScheduler_ResolvedNeverEscalates(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, tracker := newTestScheduler(t, db)
	rule := escalationRule(t, db)
	overdueTracking(t, db, rule, 1, time.Hour)

	if err := tracker.ResolveEntity(context.Background(), 1, "incident", 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	advanced, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("resolved clock escalated %d times", advanced)
	}

	var notifications int64
	db.Model(&models.NotificationLog{}).Count(&notifications)
	if notifications != 0 {
		t.Fatalf("resolved clock produced %d notifications", notifications)
	}
}

func TestEscalationScheduler_LiveClaimBlocksTakeover(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, _ := newTestScheduler(t, db)
	rule := escalationRule(t, db)
	tracking := overdueTracking(t, db, rule, 1, time.Hour)

	// another worker claimed the row moments ago
	claimed := time.Now().Add(-time.Minute)
	db.Model(&models.SLATracking{}).Where("id = ?", tracking.ID).
		Updates(map[string]interface{}{"claimed_at": claimed})

	advanced, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if advanced != 0 {
		t.Fatal("a live claim must block other workers")
	}
}

func TestEscalationScheduler_StaleClaimTakeoverDedupes(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, _ := newTestScheduler(t, db)
	rule := escalationRule(t, db)
	tracking := overdueTracking(t, db, rule, 1, time.Hour)

	// a crashed worker claimed the row past the grace window, after already
	// recording the level's execution
	stale := time.Now().Add(-10 * time.Minute)
	db.Model(&models.SLATracking{}).Where("id = ?", tracking.ID).
		Updates(map[string]interface{}{"claimed_at": stale})
	prior := &models.RuleExecution{
		TenantID:  rule.TenantID,
		RuleID:    rule.ID,
		EventID:   escalationEventID(tracking.ID, 1),
		Status:    "success",
		MatchedAt: stale,
		CreatedAt: stale,
	}
	if err := db.Create(prior).Error; err != nil {
		t.Fatalf("insert prior execution: %v", err)
	}

	advanced, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("stale claim must be taken over, advanced %d", advanced)
	}

	var executions int64
	db.Model(&models.RuleExecution{}).
		Where("event_id = ?", escalationEventID(tracking.ID, 1)).
		Count(&executions)
	if executions != 1 {
		t.Fatalf("takeover must dedupe on the execution key, got %d rows", executions)
	}

	// the prior attempt already sent the level's notification; the takeover
	// only advances the level
	var notifications int64
	db.Model(&models.NotificationLog{}).Count(&notifications)
	if notifications != 0 {
		t.Fatalf("takeover must not re-send level notifications, got %d", notifications)
	}

	var reloaded models.SLATracking
	db.First(&reloaded, tracking.ID)
	if reloaded.CurrentLevel != 1 || reloaded.Status != models.SLAStatusBreached {
		t.Fatalf("takeover must still advance the level, got level=%d status=%s", reloaded.CurrentLevel, reloaded.Status)
	}
}

func TestEscalationScheduler_RefreshAtRisk(t *testing.T) {
	db := newEngineTestDB(t)
	scheduler, _ := newTestScheduler(t, db)
	rule := insertRule(t, db, &models.WorkflowRule{
		TenantID: 1, Name: "plain sla", TriggerEventType: models.EventEntityCreated,
		SLATargetMinutes: 60, Active: true,
	})

	now := time.Now()
	inWindow := &models.SLATracking{
		TenantID: 1, RuleID: rule.ID, EntityType: "incident", EntityID: 2,
		StartedAt: now.Add(-55 * time.Minute), TargetAt: now.Add(5 * time.Minute),
		Status: models.SLAStatusOnTrack, CreatedAt: now, UpdatedAt: now,
	}
	early := &models.SLATracking{
		TenantID: 1, RuleID: rule.ID, EntityType: "incident", EntityID: 3,
		StartedAt: now.Add(-5 * time.Minute), TargetAt: now.Add(55 * time.Minute),
		Status: models.SLAStatusOnTrack, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.Create(inWindow).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Create(early).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	var a, b models.SLATracking
	db.First(&a, inWindow.ID)
	db.First(&b, early.ID)
	if a.Status != models.SLAStatusAtRisk {
		t.Fatalf("clock in the warning window must flip to at_risk, got %s", a.Status)
	}
	if b.Status != models.SLAStatusOnTrack {
		t.Fatalf("early clock must stay on_track, got %s", b.Status)
	}
}
