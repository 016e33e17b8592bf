package services

import (
	"context"
	"testing"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
)

func TestSLATracker_OpenIsIdempotent(t *testing.T) {
	db := newEngineTestDB(t)
	tracker := NewSLATracker(db, logrus.New(), 0.2)

	rule := insertRule(t, db, &models.WorkflowRule{
		TenantID: 1, Name: "incident response", TriggerEventType: models.EventEntityCreated,
		SLATargetMinutes: 240, Active: true,
	})

	first, err := tracker.Open(context.Background(), rule, "incident", 10)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := tracker.Open(context.Background(), rule, "incident", 10)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("Open must reuse the open clock: got %d and %d", first.ID, second.ID)
	}

	wantTarget := first.StartedAt.Add(240 * time.Minute)
	if !first.TargetAt.Equal(wantTarget) {
		t.Fatalf("target %s, want %s", first.TargetAt, wantTarget)
	}

	var count int64
	db.Model(&models.SLATracking{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single tracking row, got %d", count)
	}
}

func TestSLATracker_OpenRequiresTarget(t *testing.T) {
	db := newEngineTestDB(t)
	tracker := NewSLATracker(db, logrus.New(), 0.2)
	rule := &models.WorkflowRule{ID: 1, TenantID: 1}

	if _, err := tracker.Open(context.Background(), rule, "incident", 1); err == nil {
		t.Fatal("a rule without an SLA target must not open a clock")
	}
}

func TestSLATracker_ResolveEntityFreezesClocks(t *testing.T) {
	db := newEngineTestDB(t)
	tracker := NewSLATracker(db, logrus.New(), 0.2)

	ruleA := insertRule(t, db, &models.WorkflowRule{
		TenantID: 1, Name: "a", TriggerEventType: models.EventEntityCreated, SLATargetMinutes: 60, Active: true,
	})
	ruleB := insertRule(t, db, &models.WorkflowRule{
		TenantID: 1, Name: "b", TriggerEventType: models.EventEntityCreated, SLATargetMinutes: 120, Active: true,
	})

	if _, err := tracker.Open(context.Background(), ruleA, "incident", 5); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if _, err := tracker.Open(context.Background(), ruleB, "incident", 5); err != nil {
		t.Fatalf("open b: %v", err)
	}
	// unrelated entity keeps its clock
	if _, err := tracker.Open(context.Background(), ruleA, "incident", 6); err != nil {
		t.Fatalf("open unrelated: %v", err)
	}

	if err := tracker.ResolveEntity(context.Background(), 1, "incident", 5); err != nil {
		t.Fatalf("ResolveEntity failed: %v", err)
	}

	var resolved, open int64
	db.Model(&models.SLATracking{}).Where("status = ?", models.SLAStatusResolved).Count(&resolved)
	db.Model(&models.SLATracking{}).Where("status <> ?", models.SLAStatusResolved).Count(&open)
	if resolved != 2 || open != 1 {
		t.Fatalf("expected 2 resolved and 1 open, got %d/%d", resolved, open)
	}

	var frozen models.SLATracking
	db.Where("entity_id = ? AND rule_id = ?", 5, ruleA.ID).First(&frozen)
	if frozen.ResolvedAt == nil {
		t.Fatal("resolved clock must record resolved_at")
	}
}

func TestSLATracker_Classify(t *testing.T) {
	tracker := NewSLATracker(nil, logrus.New(), 0.2)
	now := time.Now()

	base := models.SLATracking{
		StartedAt: now.Add(-10 * time.Hour),
		TargetAt:  now.Add(14 * time.Hour), // 24h total, 41% elapsed
		Status:    models.SLAStatusOnTrack,
	}
	if got := tracker.Classify(&base, now); got != models.SLAStatusOnTrack {
		t.Fatalf("expected on_track, got %s", got)
	}

	warning := base
	warning.StartedAt = now.Add(-22 * time.Hour)
	warning.TargetAt = now.Add(2 * time.Hour) // inside the trailing 20%
	if got := tracker.Classify(&warning, now); got != models.SLAStatusAtRisk {
		t.Fatalf("expected at_risk, got %s", got)
	}

	// overdue but not yet swept: stays at_risk until the scheduler advances it
	overdue := base
	overdue.StartedAt = now.Add(-25 * time.Hour)
	overdue.TargetAt = now.Add(-time.Hour)
	if got := tracker.Classify(&overdue, now); got != models.SLAStatusAtRisk {
		t.Fatalf("expected at_risk for unswept overdue clock, got %s", got)
	}

	breached := overdue
	breached.CurrentLevel = 1
	if got := tracker.Classify(&breached, now); got != models.SLAStatusBreached {
		t.Fatalf("expected breached, got %s", got)
	}

	resolved := breached
	resolved.Status = models.SLAStatusResolved
	if got := tracker.Classify(&resolved, now); got != models.SLAStatusResolved {
		t.Fatalf("expected resolved, got %s", got)
	}
}

func TestParseEscalationLevels(t *testing.T) {
	levels, err := ParseEscalationLevels(`[{"delay_minutes":0,"actions":[{"type":"notify","params":{"role":"owner"}}]},{"delay_minutes":2880,"actions":[{"type":"notify","params":{"role":"ciso"}}]}]`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(levels) != 2 || levels[1].DelayMinutes != 2880 {
		t.Fatalf("unexpected levels: %+v", levels)
	}

	if _, err := ParseEscalationLevels(`[{"delay_minutes":0,"actions":[{"type":"nuke"}]}]`); err == nil {
		t.Fatal("unknown action in a level must be rejected")
	}
}
