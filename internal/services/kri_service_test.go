package services

import (
	"context"
	"testing"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func insertKRI(t *testing.T, db *gorm.DB, kri *models.KRI) *models.KRI {
	if err := db.Create(kri).Error; err != nil {
		t.Fatalf("insert kri: %v", err)
	}
	return kri
}

func openAlerts(t *testing.T, db *gorm.DB, kriID uint) []models.KRIAlert {
	var alerts []models.KRIAlert
	if err := db.Where("kri_id = ? AND status = ?", kriID, models.KRIAlertOpen).Find(&alerts).Error; err != nil {
		t.Fatalf("load alerts: %v", err)
	}
	return alerts
}

func TestKRIService_BreachLifecycle(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewKRIService(db, logrus.New(), 0.1)
	kri := insertKRI(t, db, &models.KRI{
		TenantID: 1, Name: "open incidents", MetricKey: "open_incidents",
		WarningThreshold: 10, CriticalThreshold: 20, Direction: models.KRIDirectionAbove, Active: true,
	})
	ctx := context.Background()

	// below threshold: nothing opens
	if alert, err := svc.EvaluateValue(ctx, kri, 5); err != nil || alert != nil {
		t.Fatalf("no breach expected, got %v %v", alert, err)
	}

	// warning breach opens an alert
	alert, err := svc.EvaluateValue(ctx, kri, 12)
	if err != nil {
		t.Fatalf("EvaluateValue failed: %v", err)
	}
	if alert == nil || alert.Severity != models.KRISeverityWarning {
		t.Fatalf("expected warning alert, got %+v", alert)
	}

	// deeper breach escalates in place, never duplicates
	alert, err = svc.EvaluateValue(ctx, kri, 25)
	if err != nil {
		t.Fatalf("EvaluateValue failed: %v", err)
	}
	if alert.Severity != models.KRISeverityCritical {
		t.Fatalf("expected critical severity, got %s", alert.Severity)
	}
	if got := openAlerts(t, db, kri.ID); len(got) != 1 {
		t.Fatalf("expected a single open alert, got %d", len(got))
	}

	// back inside the hysteresis band: the alert holds
	alert, err = svc.EvaluateValue(ctx, kri, 9.5)
	if err != nil {
		t.Fatalf("EvaluateValue failed: %v", err)
	}
	if alert == nil || alert.Status != models.KRIAlertOpen {
		t.Fatalf("value inside the hysteresis band must hold the alert, got %+v", alert)
	}

	// clear of the margin (10 - 10%): the alert closes
	if alert, err = svc.EvaluateValue(ctx, kri, 8.9); err != nil || alert != nil {
		t.Fatalf("expected the alert to close, got %v %v", alert, err)
	}
	if got := openAlerts(t, db, kri.ID); len(got) != 0 {
		t.Fatalf("alert should be closed, still open: %+v", got)
	}

	var closed models.KRIAlert
	db.Where("kri_id = ? AND status = ?", kri.ID, models.KRIAlertClosed).First(&closed)
	if closed.ClosedAt == nil {
		t.Fatal("closed alert must record closed_at")
	}

	// a new breach after closing opens a fresh alert
	if alert, err = svc.EvaluateValue(ctx, kri, 11); err != nil || alert == nil {
		t.Fatalf("new breach must open a new alert, got %v %v", alert, err)
	}
	var total int64
	db.Model(&models.KRIAlert{}).Where("kri_id = ?", kri.ID).Count(&total)
	if total != 2 {
		t.Fatalf("expected 2 alerts total, got %d", total)
	}
}

func TestKRIService_BelowDirection(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewKRIService(db, logrus.New(), 0.1)
	kri := insertKRI(t, db, &models.KRI{
		TenantID: 1, Name: "control coverage", MetricKey: "coverage_pct",
		WarningThreshold: 80, CriticalThreshold: 60, Direction: models.KRIDirectionBelow, Active: true,
	})
	ctx := context.Background()

	alert, err := svc.EvaluateValue(ctx, kri, 55)
	if err != nil {
		t.Fatalf("EvaluateValue failed: %v", err)
	}
	if alert == nil || alert.Severity != models.KRISeverityCritical {
		t.Fatalf("expected critical for value below the critical floor, got %+v", alert)
	}

	// back above warning but within the margin (80 + 10%): holds
	if alert, err = svc.EvaluateValue(ctx, kri, 85); err != nil || alert == nil {
		t.Fatalf("value inside the margin must hold, got %v %v", alert, err)
	}

	// clear of the margin: closes
	if alert, err = svc.EvaluateValue(ctx, kri, 89); err != nil || alert != nil {
		t.Fatalf("expected close above the margin, got %v %v", alert, err)
	}
}

func TestKRIService_BuiltinProviderAndEvaluate(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewKRIService(db, logrus.New(), 0.1)

	for i := 0; i < 3; i++ {
		if err := db.Create(&models.Risk{
			TenantID: 1, Title: "r", RiskScore: 20, RiskLevel: models.RiskLevelCritical,
		}).Error; err != nil {
			t.Fatalf("insert risk: %v", err)
		}
	}
	kri := insertKRI(t, db, &models.KRI{
		TenantID: 1, Name: "high risks", MetricKey: "high_risk_count",
		WarningThreshold: 2, CriticalThreshold: 5, Direction: models.KRIDirectionAbove, Active: true,
	})

	alert, err := svc.Evaluate(context.Background(), 1, kri.ID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if alert == nil || alert.Severity != models.KRISeverityWarning || alert.MetricValue != 3 {
		t.Fatalf("expected warning at value 3, got %+v", alert)
	}

	if _, err := svc.Evaluate(context.Background(), 1, 9999); err != ErrKRINotFound {
		t.Fatalf("expected ErrKRINotFound, got %v", err)
	}
}

func TestKRIService_EvaluateIsTenantScoped(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewKRIService(db, logrus.New(), 0.1)

	if err := db.Create(&models.Risk{
		TenantID: 2, Title: "r", RiskScore: 20, RiskLevel: models.RiskLevelCritical,
	}).Error; err != nil {
		t.Fatalf("insert risk: %v", err)
	}
	kri := insertKRI(t, db, &models.KRI{
		TenantID: 2, Name: "high risks", MetricKey: "high_risk_count",
		WarningThreshold: 1, CriticalThreshold: 5, Direction: models.KRIDirectionAbove, Active: true,
	})

	// another tenant's KRI looks like a missing one
	if _, err := svc.Evaluate(context.Background(), 1, kri.ID); err != ErrKRINotFound {
		t.Fatalf("expected ErrKRINotFound across tenants, got %v", err)
	}
	if got := openAlerts(t, db, kri.ID); len(got) != 0 {
		t.Fatalf("cross-tenant evaluation must not open alerts, got %d", len(got))
	}

	// the owner evaluates normally
	alert, err := svc.Evaluate(context.Background(), 2, kri.ID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if alert == nil || alert.Severity != models.KRISeverityWarning {
		t.Fatalf("expected warning for the owning tenant, got %+v", alert)
	}
}

func TestKRIService_CustomProvider(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewKRIService(db, logrus.New(), 0.1)
	svc.RegisterProvider("overdue_tasks", func(_ context.Context, tenantID uint) (float64, error) {
		return 42, nil
	})
	kri := insertKRI(t, db, &models.KRI{
		TenantID: 1, Name: "overdue", MetricKey: "overdue_tasks",
		WarningThreshold: 10, CriticalThreshold: 40, Active: true,
	})

	alert, err := svc.Evaluate(context.Background(), 1, kri.ID)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if alert == nil || alert.Severity != models.KRISeverityCritical {
		t.Fatalf("expected critical from the custom provider, got %+v", alert)
	}

	missing := insertKRI(t, db, &models.KRI{
		TenantID: 1, Name: "unknown", MetricKey: "nope", WarningThreshold: 1, Active: true,
	})
	if _, err := svc.Evaluate(context.Background(), 1, missing.ID); err == nil {
		t.Fatal("unregistered metric key must error")
	}
}
