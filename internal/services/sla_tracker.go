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

// EscalationLevel is one escalation tier on a rule. DelayMinutes is the
// increment added on top of the previous level's due time; level 1 fires at
// target_at + its own delay.
type EscalationLevel struct {
	DelayMinutes int          `json:"delay_minutes"`
	Actions      []ActionSpec `json:"actions"`
}

// ParseEscalationLevels decodes a rule's stored level list.
func ParseEscalationLevels(raw string) ([]EscalationLevel, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var levels []EscalationLevel
	if err := json.Unmarshal([]byte(raw), &levels); err != nil {
		return nil, fmt.Errorf("invalid escalation levels: %w", err)
	}
	for _, level := range levels {
		for _, a := range level.Actions {
			if !KnownAction(a.Type) {
				return nil, fmt.Errorf("unknown action type: %q", a.Type)
			}
		}
	}
	return levels, nil
}

// SLATracker SLA时钟的创建、状态分类与解除
type SLATracker struct {
	db           *gorm.DB
	logger       *logrus.Logger
	tracer       trace.Tracer
	atRiskWindow float64 // trailing fraction of the SLA duration
}

func NewSLATracker(db *gorm.DB, logger *logrus.Logger, atRiskWindow float64) *SLATracker {
	if logger == nil {
		logger = logrus.New()
	}
	if atRiskWindow <= 0 || atRiskWindow >= 1 {
		atRiskWindow = 0.2
	}
	return &SLATracker{
		db:           db,
		logger:       logger,
		tracer:       otel.Tracer("complyflow.sla"),
		atRiskWindow: atRiskWindow,
	}
}

// Open starts an SLA clock for the (entity, rule) pair. Idempotent: an
// already-open row is returned unchanged, never duplicated.
func (t *SLATracker) Open(ctx context.Context, rule *models.WorkflowRule, entityType string, entityID uint) (*models.SLATracking, error) {
	ctx, span := t.tracer.Start(ctx, "sla.open")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("sla.rule_id", int64(rule.ID)),
		attribute.Int64("sla.entity_id", int64(entityID)),
	)

	if rule.SLATargetMinutes <= 0 {
		return nil, fmt.Errorf("rule %d has no SLA target", rule.ID)
	}

	var existing models.SLATracking
	err := t.db.WithContext(ctx).
		Where("tenant_id = ? AND rule_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?",
			rule.TenantID, rule.ID, entityType, entityID, models.SLAStatusResolved).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("check open sla tracking: %w", err)
	}

	now := time.Now()
	tracking := &models.SLATracking{
		TenantID:     rule.TenantID,
		RuleID:       rule.ID,
		EntityType:   entityType,
		EntityID:     entityID,
		StartedAt:    now,
		TargetAt:     now.Add(time.Duration(rule.SLATargetMinutes) * time.Minute),
		CurrentLevel: 0,
		Status:       models.SLAStatusOnTrack,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.db.WithContext(ctx).Create(tracking).Error; err != nil {
		return nil, fmt.Errorf("create sla tracking: %w", err)
	}

	t.logger.Infof("SLA clock opened: tracking=%d rule=%d entity=%s/%d target=%s",
		tracking.ID, rule.ID, entityType, entityID, tracking.TargetAt.Format(time.RFC3339))
	return tracking, nil
}

// ResolveEntity freezes every open clock for the entity. Called when a
// domain event reports the entity reached a terminal status; resolved rows
// are excluded from all future sweeps.
func (t *SLATracker) ResolveEntity(ctx context.Context, tenantID uint, entityType string, entityID uint) error {
	ctx, span := t.tracer.Start(ctx, "sla.resolve_entity")
	defer span.End()

	now := time.Now()
	result := t.db.WithContext(ctx).Model(&models.SLATracking{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND status <> ?",
			tenantID, entityType, entityID, models.SLAStatusResolved).
		Updates(map[string]interface{}{
			"status":      models.SLAStatusResolved,
			"resolved_at": now,
			"claimed_at":  nil,
			"updated_at":  now,
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("resolve sla trackings: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		t.logger.Infof("Resolved %d SLA clock(s) for entity %s/%d", result.RowsAffected, entityType, entityID)
	}
	return nil
}

// Classify returns the status of a clock at the given instant. Breached
// requires the scheduler to have advanced past level 0; an overdue row the
// sweep has not reached yet still reads at_risk.
func (t *SLATracker) Classify(tracking *models.SLATracking, now time.Time) string {
	if tracking.Status == models.SLAStatusResolved {
		return models.SLAStatusResolved
	}
	if !now.Before(tracking.TargetAt) && tracking.CurrentLevel >= 1 {
		return models.SLAStatusBreached
	}
	duration := tracking.TargetAt.Sub(tracking.StartedAt)
	warningStart := tracking.TargetAt.Add(-time.Duration(float64(duration) * t.atRiskWindow))
	if !now.Before(warningStart) {
		return models.SLAStatusAtRisk
	}
	return models.SLAStatusOnTrack
}

// ListOpen returns open clocks for a tenant, optionally filtered by status.
func (t *SLATracker) ListOpen(ctx context.Context, tenantID uint, status string) ([]models.SLATracking, error) {
	query := t.db.WithContext(ctx).
		Where("tenant_id = ? AND status <> ?", tenantID, models.SLAStatusResolved).
		Order("target_at ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var trackings []models.SLATracking
	if err := query.Find(&trackings).Error; err != nil {
		return nil, fmt.Errorf("list sla trackings: %w", err)
	}
	return trackings, nil
}
