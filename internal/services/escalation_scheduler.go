package services

import (
	"context"
	"fmt"
	"time"

	"complyflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// EscalationScheduler advances overdue SLA clocks through their escalation
// levels. Multiple workers can sweep concurrently: per-row exclusivity comes
// from an optimistic version claim, not a global lock. All scheduling state
// lives on the SLATracking rows, so a restart never loses or duplicates an
// escalation beyond the stale-claim grace window.
type EscalationScheduler struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	executor *ActionExecutor
	tracker  *SLATracker
	interval time.Duration
	grace    time.Duration
}

func NewEscalationScheduler(db *gorm.DB, logger *logrus.Logger, executor *ActionExecutor, tracker *SLATracker, interval, grace time.Duration) *EscalationScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &EscalationScheduler{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("complyflow.escalation"),
		executor: executor,
		tracker:  tracker,
		interval: interval,
		grace:    grace,
	}
}

// Start runs the periodic sweep until the context is cancelled.
func (s *EscalationScheduler) Start(ctx context.Context) {
	s.logger.Infof("Starting escalation scheduler (interval %s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorf("Escalation sweep error: %v", err)
			}
		}
	}
}

// Sweep scans open clocks tenant by tenant and escalates the due ones.
// Returns how many rows were advanced.
func (s *EscalationScheduler) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "escalation.sweep")
	defer span.End()

	// resolved rows are excluded by the status filter, so sweep cost scales
	// with open clocks rather than historical volume
	var tenantIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.SLATracking{}).
		Where("status <> ? AND target_at <= ?", models.SLAStatusResolved, time.Now()).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list tenants with due clocks: %w", err)
	}

	escalated := 0
	for _, tenantID := range tenantIDs {
		n, err := s.sweepTenant(ctx, tenantID)
		if err != nil {
			s.logger.Errorf("Sweep failed for tenant %d: %v", tenantID, err)
			continue
		}
		escalated += n
	}

	s.refreshAtRisk(ctx)

	span.SetAttributes(attribute.Int("escalation.rows_advanced", escalated))
	return escalated, nil
}

func (s *EscalationScheduler) sweepTenant(ctx context.Context, tenantID uint) (int, error) {
	now := time.Now()
	var trackings []models.SLATracking
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status <> ? AND target_at <= ?", tenantID, models.SLAStatusResolved, now).
		Find(&trackings).Error; err != nil {
		return 0, fmt.Errorf("load due trackings: %w", err)
	}

	escalated := 0
	for i := range trackings {
		advanced, err := s.escalateOne(ctx, &trackings[i], now)
		if err == ErrClaimLost {
			continue // another worker owns the row
		}
		if err != nil {
			s.logger.Errorf("Escalation failed: tracking=%d: %v", trackings[i].ID, err)
			continue
		}
		if advanced {
			escalated++
		}
	}
	return escalated, nil
}

// escalateOne advances a single clock by one level if its next level is due.
func (s *EscalationScheduler) escalateOne(ctx context.Context, tracking *models.SLATracking, now time.Time) (bool, error) {
	var rule models.WorkflowRule
	if err := s.db.WithContext(ctx).First(&rule, tracking.RuleID).Error; err != nil {
		return false, fmt.Errorf("load rule %d: %w", tracking.RuleID, err)
	}

	levels, err := ParseEscalationLevels(rule.EscalationLevels)
	if err != nil {
		return false, err
	}
	nextLevel := tracking.CurrentLevel + 1
	if nextLevel > len(levels) {
		return false, nil // fully escalated
	}
	if now.Before(dueAt(tracking.TargetAt, levels, nextLevel)) {
		return false, nil
	}

	if err := s.claim(ctx, tracking, now); err != nil {
		return false, err
	}

	level := levels[nextLevel-1]
	actions := append([]ActionSpec{{Type: ActionEscalate}}, level.Actions...)
	actx := &ActionContext{
		TenantID:   tracking.TenantID,
		Rule:       &rule,
		Event:      &models.TriggerEvent{ID: escalationEventID(tracking.ID, nextLevel), TenantID: tracking.TenantID, OccurredAt: now},
		EntityType: tracking.EntityType,
		EntityID:   tracking.EntityID,
		Level:      nextLevel,
	}

	// the execution row is claimed before the actions run: a takeover after
	// a stale claim finds the row and only advances the level, it never
	// re-sends the level's notifications
	execution, claimed, err := claimExecution(ctx, s.db, &rule, actx.Event.ID)
	if err != nil {
		return false, fmt.Errorf("claim escalation execution: %w", err)
	}
	if claimed {
		results := s.executor.Execute(ctx, actions, actx)
		if err := finishExecution(ctx, s.db, execution, results); err != nil {
			s.logger.Warnf("record escalation results failed: tracking=%d: %v", tracking.ID, err)
		}
	}

	if err := s.commit(ctx, tracking, nextLevel, now); err != nil {
		return false, err
	}

	s.logger.Warnf("SLA escalated: tracking=%d rule=%d entity=%s/%d level=%d",
		tracking.ID, rule.ID, tracking.EntityType, tracking.EntityID, nextLevel)
	return true, nil
}

// dueAt is the instant level n (1-based) becomes due: target plus the
// accumulated delays of levels 1..n.
func dueAt(targetAt time.Time, levels []EscalationLevel, n int) time.Time {
	due := targetAt
	for i := 0; i < n && i < len(levels); i++ {
		due = due.Add(time.Duration(levels[i].DelayMinutes) * time.Minute)
	}
	return due
}

// claim takes ownership of the row via a version CAS. Rows with a live
// claim newer than the grace period belong to another worker; stale claims
// (crashed sweeps) are eligible for takeover.
func (s *EscalationScheduler) claim(ctx context.Context, tracking *models.SLATracking, now time.Time) error {
	staleBefore := now.Add(-s.grace)
	result := s.db.WithContext(ctx).Model(&models.SLATracking{}).
		Where("id = ? AND version = ? AND status <> ? AND (claimed_at IS NULL OR claimed_at < ?)",
			tracking.ID, tracking.Version, models.SLAStatusResolved, staleBefore).
		Updates(map[string]interface{}{
			"version":    tracking.Version + 1,
			"claimed_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("claim tracking %d: %w", tracking.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	tracking.Version++
	return nil
}

// commit records the new level and releases the claim.
func (s *EscalationScheduler) commit(ctx context.Context, tracking *models.SLATracking, level int, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.SLATracking{}).
		Where("id = ? AND version = ?", tracking.ID, tracking.Version).
		Updates(map[string]interface{}{
			"current_level": level,
			"status":        models.SLAStatusBreached,
			"claimed_at":    nil,
			"version":       tracking.Version + 1,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("commit escalation for tracking %d: %w", tracking.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		// claim was taken over after the grace period; the other worker
		// will re-run this level, bounded by the idempotent execution key
		return ErrClaimLost
	}
	tracking.Version++
	tracking.CurrentLevel = level
	tracking.Status = models.SLAStatusBreached
	return nil
}

func escalationEventID(trackingID uint, level int) string {
	return fmt.Sprintf("sla-%d-level-%d", trackingID, level)
}

// refreshAtRisk flips on_track rows inside their warning window to at_risk.
// Status-only write, no claim needed: the transition is monotonic and
// idempotent.
func (s *EscalationScheduler) refreshAtRisk(ctx context.Context) {
	var trackings []models.SLATracking
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.SLAStatusOnTrack).
		Find(&trackings).Error; err != nil {
		s.logger.Warnf("load on_track clocks: %v", err)
		return
	}
	now := time.Now()
	for i := range trackings {
		if s.tracker.Classify(&trackings[i], now) != models.SLAStatusAtRisk {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.SLATracking{}).
			Where("id = ? AND status = ?", trackings[i].ID, models.SLAStatusOnTrack).
			Updates(map[string]interface{}{"status": models.SLAStatusAtRisk, "updated_at": now}).Error; err != nil {
			s.logger.Warnf("mark at_risk: tracking=%d: %v", trackings[i].ID, err)
		}
	}
}
