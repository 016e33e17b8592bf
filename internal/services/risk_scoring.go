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

// AdjustmentFunc derives the likelihood nudge (in scale points) from the
// linked events inside the lookback window. Pluggable: the default weighs
// event severity, deployments can swap in their own business rule.
type AdjustmentFunc func(risk *models.Risk, events []models.TriggerEvent) int

// RiskScoringService 动态风险评分
// Recalculation is deterministic: the same risk state plus the same linked
// events up to the triggering instant always yields the same score.
type RiskScoringService struct {
	db            *gorm.DB
	logger        *logrus.Logger
	tracer        trace.Tracer
	kri           *KRIService
	window        time.Duration
	maxAdjustment int
	adjust        AdjustmentFunc
}

func NewRiskScoringService(db *gorm.DB, logger *logrus.Logger, kri *KRIService, window time.Duration, maxAdjustment int) *RiskScoringService {
	if logger == nil {
		logger = logrus.New()
	}
	if window <= 0 {
		window = 90 * 24 * time.Hour
	}
	if maxAdjustment <= 0 {
		maxAdjustment = 2
	}
	s := &RiskScoringService{
		db:            db,
		logger:        logger,
		tracer:        otel.Tracer("complyflow.risk"),
		kri:           kri,
		window:        window,
		maxAdjustment: maxAdjustment,
	}
	s.adjust = s.severityWeightedAdjustment
	return s
}

// SetAdjustmentFunc replaces the scoring formula.
func (s *RiskScoringService) SetAdjustmentFunc(fn AdjustmentFunc) {
	if fn != nil {
		s.adjust = fn
	}
}

// Recalculate rescores a risk from its inherent likelihood/impact plus the
// bounded adjustment from linked events, and appends a history row even when
// nothing changed (delta 0 is still an audit fact).
func (s *RiskScoringService) Recalculate(ctx context.Context, tenantID, riskID uint, trigger *models.TriggerEvent) (*models.RiskScoreHistory, error) {
	ctx, span := s.tracer.Start(ctx, "risk.recalculate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("risk.id", int64(riskID)),
		attribute.Int64("risk.tenant_id", int64(tenantID)),
	)

	var risk models.Risk
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&risk, riskID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRiskNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load risk: %w", err)
	}
	if !risk.DynamicScoring {
		return nil, fmt.Errorf("dynamic scoring is disabled for risk %d", riskID)
	}

	// manual recalculations carry no trigger event
	asOf := time.Now()
	eventID := ""
	if trigger != nil {
		eventID = trigger.ID
		if !trigger.OccurredAt.IsZero() {
			asOf = trigger.OccurredAt
		}
	}
	events, err := s.linkedEvents(ctx, tenantID, riskID, asOf)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	adjustment := s.adjust(&risk, events)
	if adjustment < 0 {
		adjustment = 0
	}
	if adjustment > s.maxAdjustment {
		adjustment = s.maxAdjustment
	}

	likelihood := clampScale(risk.InherentLikelihood + adjustment)
	impact := clampScale(risk.InherentImpact)
	newScore := likelihood * impact
	previous := risk.RiskScore

	history := &models.RiskScoreHistory{
		TenantID:      tenantID,
		RiskID:        risk.ID,
		EventID:       eventID,
		PreviousScore: previous,
		NewScore:      newScore,
		Delta:         newScore - previous,
		Likelihood:    likelihood,
		Impact:        impact,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(history).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("append score history: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Risk{}).
		Where("id = ?", risk.ID).
		Updates(map[string]interface{}{
			"risk_score": newScore,
			"risk_level": RiskLevelFor(newScore),
			"updated_at": time.Now(),
		}).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update risk score: %w", err)
	}

	s.logger.Infof("Risk rescored: risk=%d tenant=%d score %d -> %d (likelihood=%d impact=%d, %d linked events)",
		risk.ID, tenantID, previous, newScore, likelihood, impact, len(events))
	span.SetAttributes(attribute.Int("risk.new_score", newScore))

	if s.kri != nil {
		if err := s.kri.EvaluateTenant(ctx, tenantID); err != nil {
			s.logger.Warnf("kri evaluation after rescore failed: %v", err)
		}
	}
	return history, nil
}

// History lists the append-only score trail for a risk, newest first.
func (s *RiskScoringService) History(ctx context.Context, tenantID, riskID uint) ([]models.RiskScoreHistory, error) {
	var history []models.RiskScoreHistory
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND risk_id = ?", tenantID, riskID).
		Order("id DESC").
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("list score history: %w", err)
	}
	return history, nil
}

// linkedEvents returns the risk's linked events inside the lookback window,
// in a stable order. Linkage is via the risk_id field in the event snapshot.
func (s *RiskScoringService) linkedEvents(ctx context.Context, tenantID, riskID uint, asOf time.Time) ([]models.TriggerEvent, error) {
	var candidates []models.TriggerEvent
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type IN ? AND occurred_at > ? AND occurred_at <= ?",
			tenantID, []string{"incident", "near_miss", "audit_finding"}, asOf.Add(-s.window), asOf).
		Order("occurred_at ASC, id ASC").
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("load linked events: %w", err)
	}

	linked := candidates[:0]
	for _, event := range candidates {
		var snapshot map[string]interface{}
		if err := json.Unmarshal([]byte(event.Snapshot), &snapshot); err != nil {
			continue
		}
		if id, ok := toFloat(snapshot["risk_id"]); ok && uint(id) == riskID {
			linked = append(linked, event)
		}
	}
	return linked, nil
}

// severityWeightedAdjustment is the default formula: critical events weigh
// 3, high 2, anything else 1, and every 3 points nudge likelihood by one
// scale point.
func (s *RiskScoringService) severityWeightedAdjustment(_ *models.Risk, events []models.TriggerEvent) int {
	points := 0
	for _, event := range events {
		var snapshot map[string]interface{}
		if err := json.Unmarshal([]byte(event.Snapshot), &snapshot); err != nil {
			continue
		}
		severity, _ := snapshot["severity"].(string)
		switch strings.ToLower(severity) {
		case "critical":
			points += 3
		case "high", "major":
			points += 2
		default:
			points++
		}
	}
	return points / 3
}

func clampScale(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// RiskLevelFor maps a 1-25 score onto the matrix bands.
func RiskLevelFor(score int) string {
	switch {
	case score >= 17:
		return models.RiskLevelCritical
	case score >= 10:
		return models.RiskLevelHigh
	case score >= 5:
		return models.RiskLevelModerate
	default:
		return models.RiskLevelLow
	}
}
