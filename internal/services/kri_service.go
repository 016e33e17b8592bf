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

// MetricProvider supplies the current value for a metric key.
type MetricProvider func(ctx context.Context, tenantID uint) (float64, error)

// KRIService 关键风险指标阈值评估与告警管理
// At most one open alert per (KRI, tenant); deeper breaches escalate the
// open alert in place, and clearing requires the hysteresis margin so a
// metric hovering at the threshold cannot flap.
type KRIService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	stream     Broadcaster
	hysteresis float64
	providers  map[string]MetricProvider
}

func NewKRIService(db *gorm.DB, logger *logrus.Logger, hysteresis float64) *KRIService {
	if logger == nil {
		logger = logrus.New()
	}
	if hysteresis <= 0 {
		hysteresis = 0.1
	}
	s := &KRIService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("complyflow.kri"),
		hysteresis: hysteresis,
		providers:  map[string]MetricProvider{},
	}
	s.registerBuiltinProviders()
	return s
}

// SetBroadcaster wires the live feed hub.
func (s *KRIService) SetBroadcaster(stream Broadcaster) {
	s.stream = stream
}

// RegisterProvider binds a metric key to a value source. Callers supplying
// aggregate counts plug in here.
func (s *KRIService) RegisterProvider(metricKey string, provider MetricProvider) {
	s.providers[metricKey] = provider
}

func (s *KRIService) registerBuiltinProviders() {
	s.providers["avg_risk_score"] = func(ctx context.Context, tenantID uint) (float64, error) {
		var avg *float64
		err := s.db.WithContext(ctx).Model(&models.Risk{}).
			Where("tenant_id = ?", tenantID).
			Select("AVG(risk_score)").Scan(&avg).Error
		if err != nil || avg == nil {
			return 0, err
		}
		return *avg, nil
	}
	s.providers["high_risk_count"] = func(ctx context.Context, tenantID uint) (float64, error) {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Risk{}).
			Where("tenant_id = ? AND risk_level IN ?", tenantID, []string{models.RiskLevelHigh, models.RiskLevelCritical}).
			Count(&count).Error
		return float64(count), err
	}
	s.providers["breached_sla_count"] = func(ctx context.Context, tenantID uint) (float64, error) {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.SLATracking{}).
			Where("tenant_id = ? AND status = ?", tenantID, models.SLAStatusBreached).
			Count(&count).Error
		return float64(count), err
	}
}

// Evaluate pulls the KRI's current metric value and applies the threshold
// transition rules. The lookup is tenant-scoped: another tenant's KRI is
// indistinguishable from a missing one. Returns the open alert, if any,
// after evaluation.
func (s *KRIService) Evaluate(ctx context.Context, tenantID, kriID uint) (*models.KRIAlert, error) {
	ctx, span := s.tracer.Start(ctx, "kri.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("kri.id", int64(kriID)),
		attribute.Int64("kri.tenant_id", int64(tenantID)),
	)

	var kri models.KRI
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&kri, kriID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrKRINotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load kri: %w", err)
	}

	provider, ok := s.providers[kri.MetricKey]
	if !ok {
		return nil, fmt.Errorf("no provider registered for metric %q", kri.MetricKey)
	}
	value, err := provider(ctx, kri.TenantID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read metric %q: %w", kri.MetricKey, err)
	}
	return s.EvaluateValue(ctx, &kri, value)
}

// EvaluateValue applies the transition rules against a known metric value.
func (s *KRIService) EvaluateValue(ctx context.Context, kri *models.KRI, value float64) (*models.KRIAlert, error) {
	severity := s.breachSeverity(kri, value)

	var open models.KRIAlert
	err := s.db.WithContext(ctx).
		Where("kri_id = ? AND tenant_id = ? AND status = ?", kri.ID, kri.TenantID, models.KRIAlertOpen).
		First(&open).Error
	hasOpen := err == nil
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load open alert: %w", err)
	}

	now := time.Now()
	switch {
	case !hasOpen && severity != "":
		alert := &models.KRIAlert{
			TenantID:    kri.TenantID,
			KRIID:       kri.ID,
			Severity:    severity,
			MetricValue: value,
			Status:      models.KRIAlertOpen,
			OpenedAt:    now,
			UpdatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
			return nil, fmt.Errorf("open kri alert: %w", err)
		}
		s.logger.Warnf("KRI alert opened: kri=%d (%s) severity=%s value=%.2f", kri.ID, kri.Name, severity, value)
		s.broadcast("kri_alert_opened", alert)
		return alert, nil

	case hasOpen && severity != "":
		// breach while open: escalate or refresh in place, never duplicate
		updates := map[string]interface{}{"metric_value": value, "updated_at": now}
		if severity == models.KRISeverityCritical && open.Severity == models.KRISeverityWarning {
			updates["severity"] = severity
			open.Severity = severity
			s.logger.Warnf("KRI alert escalated: kri=%d (%s) value=%.2f", kri.ID, kri.Name, value)
		}
		if err := s.db.WithContext(ctx).Model(&models.KRIAlert{}).Where("id = ?", open.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update kri alert: %w", err)
		}
		open.MetricValue = value
		open.UpdatedAt = now
		s.broadcast("kri_alert_updated", &open)
		return &open, nil

	case hasOpen && s.cleared(kri, value):
		if err := s.db.WithContext(ctx).Model(&models.KRIAlert{}).
			Where("id = ?", open.ID).
			Updates(map[string]interface{}{
				"status":       models.KRIAlertClosed,
				"metric_value": value,
				"closed_at":    now,
				"updated_at":   now,
			}).Error; err != nil {
			return nil, fmt.Errorf("close kri alert: %w", err)
		}
		s.logger.Infof("KRI alert closed: kri=%d (%s) value=%.2f", kri.ID, kri.Name, value)
		open.Status = models.KRIAlertClosed
		open.ClosedAt = &now
		s.broadcast("kri_alert_closed", &open)
		return nil, nil

	case hasOpen:
		// inside the hysteresis band: neither breached nor cleared, hold
		return &open, nil

	default:
		return nil, nil
	}
}

// EvaluateTenant evaluates every active KRI for the tenant.
func (s *KRIService) EvaluateTenant(ctx context.Context, tenantID uint) error {
	var kris []models.KRI
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&kris).Error; err != nil {
		return fmt.Errorf("list kris: %w", err)
	}
	for i := range kris {
		if _, err := s.Evaluate(ctx, tenantID, kris[i].ID); err != nil {
			s.logger.Warnf("kri %d evaluation failed: %v", kris[i].ID, err)
		}
	}
	return nil
}

// ListAlerts returns a tenant's alerts, open first, newest first.
func (s *KRIService) ListAlerts(ctx context.Context, tenantID uint, status string) ([]models.KRIAlert, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("status ASC, id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var alerts []models.KRIAlert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list kri alerts: %w", err)
	}
	return alerts, nil
}

// breachSeverity classifies the value against the thresholds per direction.
func (s *KRIService) breachSeverity(kri *models.KRI, value float64) string {
	if kri.Direction == models.KRIDirectionBelow {
		switch {
		case value <= kri.CriticalThreshold:
			return models.KRISeverityCritical
		case value <= kri.WarningThreshold:
			return models.KRISeverityWarning
		}
		return ""
	}
	switch {
	case value >= kri.CriticalThreshold:
		return models.KRISeverityCritical
	case value >= kri.WarningThreshold:
		return models.KRISeverityWarning
	}
	return ""
}

// cleared requires the value back within bounds by the hysteresis margin.
func (s *KRIService) cleared(kri *models.KRI, value float64) bool {
	margin := s.hysteresis * kri.WarningThreshold
	if margin < 0 {
		margin = -margin
	}
	if kri.Direction == models.KRIDirectionBelow {
		return value >= kri.WarningThreshold+margin
	}
	return value <= kri.WarningThreshold-margin
}

func (s *KRIService) broadcast(kind string, payload interface{}) {
	if s.stream != nil {
		s.stream.Broadcast(kind, payload)
	}
}
