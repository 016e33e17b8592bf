package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"complyflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Broadcaster pushes engine activity to live dashboard clients.
type Broadcaster interface {
	Broadcast(kind string, payload interface{})
}

// TriggerEventInput is the inbound shape collaborating modules emit.
type TriggerEventInput struct {
	TenantID   uint                   `json:"tenant_id" binding:"required"`
	EntityType string                 `json:"source_entity_type" binding:"required"`
	EntityID   uint                   `json:"source_entity_id"`
	EventType  string                 `json:"event_type" binding:"required"`
	Snapshot   map[string]interface{} `json:"snapshot"`
	Previous   map[string]interface{} `json:"previous"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// EventBus 事件入口：规范化、落日志、同步实体快照、驱动引擎
// Emit is fire-and-forget-safe for the caller: engine failures are contained
// and logged, never propagated back into the emitting request.
type EventBus struct {
	db        *gorm.DB
	logger    *logrus.Logger
	tracer    trace.Tracer
	engine    *RuleEngine
	tracker   *SLATracker
	stream    Broadcaster
	retention time.Duration

	terminalStatuses map[string]bool
}

func NewEventBus(db *gorm.DB, logger *logrus.Logger, engine *RuleEngine, tracker *SLATracker, retention time.Duration) *EventBus {
	if logger == nil {
		logger = logrus.New()
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &EventBus{
		db:        db,
		logger:    logger,
		tracer:    otel.Tracer("complyflow.events"),
		engine:    engine,
		tracker:   tracker,
		retention: retention,
		terminalStatuses: map[string]bool{
			"closed": true, "resolved": true, "completed": true, "withdrawn": true,
		},
	}
}

// SetBroadcaster wires the live feed hub.
func (b *EventBus) SetBroadcaster(stream Broadcaster) {
	b.stream = stream
}

// Emit normalizes and records a domain event, then runs it through the rule
// engine synchronously. The returned event is the persisted, normalized form.
func (b *EventBus) Emit(ctx context.Context, input *TriggerEventInput) (*models.TriggerEvent, error) {
	ctx, span := b.tracer.Start(ctx, "events.emit")
	defer span.End()

	event, err := b.normalize(input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.Int64("event.tenant_id", int64(event.TenantID)),
	)

	if err := b.db.WithContext(ctx).Create(event).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record event: %w", err)
	}

	if err := b.syncEntity(ctx, event, input.Snapshot); err != nil {
		b.logger.Warnf("entity snapshot sync failed: event=%s: %v", event.ID, err)
	}

	// a terminal status freezes the entity's SLA clocks before the engine
	// runs, so a sweep racing this event cannot escalate a resolved entity
	if status, ok := input.Snapshot["status"].(string); ok && b.terminalStatuses[status] {
		if err := b.tracker.ResolveEntity(ctx, event.TenantID, event.EntityType, event.EntityID); err != nil {
			b.logger.Errorf("sla resolve failed: event=%s: %v", event.ID, err)
		}
	}

	b.dispatch(ctx, event)

	if b.stream != nil {
		b.stream.Broadcast("trigger_event", event)
	}
	return event, nil
}

// dispatch contains the engine run: a panic in rule evaluation or an action
// handler must never crash the emitting caller.
func (b *EventBus) dispatch(ctx context.Context, event *models.TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("rule engine panic contained: event=%s: %v", event.ID, r)
		}
	}()
	if err := b.engine.HandleEvent(ctx, event); err != nil {
		b.logger.Errorf("rule engine failed: event=%s: %v", event.ID, err)
	}
}

func (b *EventBus) normalize(input *TriggerEventInput) (*models.TriggerEvent, error) {
	switch input.EventType {
	case models.EventEntityCreated, models.EventEntityUpdated, models.EventStatusChanged, models.EventScheduleTick:
	default:
		return nil, fmt.Errorf("unsupported event type: %q", input.EventType)
	}
	if input.TenantID == 0 {
		return nil, fmt.Errorf("tenant_id required")
	}

	snapshot, err := json.Marshal(input.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	previous, err := json.Marshal(input.Previous)
	if err != nil {
		return nil, fmt.Errorf("encode previous values: %w", err)
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return &models.TriggerEvent{
		ID:         uuid.NewString(),
		TenantID:   input.TenantID,
		EntityType: input.EntityType,
		EntityID:   input.EntityID,
		EventType:  input.EventType,
		Snapshot:   string(snapshot),
		Previous:   string(previous),
		OccurredAt: occurredAt,
		CreatedAt:  time.Now(),
	}, nil
}

// syncEntity keeps the engine-side entity mirror current so rule actions
// have something to mutate under optimistic locking.
func (b *EventBus) syncEntity(ctx context.Context, event *models.TriggerEvent, snapshot map[string]interface{}) error {
	if event.EntityID == 0 || event.EventType == models.EventScheduleTick {
		return nil
	}

	var entity models.Entity
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", event.TenantID, event.EntityType, event.EntityID).
		First(&entity).Error
	if err == gorm.ErrRecordNotFound {
		entity = models.Entity{
			TenantID:   event.TenantID,
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Fields:     event.Snapshot,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if status, ok := snapshot["status"].(string); ok {
			entity.Status = status
		}
		if assignee, ok := toFloat(snapshot["assignee_id"]); ok {
			entity.AssigneeID = uint(assignee)
		}
		return b.db.WithContext(ctx).Create(&entity).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"fields":     event.Snapshot,
		"version":    entity.Version + 1,
		"updated_at": time.Now(),
	}
	if status, ok := snapshot["status"].(string); ok {
		updates["status"] = status
	}
	if assignee, ok := toFloat(snapshot["assignee_id"]); ok {
		updates["assignee_id"] = uint(assignee)
	}
	return b.db.WithContext(ctx).Model(&models.Entity{}).
		Where("id = ? AND version = ?", entity.ID, entity.Version).
		Updates(updates).Error
}

// PruneEvents trims the append-only event log to the retention window.
func (b *EventBus) PruneEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-b.retention)
	result := b.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&models.TriggerEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune events: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		b.logger.Infof("Pruned %d trigger events older than %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}

// StartRetention runs the log pruning loop until the context is cancelled.
func (b *EventBus) StartRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.PruneEvents(ctx); err != nil {
				b.logger.Errorf("event retention error: %v", err)
			}
		}
	}
}
