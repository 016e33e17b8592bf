package models

import "time"

// Trigger event types understood by the engine.
const (
	EventEntityCreated = "entity_created"
	EventEntityUpdated = "entity_updated"
	EventStatusChanged = "status_changed"
	EventScheduleTick  = "schedule_tick"
)

// TriggerEvent 领域事件日志（append-only，保留期有限）
type TriggerEvent struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID   uint      `gorm:"index:idx_events_tenant" json:"tenant_id"`
	EntityType string    `gorm:"index:idx_events_entity" json:"source_entity_type"`
	EntityID   uint      `gorm:"index:idx_events_entity" json:"source_entity_id"`
	EventType  string    `gorm:"index:idx_events_tenant" json:"event_type"`
	Snapshot   string    `gorm:"type:text" json:"snapshot"` // JSON: field -> current value
	Previous   string    `gorm:"type:text" json:"previous"` // JSON: field -> value before the change
	OccurredAt time.Time `gorm:"index" json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entity 引擎侧的被治理实体快照
// Collaborating modules own the real records; the engine keeps this
// tenant-scoped mirror so rule actions have an optimistic-lock target.
type Entity struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"uniqueIndex:idx_entities_ref" json:"tenant_id"`
	EntityType string    `gorm:"uniqueIndex:idx_entities_ref" json:"entity_type"`
	EntityID   uint      `gorm:"uniqueIndex:idx_entities_ref" json:"entity_id"`
	Status     string    `gorm:"index" json:"status"`
	AssigneeID uint      `json:"assignee_id"`
	Fields     string    `gorm:"type:text" json:"fields"` // JSON: last seen field values
	Version    int       `gorm:"default:0" json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActionItem 由 create_task 动作产生的待办
type ActionItem struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    uint       `gorm:"index" json:"tenant_id"`
	EntityType  string     `json:"entity_type"`
	EntityID    uint       `json:"entity_id"`
	RuleID      uint       `gorm:"index" json:"rule_id"`
	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	AssigneeID  uint       `json:"assignee_id"`
	Status      string     `gorm:"default:open" json:"status"` // open, done, cancelled
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NotificationLog 出站通知审计记录
type NotificationLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index" json:"tenant_id"`
	RuleID    uint      `gorm:"index" json:"rule_id"`
	Channel   string    `json:"channel"` // email, sms, webhook
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Message   string    `gorm:"type:text" json:"message"`
	Status    string    `gorm:"index" json:"status"` // sent, failed
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
