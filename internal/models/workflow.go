package models

import "time"

// WorkflowRule 工作流自动化规则（租户级）
type WorkflowRule struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TenantID         uint      `gorm:"index:idx_rules_tenant_event;not null" json:"tenant_id"`
	Name             string    `gorm:"not null" json:"name"`
	EntityType       string    `json:"entity_type"` // incident, audit_finding, risk, complaint, policy
	TriggerEventType string    `gorm:"index:idx_rules_tenant_event;not null" json:"trigger_event_type"`
	Conditions       string    `gorm:"type:text" json:"conditions"`   // JSON: versioned condition tree
	Actions          string    `gorm:"type:text" json:"actions"`      // JSON: ordered [{type,params}]
	FieldSchema      string    `gorm:"type:text" json:"field_schema"` // JSON: field -> semantic type
	SLATargetMinutes int       `json:"sla_target_minutes"`            // 0 = no SLA clock
	EscalationLevels string    `gorm:"type:text" json:"escalation_levels"` // JSON: [{delay_minutes,actions}]
	Active           bool      `gorm:"default:true" json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RuleExecution 规则执行记录（审计 + 幂等标记）
// The (rule_id, event_id) unique index is the idempotency guarantee:
// redelivered events hit the constraint instead of re-running actions.
type RuleExecution struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      uint      `gorm:"index" json:"tenant_id"`
	RuleID        uint      `gorm:"uniqueIndex:idx_executions_dedupe;not null" json:"rule_id"`
	EventID       string    `gorm:"uniqueIndex:idx_executions_dedupe;size:36;not null" json:"event_id"`
	Status        string    `gorm:"index" json:"status"` // success, partial, failed
	ActionResults string    `gorm:"type:text" json:"action_results"` // JSON: per-action outcome
	MatchedAt     time.Time `json:"matched_at"`
	CreatedAt     time.Time `json:"created_at"`

	Rule WorkflowRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}

// SLA tracking statuses.
const (
	SLAStatusOnTrack  = "on_track"
	SLAStatusAtRisk   = "at_risk"
	SLAStatusBreached = "breached"
	SLAStatusResolved = "resolved"
)

// SLATracking 每个 (entity, rule) 的SLA时钟
// Version and ClaimedAt implement the optimistic sweep claim: a worker that
// fails the version CAS lost the row to another worker and moves on.
type SLATracking struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TenantID     uint       `gorm:"index:idx_sla_open" json:"tenant_id"`
	RuleID       uint       `gorm:"index:idx_sla_pair" json:"rule_id"`
	EntityType   string     `gorm:"index:idx_sla_pair" json:"entity_type"`
	EntityID     uint       `gorm:"index:idx_sla_pair" json:"entity_id"`
	StartedAt    time.Time  `json:"started_at"`
	TargetAt     time.Time  `gorm:"index" json:"target_at"`
	CurrentLevel int        `gorm:"default:0" json:"current_escalation_level"`
	Status       string     `gorm:"index:idx_sla_open" json:"status"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Version      int        `gorm:"default:0" json:"version"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Open reports whether the clock can still escalate.
func (t *SLATracking) Open() bool {
	return t.Status != SLAStatusResolved
}
