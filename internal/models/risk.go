package models

import "time"

// Risk levels derived from the 1-25 score grid.
const (
	RiskLevelLow      = "low"
	RiskLevelModerate = "moderate"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Risk 风险条目
// RiskScore/RiskLevel are owned by the scoring service once DynamicScoring
// is on; the CRUD API must not write them directly.
type Risk struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	TenantID           uint      `gorm:"index" json:"tenant_id"`
	Title              string    `gorm:"not null" json:"title"`
	Category           string    `json:"category"`
	InherentLikelihood int       `json:"inherent_likelihood"` // 1-5
	InherentImpact     int       `json:"inherent_impact"`     // 1-5
	RiskScore          int       `json:"risk_score"`          // likelihood * impact
	RiskLevel          string    `json:"risk_level"`
	DynamicScoring     bool      `gorm:"default:false" json:"dynamic_scoring"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RiskScoreHistory 评分历史（append-only，从不修改或删除）
type RiskScoreHistory struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      uint      `gorm:"index" json:"tenant_id"`
	RiskID        uint      `gorm:"index" json:"risk_id"`
	EventID       string    `gorm:"size:36" json:"event_id"` // triggering TriggerEvent
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Delta         int       `json:"delta"`
	Likelihood    int       `json:"likelihood"`
	Impact        int       `json:"impact"`
	CreatedAt     time.Time `json:"created_at"`
}

// KRI threshold directions.
const (
	KRIDirectionAbove = "above"
	KRIDirectionBelow = "below"
)

// KRI 关键风险指标阈值定义
type KRI struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TenantID          uint      `gorm:"index" json:"tenant_id"`
	Name              string    `gorm:"not null" json:"name"`
	MetricKey         string    `gorm:"index;not null" json:"metric_key"`
	WarningThreshold  float64   `json:"warning_threshold"`
	CriticalThreshold float64   `json:"critical_threshold"`
	Direction         string    `gorm:"default:above" json:"direction"` // above, below
	Active            bool      `gorm:"default:true" json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// KRI alert severities and statuses.
const (
	KRISeverityWarning  = "warning"
	KRISeverityCritical = "critical"

	KRIAlertOpen   = "open"
	KRIAlertClosed = "closed"
)

// KRIAlert 指标越限告警，同一 (KRI, tenant) 至多一条 open
type KRIAlert struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    uint       `gorm:"index:idx_kri_alerts_open" json:"tenant_id"`
	KRIID       uint       `gorm:"index:idx_kri_alerts_open" json:"kri_id"`
	Severity    string     `json:"severity"`
	MetricValue float64    `json:"metric_value"`
	Status      string     `gorm:"index:idx_kri_alerts_open" json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	KRI KRI `gorm:"foreignKey:KRIID" json:"kri,omitempty"`
}
