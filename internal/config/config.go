package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Risk       RiskConfig       `yaml:"risk"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig 规则引擎参数
type EngineConfig struct {
	MaxConditionDepth int           `yaml:"max_condition_depth"` // rejected at rule-save time beyond this
	ActionTimeout     time.Duration `yaml:"action_timeout"`      // per-action port call timeout
	ActionWorkers     int           `yaml:"action_workers"`      // bounded concurrent action dispatch
	EventRetention    time.Duration `yaml:"event_retention"`     // trigger event log retention
}

// SchedulerConfig 升级扫描参数
type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ClaimGrace    time.Duration `yaml:"claim_grace"`    // stale claims older than this are re-claimable
	AtRiskWindow  float64       `yaml:"at_risk_window"` // trailing fraction of the SLA duration
	TickSpecs     []TickSpec    `yaml:"tick_specs"`     // cron-driven schedule_tick emission
}

// TickSpec 定时 schedule_tick 事件
type TickSpec struct {
	TenantID   uint   `yaml:"tenant_id"`
	EntityType string `yaml:"entity_type"`
	Cron       string `yaml:"cron"`
}

// RiskConfig 动态评分与KRI参数
type RiskConfig struct {
	AdjustmentWindow time.Duration `yaml:"adjustment_window"` // linked-event lookback
	MaxAdjustment    int           `yaml:"max_adjustment"`    // likelihood nudge cap, in scale points
	Hysteresis       float64       `yaml:"hysteresis"`        // fraction of threshold required to clear an alert
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	config.applyDefaults()
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "complyflow",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/complyflow.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values that would otherwise disable subsystems.
func (c *Config) applyDefaults() {
	if c.Engine.MaxConditionDepth <= 0 {
		c.Engine.MaxConditionDepth = 10
	}
	if c.Engine.ActionTimeout <= 0 {
		c.Engine.ActionTimeout = 10 * time.Second
	}
	if c.Engine.ActionWorkers <= 0 {
		c.Engine.ActionWorkers = 4
	}
	if c.Engine.EventRetention <= 0 {
		c.Engine.EventRetention = 90 * 24 * time.Hour
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = 60 * time.Second
	}
	if c.Scheduler.ClaimGrace <= 0 {
		c.Scheduler.ClaimGrace = 5 * time.Minute
	}
	if c.Scheduler.AtRiskWindow <= 0 || c.Scheduler.AtRiskWindow >= 1 {
		c.Scheduler.AtRiskWindow = 0.2
	}
	if c.Risk.AdjustmentWindow <= 0 {
		c.Risk.AdjustmentWindow = 90 * 24 * time.Hour
	}
	if c.Risk.MaxAdjustment <= 0 {
		c.Risk.MaxAdjustment = 2
	}
	if c.Risk.Hysteresis <= 0 {
		c.Risk.Hysteresis = 0.1
	}
}
