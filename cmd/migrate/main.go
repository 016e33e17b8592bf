package main

import (
	"fmt"
	"log"
	"os"

	"complyflow/internal/config"
	"complyflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 连接数据库
	db, err := gorm.Open(postgres.Open(dsn(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.WorkflowRule{},
		&models.RuleExecution{},
		&models.TriggerEvent{},
		&models.Entity{},
		&models.SLATracking{},
		&models.ActionItem{},
		&models.NotificationLog{},
		&models.Risk{},
		&models.RiskScoreHistory{},
		&models.KRI{},
		&models.KRIAlert{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 事件日志按租户/类型/时间的查询索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trigger_events_tenant_type_occurred ON trigger_events(tenant_id, event_type, occurred_at)")

	// 执行记录按租户倒序列出
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_executions_tenant_created ON rule_executions(tenant_id, created_at)")

	// 升级扫描的到期行查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sla_trackings_status_target ON sla_trackings(status, target_at)")

	// KRI 告警看板查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_kri_alerts_tenant_status ON kri_alerts(tenant_id, status)")

	// 评分历史按风险倒序
	db.Exec("CREATE INDEX IF NOT EXISTS idx_risk_score_histories_risk_created ON risk_score_histories(risk_id, created_at)")

	log.Println("Additional indexes created successfully!")

	// 插入默认数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func dsn(cfg *config.Config) string {
	if v := os.Getenv("DB_DSN"); v != "" {
		return v
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
}

func seedDefaultData(db *gorm.DB) {
	// 示例规则：新建严重事件自动分派并启动 SLA
	var demoRule models.WorkflowRule
	if err := db.Where("name = ?", "critical incident intake").First(&demoRule).Error; err != nil {
		demoRule = models.WorkflowRule{
			TenantID:         1,
			Name:             "critical incident intake",
			EntityType:       "incident",
			TriggerEventType: "entity_created",
			Conditions:       `{"version":1,"root":{"type":"predicate","field":"severity","op":"in","value":["high","critical"]}}`,
			Actions:          `[{"type":"assign_to_role","params":{"role":"compliance_officer"}},{"type":"notify","params":{"recipient":"compliance_officer","template":"incident_intake"}}]`,
			FieldSchema:      `{"severity":{"type":"enum","enum":["low","medium","high","critical"]}}`,
			SLATargetMinutes: 240,
			EscalationLevels: `[{"delay_minutes":0,"actions":[{"type":"notify","params":{"recipient":"owner","template":"sla_breach"}}]},{"delay_minutes":1440,"actions":[{"type":"notify","params":{"recipient":"ciso","template":"sla_breach"}}]}]`,
			Active:           true,
		}
		db.Create(&demoRule)
		log.Println("Created demo workflow rule")
	}

	// 示例风险（启用动态评分）
	var demoRisk models.Risk
	if err := db.Where("title = ?", "Third-party data processor outage").First(&demoRisk).Error; err != nil {
		demoRisk = models.Risk{
			TenantID:           1,
			Title:              "Third-party data processor outage",
			Category:           "operational",
			InherentLikelihood: 3,
			InherentImpact:     4,
			RiskScore:          12,
			RiskLevel:          models.RiskLevelHigh,
			DynamicScoring:     true,
		}
		db.Create(&demoRisk)
		log.Println("Created demo risk")
	}

	// 示例 KRI：高风险数量
	var demoKRI models.KRI
	if err := db.Where("metric_key = ? AND tenant_id = ?", "high_risk_count", 1).First(&demoKRI).Error; err != nil {
		demoKRI = models.KRI{
			TenantID:          1,
			Name:              "Open high risks",
			MetricKey:         "high_risk_count",
			WarningThreshold:  5,
			CriticalThreshold: 10,
			Direction:         models.KRIDirectionAbove,
			Active:            true,
		}
		db.Create(&demoKRI)
		log.Println("Created demo KRI")
	}
}
