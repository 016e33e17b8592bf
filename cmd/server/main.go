package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"complyflow/internal/config"
	"complyflow/internal/handlers"
	"complyflow/internal/models"
	"complyflow/internal/observability"
	"complyflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := buildDSN(cfg)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.WorkflowRule{}, &models.RuleExecution{}, &models.SLATracking{},
		&models.TriggerEvent{}, &models.Entity{}, &models.ActionItem{}, &models.NotificationLog{},
		&models.Risk{}, &models.RiskScoreHistory{}, &models.KRI{}, &models.KRIAlert{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化服务（依赖顺序：KRI → 风险评分 → SLA → 执行器 → 引擎 → 事件总线）
	stream := services.NewStreamHub(appLogger)
	kriService := services.NewKRIService(db, appLogger, cfg.Risk.Hysteresis)
	kriService.SetBroadcaster(stream)
	riskService := services.NewRiskScoringService(db, appLogger, kriService, cfg.Risk.AdjustmentWindow, cfg.Risk.MaxAdjustment)
	tracker := services.NewSLATracker(db, appLogger, cfg.Scheduler.AtRiskWindow)
	notifier := &services.LogNotifier{Logger: appLogger}
	resolver := services.NewRoundRobinResolver(nil)
	executor := services.NewActionExecutor(db, appLogger, notifier, resolver, tracker, riskService,
		cfg.Engine.ActionTimeout, cfg.Engine.ActionWorkers)
	engine := services.NewRuleEngine(db, appLogger, executor)
	bus := services.NewEventBus(db, appLogger, engine, tracker, cfg.Engine.EventRetention)
	bus.SetBroadcaster(stream)
	scheduler := services.NewEscalationScheduler(db, appLogger, executor, tracker,
		cfg.Scheduler.SweepInterval, cfg.Scheduler.ClaimGrace)

	// 后台任务：升级扫描、定时事件、事件日志清理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)
	go bus.StartRetention(ctx, 6*time.Hour)
	if len(cfg.Scheduler.TickSpecs) > 0 {
		ticker := services.NewScheduleTicker(bus, appLogger, cfg.Scheduler.TickSpecs)
		if err := ticker.Start(ctx); err != nil {
			appLogger.Warnf("schedule ticker disabled: %v", err)
		}
	}

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	eventHandler := handlers.NewEventHandler(bus, stream, appLogger)
	r.GET("/health", eventHandler.Health)
	r.GET("/ws", eventHandler.Stream)

	api := r.Group("/api")
	handlers.RegisterRuleRoutes(api, handlers.NewRuleHandler(services.NewRuleService(db, appLogger, cfg.Engine.MaxConditionDepth), appLogger))
	handlers.RegisterEventRoutes(api, eventHandler)
	handlers.RegisterMonitorRoutes(api, handlers.NewMonitorHandler(tracker, riskService, kriService, appLogger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		appLogger.Infof("Server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func buildDSN(cfg *config.Config) string {
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		getenvDefault("DB_HOST", cfg.Database.Host),
		getenvDefault("DB_USER", cfg.Database.User),
		getenvDefault("DB_PASSWORD", cfg.Database.Password),
		getenvDefault("DB_NAME", cfg.Database.Name),
		cfg.Database.Port,
		getenvDefault("DB_SSLMODE", "disable"),
		getenvDefault("DB_TIMEZONE", "UTC"),
	)
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
