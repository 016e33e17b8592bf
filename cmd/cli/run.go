package cli

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
	"complyflow/internal/observability"
	"complyflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine server",
	Long:  `Run the workflow automation engine server`,
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	// 初始化服务
	stream := services.NewStreamHub(appLogger)
	kriService := services.NewKRIService(db, appLogger, cfg.Risk.Hysteresis)
	kriService.SetBroadcaster(stream)
	riskService := services.NewRiskScoringService(db, appLogger, kriService, cfg.Risk.AdjustmentWindow, cfg.Risk.MaxAdjustment)
	tracker := services.NewSLATracker(db, appLogger, cfg.Scheduler.AtRiskWindow)
	executor := services.NewActionExecutor(db, appLogger,
		&services.LogNotifier{Logger: appLogger}, services.NewRoundRobinResolver(nil),
		tracker, riskService, cfg.Engine.ActionTimeout, cfg.Engine.ActionWorkers)
	engine := services.NewRuleEngine(db, appLogger, executor)
	bus := services.NewEventBus(db, appLogger, engine, tracker, cfg.Engine.EventRetention)
	bus.SetBroadcaster(stream)
	scheduler := services.NewEscalationScheduler(db, appLogger, executor, tracker,
		cfg.Scheduler.SweepInterval, cfg.Scheduler.ClaimGrace)

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

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware("complyflow"))
	}

	eventHandler := handlers.NewEventHandler(bus, stream, appLogger)
	router.GET("/health", eventHandler.Health)
	router.GET("/ws", eventHandler.Stream)

	api := router.Group("/api")
	handlers.RegisterRuleRoutes(api, handlers.NewRuleHandler(services.NewRuleService(db, appLogger, cfg.Engine.MaxConditionDepth), appLogger))
	handlers.RegisterEventRoutes(api, eventHandler)
	handlers.RegisterMonitorRoutes(api, handlers.NewMonitorHandler(tracker, riskService, kriService, appLogger))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}
