package services

import (
	"context"
	"fmt"
	"time"

	"complyflow/internal/config"
	"complyflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleTicker emits synthetic schedule_tick events on the configured
// cron specs, letting rules fire on time rather than only on entity changes
// (recurring compliance checks, periodic KRI sweeps).
type ScheduleTicker struct {
	bus    *EventBus
	logger *logrus.Logger
	cron   *cron.Cron
	specs  []config.TickSpec
}

func NewScheduleTicker(bus *EventBus, logger *logrus.Logger, specs []config.TickSpec) *ScheduleTicker {
	if logger == nil {
		logger = logrus.New()
	}
	return &ScheduleTicker{
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
		specs:  specs,
	}
}

// Start registers every spec and runs the cron loop until the context is
// cancelled. Invalid specs are skipped with a log line, not fatal.
func (t *ScheduleTicker) Start(ctx context.Context) error {
	registered := 0
	for _, spec := range t.specs {
		spec := spec
		_, err := t.cron.AddFunc(spec.Cron, func() {
			t.emit(ctx, spec)
		})
		if err != nil {
			t.logger.Warnf("invalid tick spec %q for tenant %d: %v", spec.Cron, spec.TenantID, err)
			continue
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no valid tick specs")
	}

	t.cron.Start()
	t.logger.Infof("Schedule ticker started with %d spec(s)", registered)

	go func() {
		<-ctx.Done()
		stopCtx := t.cron.Stop()
		<-stopCtx.Done()
		t.logger.Info("Schedule ticker stopped")
	}()
	return nil
}

func (t *ScheduleTicker) emit(ctx context.Context, spec config.TickSpec) {
	_, err := t.bus.Emit(ctx, &TriggerEventInput{
		TenantID:   spec.TenantID,
		EntityType: spec.EntityType,
		EventType:  models.EventScheduleTick,
		Snapshot:   map[string]interface{}{"tick": spec.Cron},
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.logger.Errorf("schedule tick emit failed: tenant=%d: %v", spec.TenantID, err)
	}
}
