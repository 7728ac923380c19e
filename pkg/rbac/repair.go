package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/repoperm/pkg/observability"
)

// RepairScheduler periodically recreates missing default-user global grants.
type RepairScheduler struct {
	service *Service
	cron    *cron.Cron
	timeout time.Duration
}

// NewRepairScheduler schedules RepairDefaults on a standard five-field cron
// expression or descriptor such as "@hourly".
func NewRepairScheduler(service *Service, schedule string) (*RepairScheduler, error) {
	r := &RepairScheduler{
		service: service,
		cron:    cron.New(),
		timeout: time.Minute,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("schedule default repair %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the scheduler in its own goroutine.
func (r *RepairScheduler) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for a running repair to finish or ctx to end.
func (r *RepairScheduler) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RepairScheduler) run() {
	defer observability.RecoverPanic(r.service.logger, "default permission repair")

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.RunOnce(ctx)
}

// RunOnce performs a single repair, logging and counting the outcome.
func (r *RepairScheduler) RunOnce(ctx context.Context) ([]string, error) {
	added, err := r.service.RepairDefaults(ctx)
	status := "success"
	if err != nil {
		status = "failure"
		r.service.logger.WithError(err).Error("Default permission repair failed")
	} else if len(added) > 0 {
		r.service.logger.WithField("added", added).Warn("Restored missing default permissions")
	}
	if r.service.metrics != nil {
		r.service.metrics.RepairRunsTotal.WithLabelValues(status).Inc()
	}
	return added, err
}
