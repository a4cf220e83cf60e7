// Package scheduler drives the periodic jobs behind the usage engine:
// period rotation, overage submission and recovery, alert dispatch and the
// provisioning outbox consumer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertservice "github.com/smallbiznis/voxbill/internal/alert/service"
	"github.com/smallbiznis/voxbill/internal/clock"
	obsmetrics "github.com/smallbiznis/voxbill/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	"github.com/smallbiznis/voxbill/internal/provisioning"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	UsageSvc   usagedomain.Service
	BillingSvc overagedomain.Service
	Alerts     *alertservice.Dispatcher
	Provision  *provisioning.Consumer
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	usageSvc   usagedomain.Service
	billingSvc overagedomain.Service
	alerts     *alertservice.Dispatcher
	provision  *provisioning.Consumer
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.UsageSvc == nil || p.BillingSvc == nil || p.Alerts == nil || p.Provision == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		usageSvc:   p.UsageSvc,
		billingSvc: p.BillingSvc,
		alerts:     p.Alerts,
		provision:  p.Provision,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"period_rotate", s.isJobEnabled("period_rotate"), func(ctx context.Context) error {
			return s.runJob(ctx, "period_rotate", s.cfg.BatchSize, 2*time.Minute, s.PeriodRotateJob)
		}},
		{"provision_consumer", s.isJobEnabled("provision_consumer"), func(ctx context.Context) error {
			return s.runJob(ctx, "provision_consumer", s.cfg.BatchSize, 30*time.Second, s.ProvisionConsumerJob)
		}},
		{"overage_submit", s.isJobEnabled("overage_submit"), func(ctx context.Context) error {
			return s.runJob(ctx, "overage_submit", s.cfg.BatchSize, 5*time.Minute, s.OverageSubmitJob)
		}},
		{"overage_recover", s.isJobEnabled("overage_recover"), func(ctx context.Context) error {
			return s.runJob(ctx, "overage_recover", s.cfg.BatchSize, 30*time.Second, s.OverageRecoverJob)
		}},
		{"alert_dispatch", s.isJobEnabled("alert_dispatch"), func(ctx context.Context) error {
			return s.runJob(ctx, "alert_dispatch", s.cfg.BatchSize, time.Minute, s.AlertDispatchJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PeriodRotateJob closes expired usage periods and opens the current
// calendar-month period for every voice-enabled tenant.
func (s *Scheduler) PeriodRotateJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "period_rotate", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.usageSvc.ResetMonthlyUsage(ctx)
	if report != nil {
		run.AddProcessed(int(report.TenantsProcessed))
		obsmetrics.Scheduler().AddBatchProcessed("period_rotate", "usage_period", int(report.PeriodsOpened))
		s.logger(ctx).Info("usage periods rotated",
			zap.Int64("tenants_processed", report.TenantsProcessed),
			zap.Int64("periods_closed", report.PeriodsClosed),
			zap.Int64("periods_opened", report.PeriodsOpened),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.period_rotate.failed", "period_rotate", 0, err)
	}
	return err
}

// OverageSubmitJob hands closed periods with unbilled overage to the
// payment processor.
func (s *Scheduler) OverageSubmitJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "overage_submit", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.billingSvc.SubmitPendingOverage(ctx)
	if report != nil {
		run.AddProcessed(report.Submitted)
		obsmetrics.Scheduler().AddBatchProcessed("overage_submit", "usage_period", report.Submitted)
		if report.Claimed > 0 {
			s.logger(ctx).Info("overage submissions processed",
				zap.Int("claimed", report.Claimed),
				zap.Int("submitted", report.Submitted),
				zap.Int("failed", report.Failed),
			)
		}
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.overage_submit.failed", "overage_submit", 0, err)
	}
	return err
}

// OverageRecoverJob requeues submissions stuck past the recovery threshold.
func (s *Scheduler) OverageRecoverJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "overage_recover", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	recovered, err := s.billingSvc.RecoverStuckSubmissions(ctx, s.cfg.RecoveryThreshold)
	run.AddProcessed(int(recovered))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.overage_recover.failed", "overage_recover", 0, err)
	}
	return err
}

// AlertDispatchJob delivers pending threshold alerts.
func (s *Scheduler) AlertDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "alert_dispatch", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	delivered, err := s.alerts.DispatchPending(ctx)
	run.AddProcessed(delivered)
	obsmetrics.Scheduler().AddBatchProcessed("alert_dispatch", "usage_alert", delivered)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.alert_dispatch.failed", "alert_dispatch", 0, err)
	}
	return err
}

// ProvisionConsumerJob drains the tenant.provisioned outbox.
func (s *Scheduler) ProvisionConsumerJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "provision_consumer", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.provision.ProcessPending(ctx)
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed("provision_consumer", "tenant", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.provision_consumer.failed", "provision_consumer", 0, err)
	}
	return err
}
