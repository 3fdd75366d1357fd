package task

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a unit of scheduled work, see SweepTask.Run and ReconcileTask.Run
type Job func(ctx context.Context) (bool, error)

// Scheduler runs jobs on cron schedules. A job still running when its next tick
// arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns a stopped Scheduler
func NewScheduler(logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Add schedules job under name. spec accepts the standard 5 field cron format and
// descriptors such as "@every 1h".
func (s *Scheduler) Add(name, spec string, job Job) error {
	logger := s.logger.With(zap.String("Job", name))
	_, err := s.cron.AddFunc(spec, func() {
		ran, err := job(s.ctx)
		if err != nil {
			logger.Error("Scheduled job failed",
				zap.Error(err),
			)
			return
		}
		if ran {
			logger.Info("Scheduled job completed")
		}
	})
	if err != nil {
		return extErrors.Wrapf(err, "Cannot schedule %s", name)
	}
	logger.Info("Job scheduled",
		zap.String("Schedule", spec),
	)
	return nil
}

// Start begins running the scheduled jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
