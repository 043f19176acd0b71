// Package scheduler triggers pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
)

var ErrEmptySchedule = errors.New("empty cron schedule")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) (*model.Run, error)
}

type Scheduler struct {
	l         *logrus.Logger
	scheduler gocron.Scheduler
	job       gocron.Job
	runner    Runner
	request   model.RunRequest
	ctx       context.Context
}

// NewScheduler registers req to run on the 5 field cron expression. A run
// still going when the next one is due makes that one skip.
func NewScheduler(cron string, req model.RunRequest, runner Runner, l *logrus.Logger) (*Scheduler, error) {
	if cron == "" {
		return nil, ErrEmptySchedule
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		l:         l,
		scheduler: scheduler,
		runner:    runner,
		request:   req,
		ctx:       context.Background(),
	}
	s.job, err = scheduler.NewJob(
		gocron.CronJob(cron, false),
		gocron.NewTask(s.trigger),
		gocron.WithName("pipeline "+req.Pipeline),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("scheduling %q: %w", cron, err)
	}
	return s, nil
}

// Start schedules runs until ctx ends or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.scheduler.Start()
	if next, err := s.job.NextRun(); err == nil {
		s.l.Infof("scheduled %s, next run at %s", s.job.Name(), next.Format(time.RFC3339))
	}
}

func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

func (s *Scheduler) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

func (s *Scheduler) trigger() {
	s.l.Infof("scheduled run of %s", s.request.Pipeline)
	run, err := s.runner.Run(s.ctx, s.request)
	if err != nil {
		s.l.Errorf("scheduled run failed: %v", err)
		return
	}
	s.l.Infof("scheduled run %s finished: %s", run.ID, run.Status)
}
