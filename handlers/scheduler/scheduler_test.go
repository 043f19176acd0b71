package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

type countingRunner struct{ calls int32 }

func (c *countingRunner) Run(_ context.Context, req model.RunRequest) (*model.Run, error) {
	atomic.AddInt32(&c.calls, 1)
	return &model.Run{ID: "run", Pipeline: req.Pipeline, Status: model.RunStatusPassed}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewScheduler(t *testing.T) {
	req := model.RunRequest{Pipeline: "contact-app"}

	_, err := NewScheduler("", req, new(countingRunner), quietLogger())
	assert.Assert(t, errors.Is(err, ErrEmptySchedule))

	_, err = NewScheduler("not a cron", req, new(countingRunner), quietLogger())
	assert.Assert(t, err != nil)

	s, err := NewScheduler("0 3 * * *", req, new(countingRunner), quietLogger())
	assert.NilError(t, err)
	s.Start(context.Background())
	defer s.Shutdown()

	next, err := s.NextRun()
	assert.NilError(t, err)
	assert.Assert(t, next.After(time.Now()))
	assert.Equal(t, next.Minute(), 0)
}

func TestTrigger(t *testing.T) {
	runner := new(countingRunner)
	s, err := NewScheduler("0 3 * * *", model.RunRequest{Pipeline: "contact-app"}, runner, quietLogger())
	assert.NilError(t, err)
	defer s.Shutdown()

	s.trigger()
	assert.Equal(t, atomic.LoadInt32(&runner.calls), int32(1))
}
