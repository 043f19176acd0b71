// Package shell runs pipeline steps as shell scripts inside the workspace.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
)

const tailSize = 4096

var (
	ErrStepFailed  = errors.New("step failed")
	ErrStepTimeout = errors.New("step timed out")
)

type Result struct {
	ExitCode int
	Tail     string
	Duration time.Duration
}

type Executor struct {
	l     *logrus.Logger
	shell string
	env   []string
}

// NewExecutor returns an executor that adds env to the environment of every
// step.
func NewExecutor(env []string, l *logrus.Logger) *Executor {
	return &Executor{
		l:     l,
		shell: "sh",
		env:   env,
	}
}

// Execute runs step.Script with `sh -c` inside workspace. Stdout is logged at info and stderr
// at warn, both tagged with the step name. The last bytes of the combined
// output are kept in Result.Tail for the run record.
func (e *Executor) Execute(ctx context.Context, workspace string, step model.Step) (Result, error) {
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	entry := e.l.WithField("step", step.Step)
	stdout := entry.WriterLevel(logrus.InfoLevel)
	defer stdout.Close()
	stderr := entry.WriterLevel(logrus.WarnLevel)
	defer stderr.Close()
	tail := &tailBuffer{max: tailSize}

	cmd := exec.CommandContext(ctx, e.shell, "-c", step.Script) //nolint:gosec // scripts come from the pipeline definition
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stdout = io.MultiWriter(stdout, tail)
	cmd.Stderr = io.MultiWriter(stderr, tail)
	// the shell's children may keep the pipes open after a kill
	cmd.WaitDelay = time.Second

	entry.Infof("running %q", step.Script)
	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), Tail: tail.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s after %ds", ErrStepTimeout, step.Step, step.TimeoutSeconds)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, fmt.Errorf("%w: %s exited with code %d: %w", ErrStepFailed, step.Step, res.ExitCode, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
