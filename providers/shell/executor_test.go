package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/assert"
)

func newExecutor(t *testing.T) (*Executor, *test.Hook, string) {
	l, hook := test.NewNullLogger()
	return NewExecutor([]string{"CI_RUNNER_TEST=contact-app"}, l), hook, t.TempDir()
}

func TestExecuteSuccess(t *testing.T) {
	e, logs, dir := newExecutor(t)

	res, err := e.Execute(context.Background(), dir, model.Step{
		Step:   "install",
		Script: "echo $CI_RUNNER_TEST && touch marker",
	})
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, 0)
	assert.Assert(t, strings.Contains(res.Tail, "contact-app"))

	_, err = os.Stat(filepath.Join(dir, "marker"))
	assert.NilError(t, err, "script must run inside the workspace")
	first := logs.AllEntries()[0]
	assert.Equal(t, first.Data["step"], "install")
}

func TestExecuteExitCode(t *testing.T) {
	e, _, dir := newExecutor(t)

	res, err := e.Execute(context.Background(), dir, model.Step{Step: "test", Script: "echo boom >&2; exit 3"})
	assert.Assert(t, errors.Is(err, ErrStepFailed))
	assert.Equal(t, res.ExitCode, 3)
	assert.Assert(t, strings.Contains(res.Tail, "boom"))
}

func TestExecuteTimeout(t *testing.T) {
	e, _, dir := newExecutor(t)

	start := time.Now()
	_, err := e.Execute(context.Background(), dir, model.Step{Step: "lint", Script: "sleep 5", TimeoutSeconds: 1})
	assert.Assert(t, errors.Is(err, ErrStepTimeout), "got %v", err)
	assert.Assert(t, time.Since(start) < 4*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	e, _, dir := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, dir, model.Step{Step: "test", Script: "true"})
	assert.Assert(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	tb.Write([]byte("abc"))
	tb.Write([]byte("defg"))
	assert.Equal(t, tb.String(), "defg")
}
