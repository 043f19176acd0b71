package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"gotest.tools/assert"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	c := New()
	c.SetArgs(args)
	c.SetOutput(out, out)
	err := c.Execute(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const baseConfig = `
app:
  name: ci-runner
  version: test
build:
  repository: localhost:5000/contact-app
qualityGate:
  interval: 1ms
  budget: 1s
  onTimeout: fail
deploy:
  target: none
`

func TestTagCommand(t *testing.T) {
	out, err := execute(t, "tag", "--build", "42", "--time", "2026-02-16T10:17:27Z")
	assert.NilError(t, err)
	assert.Equal(t, out, "2026-02-16-at-10-17-27-build-42\n")

	_, err = execute(t, "tag", "--build=-1")
	assert.Assert(t, err != nil)

	_, err = execute(t, "tag", "--build", "1", "--time", "yesterday")
	assert.ErrorContains(t, err, "--time")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(out, "ci-runner dev"))
}

func TestBadConfig(t *testing.T) {
	_, err := execute(t, "gate", "--config", filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "config error")

	path := writeConfig(t, strings.Replace(baseConfig, "onTimeout: fail", "onTimeout: pass", 1))
	_, err = execute(t, "gate", "--config", path)
	assert.Assert(t, errors.Is(err, config.ErrInvalidOnTimeout))
}

func TestDeployWithoutTarget(t *testing.T) {
	path := writeConfig(t, baseConfig)
	_, err := execute(t, "deploy", "--config", path, "--image", "localhost:5000/contact-app:2026-02-16-at-10-17-27-build-42")
	assert.Assert(t, errors.Is(err, ErrNoDeployTarget))
}

func TestGateCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ce/task":
			fmt.Fprint(w, `{"task":{"id":"AX1","status":"SUCCESS","analysisId":"AN1"}}`)
		case "/api/qualitygates/project_status":
			fmt.Fprint(w, `{"projectStatus":{"status":"ERROR","conditions":[
				{"status":"ERROR","metricKey":"new_coverage","actualValue":"41.2","errorThreshold":"80"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	path := writeConfig(t, baseConfig+"\nanalysis:\n  hostURL: "+srv.URL+"\n  projectKey: contact-app\n")
	out, err := execute(t, "gate", "--config", path, "--task-id", "AX1")
	assert.Assert(t, errors.Is(err, ErrGateNotPassed))
	assert.Assert(t, strings.Contains(out, "ERROR"))
}

func TestGateResult(t *testing.T) {
	fail := &config.Config{QualityGate: config.QualityGate{OnTimeout: config.OnTimeoutFail}}
	warn := &config.Config{QualityGate: config.QualityGate{OnTimeout: config.OnTimeoutWarn}}
	unknown := model.Verdict{Status: model.VerdictUnknown}

	assert.NilError(t, gateResult(fail, model.Verdict{Status: model.VerdictOK}, nil))
	assert.NilError(t, gateResult(fail, model.Verdict{Status: model.VerdictWarn}, nil))
	assert.Assert(t, errors.Is(gateResult(fail, model.Verdict{Status: model.VerdictError}, nil), ErrGateNotPassed))
	assert.Assert(t, errors.Is(gateResult(fail, unknown, qualitygate.ErrGateTimeout), qualitygate.ErrGateTimeout))
	assert.NilError(t, gateResult(warn, unknown, qualitygate.ErrGateTimeout))
}

func TestBuildNumber(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	n, err := buildNumber(env(map[string]string{"BUILD_NUMBER": "118"}))
	assert.NilError(t, err)
	assert.Equal(t, n, int64(118))

	n, err = buildNumber(env(nil))
	assert.NilError(t, err)
	assert.Equal(t, n, int64(0))

	_, err = buildNumber(env(map[string]string{"BUILD_NUMBER": "abc"}))
	assert.Assert(t, errors.Is(err, ErrInvalidBuildNumber))
	_, err = buildNumber(env(map[string]string{"BUILD_NUMBER": "-4"}))
	assert.Assert(t, errors.Is(err, ErrInvalidBuildNumber))
}
