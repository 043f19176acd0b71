package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const Source = "github-checks"

var ErrMissingCommit = errors.New("commit sha is required to read check runs")

var _ qualitygate.Gate = new(ChecksGate)

// ChecksGate reads the verdict of the analysis from the check run the
// analysis service attaches to the commit.
type ChecksGate struct {
	l         *logrus.Logger
	apiURL    string
	owner     string
	repo      string
	token     string
	checkName string
	userAgent string
	interval  time.Duration
	budget    time.Duration
	client    *http.Client
}

func NewChecksGate(apiURL, owner, repo, token, checkName, userAgent string, interval, budget time.Duration, l *logrus.Logger) *ChecksGate {
	return &ChecksGate{
		l:         l,
		apiURL:    strings.TrimSuffix(apiURL, "/"),
		owner:     owner,
		repo:      repo,
		token:     token,
		checkName: checkName,
		userAgent: userAgent,
		interval:  interval,
		budget:    budget,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *ChecksGate) Await(ctx context.Context, req qualitygate.GateRequest) (model.Verdict, error) {
	if req.Commit == "" {
		return model.Verdict{Status: model.VerdictUnknown, Source: Source}, ErrMissingCommit
	}
	return qualitygate.Poll(ctx, g.interval, g.budget, "github check "+g.checkName, g.l, func(ctx context.Context) (model.Verdict, error) {
		return g.checkRun(ctx, req.Commit)
	})
}

func (g *ChecksGate) checkRun(ctx context.Context, sha string) (model.Verdict, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?check_name=%s",
		g.apiURL, g.owner, g.repo, sha, url.QueryEscape(g.checkName))

	authorization := ""
	if g.token != "" {
		authorization = "token " + g.token
	}
	jsonBody, status, err := qualitygate.Get(ctx, g.client, endpoint, authorization, g.userAgent)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
			g.l.Errorf("githubChecks.checkRun: commit %s not found in %s/%s", sha, g.owner, g.repo)
			return model.Verdict{Source: Source}, retry.Permanent(err)
		}
		return model.Verdict{Source: Source}, err
	}

	run := gjson.Get(jsonBody, fmt.Sprintf("check_runs.#(name==%q)", g.checkName))
	if !run.Exists() {
		g.l.Debugf("check %q not reported yet on %s", g.checkName, sha)
		return model.Verdict{Source: Source, Status: model.VerdictPending, Details: "check not found"}, nil
	}

	v := model.Verdict{Source: Source, Details: run.Get("html_url").String()}
	if run.Get("status").String() != "completed" {
		v.Status = model.VerdictPending
		return v, nil
	}

	switch run.Get("conclusion").String() {
	case "success":
		v.Status = model.VerdictOK
	case "neutral", "skipped":
		v.Status = model.VerdictWarn
	default:
		v.Status = model.VerdictError
	}
	return v, nil
}
