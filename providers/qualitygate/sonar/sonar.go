package sonar

import (
	"context"
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

const Source = "sonar"

var _ qualitygate.Gate = new(SonarGate)

// SonarGate waits for the compute engine task of an analysis and then reads
// the project quality gate status.
type SonarGate struct {
	hostURL  string
	token    string
	interval time.Duration
	budget   time.Duration
	client   *http.Client
	l        *logrus.Logger
}

func NewSonarGate(hostURL, token string, interval, budget time.Duration, l *logrus.Logger) *SonarGate {
	return &SonarGate{
		hostURL:  strings.TrimSuffix(hostURL, "/"),
		token:    token,
		interval: interval,
		budget:   budget,
		client:   &http.Client{Timeout: 30 * time.Second},
		l:        l,
	}
}

func (s *SonarGate) Await(ctx context.Context, req qualitygate.GateRequest) (model.Verdict, error) {
	analysisID := ""
	return qualitygate.Poll(ctx, s.interval, s.budget, "sonar quality gate", s.l, func(ctx context.Context) (model.Verdict, error) {
		if req.TaskID != "" && analysisID == "" {
			id, v, err := s.taskStatus(ctx, req.TaskID)
			if err != nil || id == "" {
				return v, err
			}
			analysisID = id
		}
		return s.projectStatus(ctx, req, analysisID)
	})
}

// taskStatus returns the analysis id once the task succeeded.
func (s *SonarGate) taskStatus(ctx context.Context, taskID string) (string, model.Verdict, error) {
	body, _, err := qualitygate.Get(ctx, s.client, s.hostURL+"/api/ce/task?id="+url.QueryEscape(taskID), s.authorization(), "")
	if err != nil {
		return "", model.Verdict{Source: Source}, err
	}

	status := gjson.Get(body, "task.status").String()
	s.l.Debugf("sonar task %s is %s", taskID, status)
	switch status {
	case "SUCCESS":
		return gjson.Get(body, "task.analysisId").String(), model.Verdict{Source: Source}, nil
	case "FAILED", "CANCELED":
		msg := gjson.Get(body, "task.errorMessage").String()
		return "", model.Verdict{Source: Source, Status: model.VerdictError, Details: msg},
			retry.Permanent(fmt.Errorf("%w: task %s %s: %s", qualitygate.ErrAnalysisFailed, taskID, strings.ToLower(status), msg))
	default:
		return "", model.Verdict{Source: Source, Status: model.VerdictPending, Details: "task " + strings.ToLower(status)}, nil
	}
}

func (s *SonarGate) projectStatus(ctx context.Context, req qualitygate.GateRequest, analysisID string) (model.Verdict, error) {
	query := url.Values{}
	if analysisID != "" {
		query.Set("analysisId", analysisID)
	} else {
		query.Set("projectKey", req.ProjectKey)
		if req.Branch != "" {
			query.Set("branch", req.Branch)
		}
	}

	body, _, err := qualitygate.Get(ctx, s.client, s.hostURL+"/api/qualitygates/project_status?"+query.Encode(), s.authorization(), "")
	if err != nil {
		return model.Verdict{Source: Source}, err
	}

	status := gjson.Get(body, "projectStatus.status").String()
	v := model.Verdict{Source: Source, Details: failedConditions(body)}
	switch status {
	case "OK":
		v.Status = model.VerdictOK
	case "WARN":
		v.Status = model.VerdictWarn
	case "ERROR":
		v.Status = model.VerdictError
	case "NONE":
		v.Status = model.VerdictUnknown
		return v, retry.Permanent(qualitygate.ErrNoQualityGate)
	default:
		v.Status = model.VerdictPending
	}
	return v, nil
}

func (s *SonarGate) authorization() string {
	if s.token == "" {
		return ""
	}
	return "Bearer " + s.token
}

func failedConditions(body string) string {
	var failed []string
	gjson.Get(body, `projectStatus.conditions.#(status!="OK")#`).ForEach(func(_, c gjson.Result) bool {
		failed = append(failed, fmt.Sprintf("%s %s (threshold %s)",
			c.Get("metricKey").String(), c.Get("actualValue").String(), c.Get("errorThreshold").String()))
		return true
	})
	return strings.Join(failed, ", ")
}
