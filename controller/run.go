package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/scanner"
	"github.com/sirupsen/logrus"
)

// Stage names, also used as policy keys for the built in steps.
const (
	StageDescriptor  = "descriptor"
	StageChecks      = "checks"
	StageAnalysis    = "analysis"
	StageQualityGate = "quality-gate"
	StageBuild       = "build"
	StagePush        = "push"
	StageDeploy      = "deploy"
)

// RunContext is the state handed from one stage to the next.
type RunContext struct {
	Request    model.RunRequest
	Run        *model.Run
	Source     *model.SourceInfo
	Descriptor model.BuildDescriptor
	// Refs holds the generated tag first and latest second.
	Refs     []model.ImageReference
	ImageID  string
	Pushed   []model.ImageReference
	Report   *scanner.ReportTask
	Verdict  *model.Verdict
	Warnings int
}

type stageFunc func(ctx context.Context, rc *RunContext) error

// Run executes every stage of the pipeline for req. The returned run is never
// nil once the run record exists; err is the reason a fatal step stopped it.
func (c *Controller) Run(ctx context.Context, req model.RunRequest) (*model.Run, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if req.Pipeline == "" {
		req.Pipeline = c.cfg.Pipeline.Name
	}
	if req.Pipeline == "" {
		return nil, ErrMissingPipelineName
	}
	if req.Workspace == "" {
		req.Workspace = c.cfg.Pipeline.Workspace
	}
	if st, err := os.Stat(req.Workspace); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrMissingWorkspace, req.Workspace)
	}

	rc := &RunContext{
		Request: req,
		Run: &model.Run{
			ID:        uuid.NewString(),
			Pipeline:  req.Pipeline,
			Status:    model.RunStatusRunning,
			Steps:     []model.StepResult{},
			StartedOn: time.Now().UTC(),
		},
	}
	if err := c.RunRepo.InsertRun(ctx, rc.Run); err != nil {
		return nil, fmt.Errorf("storing run: %w", err)
	}
	c.l.Infof("run %s of %s started in %s", rc.Run.ID, req.Pipeline, req.Workspace)

	stages := []stageFunc{
		c.describe,
		c.checks,
		c.analysis,
		c.qualityGate,
		c.build,
		c.push,
		c.deploy,
	}
	var runErr error
	for _, stage := range stages {
		if runErr = stage(ctx, rc); runErr != nil {
			break
		}
	}

	c.finish(ctx, rc, runErr)
	return rc.Run, runErr
}

func (c *Controller) finish(ctx context.Context, rc *RunContext, runErr error) {
	switch {
	case runErr == nil:
		rc.Run.Status = model.RunStatusPassed
	case errors.Is(runErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		rc.Run.Status = model.RunStatusCancelled
	default:
		rc.Run.Status = model.RunStatusFailed
	}
	ended := time.Now().UTC()
	rc.Run.EndedOn = &ended
	c.persist(ctx, rc)
	c.banner(rc, runErr)
}

// persist stores the run, a failing store only costs the history. It runs
// detached from ctx so a cancelled run still records its last state.
func (c *Controller) persist(ctx context.Context, rc *RunContext) {
	if err := c.RunRepo.UpdateRun(context.WithoutCancel(ctx), rc.Run); err != nil {
		c.l.Errorf("error updating run %s: %v", rc.Run.ID, err)
	}
}

func (c *Controller) banner(rc *RunContext, runErr error) {
	verdict := "PASS"
	if runErr != nil {
		verdict = "FAIL"
	}
	line := strings.Repeat("=", 20)
	c.l.Infof("%s %s %s #%d (%s) %s", line, verdict, rc.Run.Pipeline, rc.Descriptor.Number, rc.Run.Status, line)
	for _, s := range rc.Run.Steps {
		c.l.WithFields(logrus.Fields{
			"stage":    s.Stage,
			"outcome":  s.Outcome,
			"duration": s.Duration.Round(time.Millisecond),
		}).Info(s.Step)
	}
	if len(rc.Run.Images) > 0 {
		c.l.Infof("images: %s", strings.Join(rc.Run.Images, ", "))
	}
	if runErr != nil {
		c.l.Errorf("run %s stopped: %v", rc.Run.ID, runErr)
	} else if rc.Warnings > 0 {
		c.l.Warnf("run %s passed with %d warning(s)", rc.Run.ID, rc.Warnings)
	}
}

// record applies the policy to a finished step and stores it in the run. It
// returns a non nil error only when the run must stop.
func (c *Controller) record(ctx context.Context, rc *RunContext, res model.StepResult, sev model.Severity) error {
	entry := c.l.WithFields(logrus.Fields{"stage": res.Stage, "step": res.Step})
	if res.Outcome == model.OutcomeFailure {
		if res.Message == "" && res.Err != nil {
			res.Message = res.Err.Error()
		}
		if sev == model.SeveritySoft && ctx.Err() == nil {
			entry.Warnf("soft step failed, continuing: %s", res.Message)
			res.Outcome = model.OutcomeWarning
		}
	}

	switch res.Outcome {
	case model.OutcomeWarning:
		rc.Warnings++
		entry.Warn(res.Message)
	case model.OutcomeSkipped:
		entry.Infof("skipped: %s", res.Message)
	case model.OutcomeSuccess:
		entry.Infof("done in %s", res.Duration.Round(time.Millisecond))
	}

	rc.Run.Steps = append(rc.Run.Steps, res)
	c.persist(ctx, rc)

	if res.Outcome != model.OutcomeFailure {
		return nil
	}
	entry.Errorf("failed: %s", res.Message)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if res.Err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStepFailed, res.Step, res.Err)
	}
	return fmt.Errorf("%w: %s: %s", ErrStepFailed, res.Step, res.Message)
}

// step times fn and turns its error into a failed result.
func step(stage, name string, fn func() (model.Outcome, string, error)) model.StepResult {
	start := time.Now()
	outcome, msg, err := fn()
	res := model.StepResult{
		Stage:    stage,
		Step:     name,
		Outcome:  outcome,
		Message:  msg,
		Duration: time.Since(start),
		Err:      err,
	}
	if err != nil {
		res.Outcome = model.OutcomeFailure
	}
	return res
}

func skipped(stage, reason string) model.StepResult {
	return model.StepResult{Stage: stage, Step: stage, Outcome: model.OutcomeSkipped, Message: reason}
}
