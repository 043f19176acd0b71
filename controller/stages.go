package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"golang.org/x/sync/errgroup"
)

// describe numbers the build and fixes its tag for the whole run.
func (c *Controller) describe(ctx context.Context, rc *RunContext) error {
	res := step(StageDescriptor, StageDescriptor, func() (model.Outcome, string, error) {
		number := rc.Request.Number
		if number <= 0 {
			n, err := c.RunRepo.NextBuildNumber(ctx, rc.Request.Pipeline)
			if err != nil {
				return "", "", fmt.Errorf("next build number: %w", err)
			}
			number = n
		}

		source, err := c.Connector.Describe(ctx, rc.Request.Workspace)
		if err != nil {
			return "", "", err
		}
		if rc.Request.Branch != "" {
			source.Branch = rc.Request.Branch
		}
		rc.Source = source

		descriptor, ref, err := c.Tags.Describe(number, source.Commit, source.Branch)
		if err != nil {
			return "", "", err
		}
		rc.Descriptor = descriptor
		rc.Refs = []model.ImageReference{ref, ref.Latest()}
		rc.Run.Descriptor = descriptor
		return model.OutcomeSuccess, fmt.Sprintf("build %d of %s at %s, tag %s", number, source.Commit, descriptor.HumanDate, descriptor.Tag), nil
	})
	return c.record(ctx, rc, res, model.SeverityFatal)
}

// checks runs the scripted stages of the pipeline definition in order.
func (c *Controller) checks(ctx context.Context, rc *RunContext) error {
	definition := c.Definition
	if c.LoadDefinition != nil {
		var err error
		if definition, err = c.LoadDefinition(rc.Request.Workspace); err != nil {
			res := step(StageChecks, "pipeline-definition", func() (model.Outcome, string, error) {
				return "", "", err
			})
			return c.record(ctx, rc, res, model.SeverityFatal)
		}
	}
	if definition == nil || len(definition.Stages) == 0 {
		return c.record(ctx, rc, skipped(StageChecks, "no pipeline definition"), model.SeveritySoft)
	}
	for _, key := range c.cfg.UnmatchedPolicies(stepNames(definition)) {
		c.l.Warnf("policy for %s matches no step, it has no effect", key)
	}

	for _, stage := range definition.Stages {
		c.l.Infof("stage %s: %d step(s), parallel=%t", stage.Stage, len(stage.Steps), stage.Parallel)
		var results []model.StepResult
		if stage.Parallel {
			results = c.parallelSteps(ctx, rc, stage)
		} else {
			results = c.sequentialSteps(ctx, rc, stage)
		}

		// record everything that ran before deciding, so the run shows the
		// soft failures next to the fatal one
		var fatal error
		for i, res := range results {
			sev := c.cfg.Severity(res.Step, stage.Steps[i].Policy)
			if err := c.record(ctx, rc, res, sev); err != nil && fatal == nil {
				fatal = err
			}
		}
		if fatal != nil {
			return fatal
		}
	}
	return nil
}

func (c *Controller) runStep(ctx context.Context, rc *RunContext, stage string, s model.Step) model.StepResult {
	return step(stage, s.Step, func() (model.Outcome, string, error) {
		out, err := c.Executor.Execute(ctx, rc.Request.Workspace, s)
		if err != nil {
			return "", out.Tail, err
		}
		return model.OutcomeSuccess, "", nil
	})
}

// sequentialSteps stops at the first fatal failure.
func (c *Controller) sequentialSteps(ctx context.Context, rc *RunContext, stage model.Stage) []model.StepResult {
	results := make([]model.StepResult, 0, len(stage.Steps))
	for _, s := range stage.Steps {
		res := c.runStep(ctx, rc, stage.Stage, s)
		results = append(results, res)
		if res.Outcome == model.OutcomeFailure && c.cfg.Severity(s.Step, s.Policy) == model.SeverityFatal {
			break
		}
	}
	return results
}

// parallelSteps runs every step of stage at once. A fatal failure cancels
// the siblings, a soft one does not.
func (c *Controller) parallelSteps(ctx context.Context, rc *RunContext, stage model.Stage) []model.StepResult {
	results := make([]model.StepResult, len(stage.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range stage.Steps {
		g.Go(func() error {
			results[i] = c.runStep(gctx, rc, stage.Stage, s)
			if results[i].Outcome == model.OutcomeFailure && c.cfg.Severity(s.Step, s.Policy) == model.SeverityFatal {
				return results[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Controller) analysis(ctx context.Context, rc *RunContext) error {
	if !c.cfg.Analysis.Enabled {
		return c.record(ctx, rc, skipped(StageAnalysis, "analysis disabled"), model.SeveritySoft)
	}
	res := step(StageAnalysis, StageAnalysis, func() (model.Outcome, string, error) {
		report, err := c.Scanner.Scan(ctx, rc.Request.Workspace)
		if err != nil {
			return "", "", err
		}
		rc.Report = report
		return model.OutcomeSuccess, "dashboard " + report.DashboardURL, nil
	})
	return c.record(ctx, rc, res, c.cfg.Severity(StageAnalysis, ""))
}

// qualityGate waits for the verdict. The verdict is read once per run; a
// budget running out is mapped by qualityGate.onTimeout, never to a pass.
func (c *Controller) qualityGate(ctx context.Context, rc *RunContext) error {
	if !c.cfg.Analysis.Enabled {
		return c.record(ctx, rc, skipped(StageQualityGate, "analysis disabled"), model.SeveritySoft)
	}
	res := step(StageQualityGate, StageQualityGate, func() (model.Outcome, string, error) {
		// without a report of this commit the project status is a previous
		// analysis, treated like a verdict that never came
		if rc.Report == nil {
			verdict := model.Verdict{Status: model.VerdictUnknown, Source: StageAnalysis, Details: "no analysis of this commit"}
			rc.Verdict = &verdict
			rc.Run.Verdict = &verdict
			if c.cfg.QualityGate.OnTimeout == config.OnTimeoutWarn {
				return model.OutcomeWarning, "no analysis of this commit, continuing as configured", nil
			}
			return "", "", ErrNoAnalysis
		}

		req := qualitygate.GateRequest{
			ProjectKey: c.cfg.Analysis.ProjectKey,
			Branch:     rc.Source.Branch,
			Commit:     rc.Source.FullCommit,
			TaskID:     rc.Report.CETaskID,
		}

		verdict, err := c.Gate.Await(ctx, req)
		rc.Verdict = &verdict
		rc.Run.Verdict = &verdict
		if errors.Is(err, qualitygate.ErrGateTimeout) {
			if c.cfg.QualityGate.OnTimeout == config.OnTimeoutWarn {
				return model.OutcomeWarning, "no verdict within the polling budget, continuing as configured", nil
			}
			return "", "", err
		}
		if err != nil {
			return "", "", err
		}

		switch verdict.Status {
		case model.VerdictOK:
			return model.OutcomeSuccess, "quality gate passed", nil
		case model.VerdictWarn:
			return model.OutcomeWarning, "quality gate warning: " + verdict.Details, nil
		default:
			return "", verdict.Details, fmt.Errorf("%w: %s %s", ErrQualityGateFailed, verdict.Status, verdict.Details)
		}
	})
	return c.record(ctx, rc, res, c.cfg.Severity(StageQualityGate, ""))
}

func (c *Controller) build(ctx context.Context, rc *RunContext) error {
	res := step(StageBuild, StageBuild, func() (model.Outcome, string, error) {
		buildConfig, err := c.GenerateBuildConfig(ctx, rc.Request.Workspace)
		if err != nil {
			return "", "", err
		}
		imageID, output, err := c.BuildImage(ctx, rc, buildConfig)
		if err != nil {
			return "", lastLines(output, 20), err
		}
		rc.ImageID = imageID
		rc.Run.ImageID = imageID
		return model.OutcomeSuccess, fmt.Sprintf("built %s as %s", rc.Refs[0], imageID), nil
	})
	return c.record(ctx, rc, res, c.cfg.Severity(StageBuild, ""))
}

func (c *Controller) push(ctx context.Context, rc *RunContext) error {
	if !c.cfg.Registry.Enabled {
		return c.record(ctx, rc, skipped(StagePush, "push disabled"), model.SeveritySoft)
	}
	res := step(StagePush, StagePush, func() (model.Outcome, string, error) {
		if err := c.PushImages(ctx, rc); err != nil {
			return "", "", err
		}
		return model.OutcomeSuccess, fmt.Sprintf("pushed %d tag(s)", len(rc.Pushed)), nil
	})
	return c.record(ctx, rc, res, c.cfg.Severity(StagePush, ""))
}

func (c *Controller) deploy(ctx context.Context, rc *RunContext) error {
	if c.cfg.Deploy.Target == model.DeployTargetNone || c.cfg.Deploy.Target == "" {
		return c.record(ctx, rc, skipped(StageDeploy, "no deploy target"), model.SeveritySoft)
	}
	res := step(StageDeploy, StageDeploy, func() (model.Outcome, string, error) {
		if c.Deployer == nil {
			return "", "", ErrMissingDeployer
		}
		// deploy what the registry holds when pushed, the local tag otherwise
		image := rc.Refs[0]
		if len(rc.Pushed) > 0 {
			image = rc.Pushed[0]
		}
		result, err := c.Deployer.Deploy(ctx, deployers.Request{Image: image, Workspace: rc.Request.Workspace})
		if result != nil {
			rc.Run.Deploy = result
		}
		if err != nil {
			return "", "", err
		}
		return model.OutcomeSuccess, fmt.Sprintf("%s %s: %s", result.Target, result.Image, result.State), nil
	})
	return c.record(ctx, rc, res, c.cfg.Severity(StageDeploy, ""))
}

// stepNames lists the steps a policy key can name: the scripted ones and the
// built in stages.
func stepNames(definition *model.PipelineDefinition) []string {
	names := []string{StageAnalysis, StageQualityGate, StageBuild, StagePush, StageDeploy}
	for _, stage := range definition.Stages {
		for _, s := range stage.Steps {
			names = append(names, s.Step)
		}
	}
	return names
}
