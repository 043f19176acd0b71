package controller

import "errors"

var (
	ErrBuilderNotFound     = errors.New("builder not found")
	ErrMissingRegistry     = errors.New("missing registry")
	ErrMissingDeployer     = errors.New("missing deployer")
	ErrMissingGate         = errors.New("missing quality gate")
	ErrMissingRunRepo      = errors.New("missing run repository")
	ErrMissingConnector    = errors.New("missing connector")
	ErrMissingAnalyzer     = errors.New("missing analyzer")
	ErrMissingExecutor     = errors.New("missing step executor")
	ErrMissingScanner      = errors.New("missing scanner")
	ErrInexistingRootDir   = errors.New("inexisting root directory")
	ErrNotBuildable        = errors.New("not buildable")
	ErrStepFailed          = errors.New("step failed")
	ErrQualityGateFailed   = errors.New("quality gate failed")
	ErrNoAnalysis          = errors.New("no analysis report, quality gate not asked")
	ErrNoDockerfile        = errors.New("no Dockerfile found")
	ErrMissingWorkspace    = errors.New("workspace does not exist")
	ErrMissingPipelineName = errors.New("pipeline name is required")
)
