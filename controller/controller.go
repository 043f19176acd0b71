package controller

import (
	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/imagetag"
	"github.com/ipaas-org/ci-runner/providers/analyzers"
	"github.com/ipaas-org/ci-runner/providers/builders"
	"github.com/ipaas-org/ci-runner/providers/connectors"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"github.com/ipaas-org/ci-runner/providers/registry"
	"github.com/ipaas-org/ci-runner/repo"
	"github.com/sirupsen/logrus"
)

// Controller drives pipeline runs. Providers are plugged in after
// construction; the ones a run needs are checked when it starts.
type Controller struct {
	cfg            *config.Config
	Definition     *model.PipelineDefinition
	// LoadDefinition, when set, reads the definition from each run's
	// workspace instead of using Definition.
	LoadDefinition func(workspace string) (*model.PipelineDefinition, error)
	Tags           *imagetag.Generator

	Connector connectors.Connector
	Executor  StepExecutor
	Scanner   Scanner
	Gate      qualitygate.Gate
	Builders  map[model.BuilderKind]builders.Builder
	Analyzer  analyzers.Analyzer
	Registry  registry.Registryer
	Deployer  deployers.Deployer
	RunRepo   repo.RunRepoer
	l         *logrus.Logger
}

func NewController(cfg *config.Config, definition *model.PipelineDefinition, log *logrus.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		Definition: definition,
		Tags:       imagetag.NewGenerator(cfg.Build.Repository),
		Builders:   make(map[model.BuilderKind]builders.Builder),
		l:          log,
	}
}

func (c *Controller) AddBuilder(name model.BuilderKind, builder builders.Builder) {
	c.Builders[name] = builder
}

func (c *Controller) AddRegistry(reg registry.Registryer) {
	c.Registry = reg
}

func (c *Controller) AddDeployer(d deployers.Deployer) {
	c.Deployer = d
}

func (c *Controller) Config() *config.Config {
	return c.cfg
}

// ready reports the first provider a run with the current configuration
// would miss.
func (c *Controller) ready() error {
	switch {
	case c.RunRepo == nil:
		return ErrMissingRunRepo
	case c.Connector == nil:
		return ErrMissingConnector
	case c.Analyzer == nil:
		return ErrMissingAnalyzer
	case len(c.Builders) == 0:
		return ErrBuilderNotFound
	case (c.LoadDefinition != nil || c.Definition != nil && len(c.Definition.Stages) > 0) && c.Executor == nil:
		return ErrMissingExecutor
	case c.cfg.Analysis.Enabled && c.Scanner == nil:
		return ErrMissingScanner
	case c.cfg.Analysis.Enabled && c.Gate == nil:
		return ErrMissingGate
	case c.cfg.Registry.Enabled && c.Registry == nil:
		return ErrMissingRegistry
	case c.cfg.Deploy.Target != model.DeployTargetNone && c.cfg.Deploy.Target != "" && c.Deployer == nil:
		return ErrMissingDeployer
	}
	return nil
}
