package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipaas-org/ci-runner/config"
	"github.com/ipaas-org/ci-runner/controller"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/pipeline"
	"github.com/ipaas-org/ci-runner/providers/analyzers/baseAnalyzer"
	"github.com/ipaas-org/ci-runner/providers/builders/docker"
	"github.com/ipaas-org/ci-runner/providers/connectors/git"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	"github.com/ipaas-org/ci-runner/providers/deployers/kubernetes"
	"github.com/ipaas-org/ci-runner/providers/deployers/staging"
	"github.com/ipaas-org/ci-runner/providers/qualitygate"
	"github.com/ipaas-org/ci-runner/providers/qualitygate/github"
	"github.com/ipaas-org/ci-runner/providers/qualitygate/sonar"
	"github.com/ipaas-org/ci-runner/providers/registry"
	"github.com/ipaas-org/ci-runner/providers/registry/harbor"
	dockerRegistry "github.com/ipaas-org/ci-runner/providers/registry/registry"
	"github.com/ipaas-org/ci-runner/providers/scanner"
	"github.com/ipaas-org/ci-runner/providers/shell"
	"github.com/ipaas-org/ci-runner/repo"
	"github.com/ipaas-org/ci-runner/repo/memory"
	"github.com/ipaas-org/ci-runner/repo/mongo"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownDatabase = errors.New("unknown database driver")
	ErrUnknownRegistry = errors.New("unknown registry kind")
	ErrUnknownGate     = errors.New("unknown quality gate provider")
)

func newRunRepo(ctx context.Context, cfg *config.Config) (repo.RunRepoer, func(), error) {
	switch cfg.Database.Driver {
	case "memory", "":
		return memory.NewRunRepoer(), func() {}, nil
	case "mongo":
		db, disconnect, err := mongo.Connect(ctx, cfg.Database.URI, cfg.Database.Name)
		if err != nil {
			return nil, nil, err
		}
		return mongo.NewRunRepoer(db), func() { _ = disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, cfg.Database.Driver)
	}
}

func newRegistry(cfg *config.Config, l *logrus.Logger) (registry.Registryer, error) {
	r := cfg.Registry
	switch r.Kind {
	case "docker", "":
		return dockerRegistry.NewRegistry(r.ServerAddress, r.Username, r.Password, l)
	case "harbor":
		return harbor.NewHarborRegistry(r.ServerAddress, r.Project, r.Username, r.Password, r.PullUsername, l)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, r.Kind)
	}
}

func newGate(cfg *config.Config, userAgent string, l *logrus.Logger) (qualitygate.Gate, error) {
	q := cfg.QualityGate
	switch q.Provider {
	case "sonar", "":
		return sonar.NewSonarGate(cfg.Analysis.HostURL, cfg.Analysis.Token, q.Interval, q.Budget, l), nil
	case "github":
		return github.NewChecksGate(q.GitHub.APIURL, q.GitHub.Owner, q.GitHub.Repo, q.GitHub.Token, q.GitHub.CheckName,
			userAgent, q.Interval, q.Budget, l), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGate, q.Provider)
	}
}

// newDeployer returns nil for the none target.
func newDeployer(cfg *config.Config, l *logrus.Logger) (deployers.Deployer, error) {
	d := cfg.Deploy
	switch d.Target {
	case model.DeployTargetKubernetes:
		client, err := kubernetes.NewClientset(d.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return kubernetes.NewKubernetesDeployer(client, kubernetes.Options{
			Namespace:         d.Kubernetes.Namespace,
			ManifestDir:       d.Kubernetes.ManifestDir,
			Repository:        cfg.Build.Repository,
			Apply:             d.Kubernetes.Apply,
			RolloutTimeout:    d.Kubernetes.RolloutTimeout,
			RolloutInterval:   d.Kubernetes.RolloutInterval,
			RollbackOnFailure: d.Kubernetes.RollbackOnFailure,
		}, l), nil
	case model.DeployTargetStaging:
		return staging.NewStagingDeployer(staging.Options{
			ContainerName: d.Staging.ContainerName,
			HostPort:      d.Staging.HostPort,
			HealthPath:    d.Staging.HealthPath,
			KeepRunning:   d.Staging.KeepRunning,
			Smoke:         d.Staging.Smoke,
		}, l)
	default:
		return nil, nil
	}
}

func newScanner(cfg *config.Config, l *logrus.Logger) *scanner.Scanner {
	a := cfg.Analysis
	return scanner.NewScanner(scanner.Settings{
		Binary:         a.Binary,
		HostURL:        a.HostURL,
		Token:          a.Token,
		ProjectKey:     a.ProjectKey,
		Organization:   a.Organization,
		Sources:        a.Sources,
		Tests:          a.Tests,
		Exclusions:     a.Exclusions,
		CoverageReport: a.CoverageReport,
		PylintReport:   a.PylintReport,
		XUnitReport:    a.XUnitReport,
		ReportTaskPath: a.ReportTaskPath,
		Timeout:        a.Timeout,
	}, l)
}

// definitionLoader reads the pipeline file of each run's workspace. A
// workspace without one yields nil and the run skips the check stages.
func definitionLoader(cfg *config.Config, l *logrus.Logger) func(string) (*model.PipelineDefinition, error) {
	return func(workspace string) (*model.PipelineDefinition, error) {
		path := cfg.Pipeline.DefinitionPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		def, err := pipeline.Load(path)
		if errors.Is(err, os.ErrNotExist) {
			l.Warnf("no pipeline definition at %s, check stages skipped", path)
			return nil, nil
		}
		return def, err
	}
}

// newController wires every provider the configuration asks for.
func newController(ctx context.Context, cfg *config.Config, userAgent string, l *logrus.Logger) (*controller.Controller, func(), error) {
	c := controller.NewController(cfg, nil, l)
	c.LoadDefinition = definitionLoader(cfg, l)
	c.Connector = git.NewGitConnector(l)
	c.Analyzer = baseAnalyzer.NewBaseAnalyzer()
	c.Executor = shell.NewExecutor(nil, l)

	builder, err := docker.NewDockerBuilder(cfg.App.Version, cfg.Build.Pull, l)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating docker builder: %w", err)
	}
	c.AddBuilder(docker.DockerBuilderKind, builder)

	if cfg.Analysis.Enabled {
		c.Scanner = newScanner(cfg, l)
		if c.Gate, err = newGate(cfg, userAgent, l); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Registry.Enabled {
		r, err := newRegistry(cfg, l)
		if err != nil {
			return nil, nil, fmt.Errorf("error building registry: %w", err)
		}
		c.AddRegistry(r)
	}

	deployer, err := newDeployer(cfg, l)
	if err != nil {
		return nil, nil, fmt.Errorf("error building deployer: %w", err)
	}
	if deployer != nil {
		c.AddDeployer(deployer)
	}

	runs, cleanup, err := newRunRepo(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	c.RunRepo = runs
	l.Infof("controller ready: registry=%s gate=%s deploy=%s db=%s",
		cfg.Registry.Kind, cfg.QualityGate.Provider, cfg.Deploy.Target, cfg.Database.Driver)
	return c, cleanup, nil
}
