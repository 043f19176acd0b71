package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
)

const DefaultPath = "./config/config.yml"

type (
	Config struct {
		App         `yaml:"app"`
		Log         `yaml:"logger"`
		Pipeline    `yaml:"pipeline"`
		Database    `yaml:"database"`
		RMQ         `yaml:"rmq"`
		Schedule    `yaml:"schedule"`
		Build       `yaml:"build"`
		Registry    `yaml:"registry"`
		Analysis    `yaml:"analysis"`
		QualityGate `yaml:"qualityGate"`
		Deploy      `yaml:"deploy"`
		Policy      map[string]model.Severity `yaml:"policy"`
	}

	App struct {
		Name    string `env-required:"true" yaml:"name"    env:"APP_NAME"`
		Version string `env-required:"true" yaml:"version" env:"APP_VERSION"`
	}

	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Type  string `yaml:"type"  env:"LOG_TYPE"  env-default:"text"`
	}

	Pipeline struct {
		Name           string `yaml:"name"           env:"PIPELINE_NAME"       env-default:"contact-app"`
		DefinitionPath string `yaml:"definitionPath" env:"PIPELINE_DEFINITION" env-default:"pipeline.yml"`
		Workspace      string `yaml:"workspace"      env:"PIPELINE_WORKSPACE"  env-default:"."`
	}

	Database struct {
		Driver string `yaml:"driver" env:"DATABASE_DRIVER" env-default:"memory"`
		URI    string `yaml:"uri"    env:"DATABASE_URI"`
		Name   string `yaml:"name"   env:"DATABASE_NAME"   env-default:"ci-runner"`
	}

	RMQ struct {
		URI           string `yaml:"uri"           env:"RMQ_URI"`
		RequestQueue  string `yaml:"requestQueue"  env:"RMQ_REQUEST_QUEUE"  env-default:"ci-runner-requests"`
		ResponseQueue string `yaml:"responseQueue" env:"RMQ_RESPONSE_QUEUE" env-default:"ci-runner-responses"`
	}

	Schedule struct {
		Cron string `yaml:"cron" env:"SCHEDULE_CRON"`
	}

	Build struct {
		Builder    string       `yaml:"builder"    env:"BUILD_BUILDER"    env-default:"docker"`
		Repository string       `yaml:"repository" env:"BUILD_REPOSITORY" env-required:"true"`
		ContextDir string       `yaml:"contextDir" env:"BUILD_CONTEXT"    env-default:"."`
		Dockerfile string       `yaml:"dockerfile" env:"BUILD_DOCKERFILE"`
		Pull       retry.Policy `yaml:"pull"`
	}

	Registry struct {
		Enabled       bool         `yaml:"enabled"       env:"REGISTRY_PUSH_ENABLED"`
		Kind          string       `yaml:"kind"          env:"REGISTRY_KIND" env-default:"docker"`
		ServerAddress string       `yaml:"serverAddress" env:"REGISTRY_SERVER_ADDRESS"`
		Username      string       `yaml:"-"             env:"REGISTRY_USERNAME"`
		Password      string       `yaml:"-"             env:"REGISTRY_PASSWORD"`
		PullUsername  string       `yaml:"pullUsername"  env:"REGISTRY_PULL_USERNAME"`
		Project       string       `yaml:"project"       env:"REGISTRY_PROJECT"`
		Push          retry.Policy `yaml:"push"`
	}

	Analysis struct {
		Enabled        bool          `yaml:"enabled"        env:"ANALYSIS_ENABLED"`
		Binary         string        `yaml:"binary"         env:"SONAR_SCANNER"    env-default:"sonar-scanner"`
		HostURL        string        `yaml:"hostURL"        env:"SONAR_HOST_URL"   env-default:"https://sonarcloud.io"`
		Token          string        `yaml:"-"              env:"SONAR_TOKEN"`
		ProjectKey     string        `yaml:"projectKey"     env:"SONAR_PROJECT_KEY"`
		Organization   string        `yaml:"organization"   env:"SONAR_ORGANIZATION"`
		Sources        string        `yaml:"sources"        env-default:"."`
		Tests          string        `yaml:"tests"`
		Exclusions     string        `yaml:"exclusions"`
		CoverageReport string        `yaml:"coverageReport" env-default:"reports/coverage.xml"`
		PylintReport   string        `yaml:"pylintReport"   env-default:"reports/pylint.txt"`
		XUnitReport    string        `yaml:"xunitReport"    env-default:"reports/junit.xml"`
		ReportTaskPath string        `yaml:"reportTaskPath" env-default:".scannerwork/report-task.txt"`
		Timeout        time.Duration `yaml:"timeout"        env-default:"10m"`
	}

	QualityGate struct {
		Provider  string        `yaml:"provider"  env:"QUALITY_GATE_PROVIDER" env-default:"sonar"`
		Interval  time.Duration `yaml:"interval"  env-default:"10s"`
		Budget    time.Duration `yaml:"budget"    env-default:"5m"`
		OnTimeout string        `yaml:"onTimeout" env:"QUALITY_GATE_ON_TIMEOUT" env-default:"fail"`
		GitHub    GitHub        `yaml:"github"`
	}

	GitHub struct {
		APIURL    string `yaml:"apiURL"    env-default:"https://api.github.com"`
		Owner     string `yaml:"owner"     env:"GITHUB_OWNER"`
		Repo      string `yaml:"repo"      env:"GITHUB_REPO"`
		Token     string `yaml:"-"         env:"GITHUB_TOKEN"`
		CheckName string `yaml:"checkName" env-default:"SonarCloud Code Analysis"`
	}

	Deploy struct {
		Target     model.DeployTarget `yaml:"target" env:"DEPLOY_TARGET" env-default:"none"`
		Kubernetes Kubernetes         `yaml:"kubernetes"`
		Staging    Staging            `yaml:"staging"`
	}

	Kubernetes struct {
		Kubeconfig        string        `yaml:"kubeconfig"        env:"KUBECONFIG"`
		Namespace         string        `yaml:"namespace"         env-default:"default"`
		ManifestDir       string        `yaml:"manifestDir"       env-default:"k8s"`
		Apply             retry.Policy  `yaml:"apply"`
		RolloutTimeout    time.Duration `yaml:"rolloutTimeout"    env-default:"5m"`
		RolloutInterval   time.Duration `yaml:"rolloutInterval"   env-default:"5s"`
		RollbackOnFailure bool          `yaml:"rollbackOnFailure"`
	}

	Staging struct {
		ContainerName string       `yaml:"containerName" env-default:"contact-app-staging"`
		HostPort      string       `yaml:"hostPort"      env-default:"8000"`
		HealthPath    string       `yaml:"healthPath"    env-default:"/"`
		KeepRunning   bool         `yaml:"keepRunning"`
		Smoke         retry.Policy `yaml:"smoke"`
	}
)

const (
	OnTimeoutFail = "fail"
	OnTimeoutWarn = "warn"
)

var (
	ErrInvalidOnTimeout = errors.New("qualityGate.onTimeout must be fail or warn")
	ErrInvalidPolicy    = errors.New("policy severities must be fatal or soft")
	ErrInvalidTarget    = errors.New("deploy.target must be none, kubernetes or staging")
	ErrInvalidRetry     = errors.New("retry attempts must be at least 1")
)

// defaults holds the switches that are on unless the file turns them off.
// cleanenv cannot tell an explicit false from an unset bool.
func defaults() *Config {
	cfg := &Config{}
	cfg.Registry.Enabled = true
	cfg.Analysis.Enabled = true
	cfg.Deploy.Kubernetes.RollbackOnFailure = true
	cfg.Deploy.Staging.KeepRunning = true
	return cfg
}

func NewConfig(path string) (*Config, error) {
	cfg := defaults()

	err := cleanenv.ReadConfig(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would let a failing run look green.
func (c *Config) Validate() error {
	switch c.QualityGate.OnTimeout {
	case OnTimeoutFail, OnTimeoutWarn:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidOnTimeout, c.QualityGate.OnTimeout)
	}

	for step, sev := range c.Policy {
		if sev != model.SeverityFatal && sev != model.SeveritySoft {
			return fmt.Errorf("%w: %s=%q", ErrInvalidPolicy, step, sev)
		}
	}

	switch c.Deploy.Target {
	case model.DeployTargetNone, model.DeployTargetKubernetes, model.DeployTargetStaging:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidTarget, c.Deploy.Target)
	}

	for name, p := range map[string]retry.Policy{
		"build.pull":       c.Build.Pull,
		"registry.push":    c.Registry.Push,
		"kubernetes.apply": c.Deploy.Kubernetes.Apply,
		"staging.smoke":    c.Deploy.Staging.Smoke,
	} {
		if p.Attempts < 1 {
			return fmt.Errorf("%w: %s", ErrInvalidRetry, name)
		}
	}
	return nil
}

// Severity resolves the policy of a step: the configured table first, then
// what the pipeline definition declares, fatal otherwise.
func (c *Config) Severity(step string, declared model.Severity) model.Severity {
	if sev, ok := c.Policy[step]; ok {
		return sev
	}
	if declared != "" {
		return declared
	}
	return model.SeverityFatal
}

// UnmatchedPolicies returns the policy keys naming none of the given steps,
// sorted. Such a key has no effect.
func (c *Config) UnmatchedPolicies(steps []string) []string {
	known := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		known[s] = struct{}{}
	}
	var unmatched []string
	for key := range c.Policy {
		if _, ok := known[key]; !ok {
			unmatched = append(unmatched, key)
		}
	}
	sort.Strings(unmatched)
	return unmatched
}
