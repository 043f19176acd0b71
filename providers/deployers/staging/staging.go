// Package staging runs the freshly built image as a local container and
// smoke tests it over http.
package staging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const ContainerPort = "8000/tcp"

var _ deployers.Deployer = new(StagingDeployer)

// ContainerAPI is the part of the docker engine client used for staging.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type Options struct {
	ContainerName string
	HostPort      string
	HealthPath    string
	KeepRunning   bool
	Smoke         retry.Policy
	Env           []string
}

type StagingDeployer struct {
	l      *logrus.Logger
	cli    ContainerAPI
	http   *http.Client
	opts   Options
	health string
}

func NewStagingDeployer(opts Options, l *logrus.Logger) (*StagingDeployer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewStagingDeployerWithClient(cli, opts, l), nil
}

func NewStagingDeployerWithClient(cli ContainerAPI, opts Options, l *logrus.Logger) *StagingDeployer {
	if opts.HealthPath == "" {
		opts.HealthPath = "/"
	}
	return &StagingDeployer{
		l:      l,
		cli:    cli,
		http:   &http.Client{Timeout: 10 * time.Second},
		opts:   opts,
		health: fmt.Sprintf("http://127.0.0.1:%s%s", opts.HostPort, opts.HealthPath),
	}
}

func (s *StagingDeployer) Deploy(ctx context.Context, req deployers.Request) (*model.DeployResult, error) {
	image := req.Image
	result := &model.DeployResult{
		Target: model.DeployTargetStaging,
		State:  model.DeployStateApplying,
		Image:  image.String(),
	}

	if err := s.remove(ctx); err != nil {
		return s.fail(result, fmt.Errorf("removing previous container: %w", err))
	}

	id, err := s.start(ctx, image)
	if err != nil {
		return s.fail(result, err)
	}

	result.State = model.DeployStateRollingOut
	if err := s.smoke(ctx); err != nil {
		s.l.Errorf("smoke test of %s failed: %v", result.Image, err)
		if rmErr := s.remove(context.WithoutCancel(ctx)); rmErr != nil {
			s.l.Errorf("removing failed container %s: %v", id, rmErr)
		}
		return s.fail(result, err)
	}

	result.State = model.DeployStateReady
	result.Message = "healthy at " + s.health
	s.l.Infof("staging container %s is healthy at %s", s.opts.ContainerName, s.health)

	if !s.opts.KeepRunning {
		if err := s.remove(ctx); err != nil {
			s.l.Warnf("removing staging container: %v", err)
		}
	}
	return result, nil
}

func (s *StagingDeployer) fail(result *model.DeployResult, err error) (*model.DeployResult, error) {
	result.State = model.DeployStateFailed
	result.Message = err.Error()
	return result, err
}

func (s *StagingDeployer) remove(ctx context.Context) error {
	err := s.cli.ContainerRemove(ctx, s.opts.ContainerName, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err == nil {
		s.l.Debugf("container %s removed", s.opts.ContainerName)
	}
	return err
}

func (s *StagingDeployer) start(ctx context.Context, image model.ImageReference) (string, error) {
	port := nat.Port(ContainerPort)
	config := &container.Config{
		Image:        image.String(),
		Env:          s.opts.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: s.opts.HostPort}},
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, s.opts.ContainerName)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		s.l.Warn(w)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	s.l.Infof("container %s (%s) started from %s", s.opts.ContainerName, resp.ID, image)
	return resp.ID, nil
}

// smoke succeeds on the first 2xx answer of the health url.
func (s *StagingDeployer) smoke(ctx context.Context) error {
	return retry.Do(ctx, s.opts.Smoke, "smoke test "+s.health, s.l, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.health, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("GET %s: %s", s.health, resp.Status)
		}
		return nil
	})
}
