package staging

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/deployers"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

var image = model.ImageReference{Repository: "localhost:5000/contact-app", Tag: "2026-02-16-at-10-17-27-build-42"}

type fakeDocker struct {
	created  *container.Config
	host     *container.HostConfig
	started  string
	removals int
	running  bool
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = config
	f.host = hostConfig
	return container.CreateResponse{ID: "c0ffee-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = id
	f.running = true
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	if !f.running {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if !opts.Force {
		return errors.New("container is running")
	}
	f.removals++
	f.running = false
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// healthServer answers with codes[i] on the i-th request, repeating the last.
func healthServer(t *testing.T, codes ...int) (*httptest.Server, string, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/health/")
		n := int(atomic.AddInt32(&calls, 1))
		if n > len(codes) {
			n = len(codes)
		}
		w.WriteHeader(codes[n-1])
	}))
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	assert.NilError(t, err)
	return srv, port, &calls
}

func options(port string, keep bool) Options {
	return Options{
		ContainerName: "contact-app-staging",
		HostPort:      port,
		HealthPath:    "/health/",
		KeepRunning:   keep,
		Smoke:         retry.Policy{Attempts: 3, Delay: time.Millisecond},
	}
}

func TestDeployHealthy(t *testing.T) {
	srv, port, calls := healthServer(t, http.StatusBadGateway, http.StatusOK)
	defer srv.Close()
	docker := new(fakeDocker)

	res, err := NewStagingDeployerWithClient(docker, options(port, true), quietLogger()).Deploy(context.Background(), deployers.Request{Image: image})
	assert.NilError(t, err)
	assert.Equal(t, res.State, model.DeployStateReady)
	assert.Equal(t, atomic.LoadInt32(calls), int32(2))

	assert.Equal(t, docker.created.Image, image.String())
	bindings := docker.host.PortBindings[nat.Port(ContainerPort)]
	assert.Equal(t, len(bindings), 1)
	assert.Equal(t, bindings[0].HostPort, port)
	assert.Equal(t, docker.started, "c0ffee-contact-app-staging")
	assert.Assert(t, docker.running)
}

func TestDeployReplacesPreviousContainer(t *testing.T) {
	srv, port, _ := healthServer(t, http.StatusOK)
	defer srv.Close()
	docker := &fakeDocker{running: true}

	_, err := NewStagingDeployerWithClient(docker, options(port, false), quietLogger()).Deploy(context.Background(), deployers.Request{Image: image})
	assert.NilError(t, err)
	// the old container, then the new one once healthy
	assert.Equal(t, docker.removals, 2)
	assert.Assert(t, !docker.running)
}

func TestDeploySmokeFails(t *testing.T) {
	srv, port, calls := healthServer(t, http.StatusInternalServerError)
	defer srv.Close()
	docker := new(fakeDocker)

	res, err := NewStagingDeployerWithClient(docker, options(port, true), quietLogger()).Deploy(context.Background(), deployers.Request{Image: image})
	var exhausted *retry.ExhaustedError
	assert.Assert(t, errors.As(err, &exhausted))
	assert.Equal(t, exhausted.Attempts, 3)
	assert.Equal(t, atomic.LoadInt32(calls), int32(3))
	assert.Equal(t, res.State, model.DeployStateFailed)
	assert.Assert(t, !docker.running, "failed container must be removed")
}
