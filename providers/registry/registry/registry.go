package registry

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/builders/docker"
	"github.com/ipaas-org/ci-runner/providers/registry"
	"github.com/sirupsen/logrus"
)

var _ registry.Registryer = new(Registry)

var ErrAuthentication = errors.New("registry authentication failed")

// PushAPI is the part of the docker engine client used to tag and push.
type PushAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
}

type Registry struct {
	serverAddress string
	username      string
	password      string

	dockerClient PushAPI
	l            *logrus.Logger
}

// if no authentication is required, leave username and password empty
func NewRegistry(registryUri, username, password string, l *logrus.Logger) (*Registry, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return NewRegistryWithClient(registryUri, username, password, cli, l), nil
}

func NewRegistryWithClient(registryUri, username, password string, cli PushAPI, l *logrus.Logger) *Registry {
	return &Registry{
		serverAddress: registryUri,
		username:      username,
		password:      password,
		dockerClient:  cli,
		l:             l,
	}
}

// TagImage tags the image with ref. A repository without the registry host
// is prefixed with the server address.
func (r *Registry) TagImage(ctx context.Context, localImageID string, ref model.ImageReference) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	target := ref.String()
	if r.serverAddress != "" && !strings.HasPrefix(target, r.serverAddress+"/") {
		target = r.serverAddress + "/" + target
	}
	if err := r.dockerClient.ImageTag(ctx, localImageID, target); err != nil {
		return "", err
	}
	return target, nil
}

func (r *Registry) PushImage(ctx context.Context, imageName string) error {
	opts := image.PushOptions{}
	if r.username != "" || r.password != "" {
		authConfigEncoded, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
			Username:      r.username,
			Password:      r.password,
			ServerAddress: r.serverAddress,
		})
		if err != nil {
			return err
		}
		opts.RegistryAuth = authConfigEncoded
	}

	rd, err := r.dockerClient.ImagePush(ctx, imageName, opts)
	if err != nil {
		return err
	}
	defer rd.Close()

	stream, err := docker.ReadStream(rd)
	if r.l != nil {
		r.l.Debugf("push output:\n%s", stream.Output)
		if stream.Digest != "" {
			r.l.Infof("pushed %s@%s", imageName, stream.Digest)
		}
	}
	if err != nil {
		var streamErr *docker.StreamError
		if errors.As(err, &streamErr) && isAuthError(streamErr.Message) {
			return errors.Join(ErrAuthentication, err)
		}
		return err
	}
	return nil
}

func isAuthError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication required") ||
		strings.Contains(msg, "denied")
}
