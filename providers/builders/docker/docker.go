package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/ipaas-org/ci-runner/providers/builders"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"
)

const DockerBuilderKind model.BuilderKind = "docker"

const (
	LabelBuilderVersion = "org.ipaas.ci-runner.version"
	LabelBuildNumber    = "org.ipaas.ci-runner.build"
	LabelRevision       = "org.opencontainers.image.revision"
	LabelCreated        = "org.opencontainers.image.created"
	LabelVersion        = "org.opencontainers.image.version"
)

var _ builders.Builder = new(DockerBuilder)

// ImageAPI is the part of the docker engine client the builder needs.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

type DockerBuilder struct {
	builderVersion string
	cli            ImageAPI
	pull           retry.Policy
	l              *logrus.Logger
}

type DockerBuilderConfig struct {
	DockerFilePath string             `json:"dockerfilePath"`
	BaseImage      string             `json:"baseImage"`
	Tags           []string           `json:"tags"`
	BuildArgs      map[string]*string `json:"buildArgs"`
	Labels         map[string]string  `json:"labels"`
}

func NewDockerBuilder(builderVersion string, pull retry.Policy, l *logrus.Logger) (*DockerBuilder, error) {
	// creating docker client from env
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewDockerBuilderWithClient(builderVersion, cli, pull, l), nil
}

func NewDockerBuilderWithClient(builderVersion string, cli ImageAPI, pull retry.Policy, l *logrus.Logger) *DockerBuilder {
	return &DockerBuilder{
		builderVersion: builderVersion,
		cli:            cli,
		pull:           pull,
		l:              l,
	}
}

func (b DockerBuilder) Plan(ctx context.Context, config *model.BuildConfig, descriptor model.BuildDescriptor, refs []model.ImageReference) (builders.Plan, error) {
	if config.DockerfilePath == "" {
		return "", builders.ErrMissingConfig
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: no image references", builders.ErrInvalidPlan)
	}

	plan := new(DockerBuilderConfig)
	plan.DockerFilePath = config.DockerfilePath
	plan.BaseImage = config.BaseImage
	for _, ref := range refs {
		plan.Tags = append(plan.Tags, ref.String())
	}
	plan.BuildArgs = descriptor.BuildArgs()
	plan.Labels = map[string]string{
		LabelBuilderVersion: b.builderVersion,
		LabelBuildNumber:    fmt.Sprint(descriptor.Number),
		LabelRevision:       descriptor.Commit,
		LabelCreated:        descriptor.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LabelVersion:        descriptor.Tag,
	}

	jsonPlan, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	return builders.Plan(jsonPlan), nil
}

// Build pulls the base image, builds path with the plan and returns the id
// of the resulting image together with the rendered engine output.
func (b DockerBuilder) Build(ctx context.Context, path string, plan builders.Plan) (string, []byte, error) {
	config := new(DockerBuilderConfig)
	if err := json.Unmarshal([]byte(plan), config); err != nil {
		return "", nil, builders.ErrInvalidPlan
	}
	if len(config.Tags) == 0 {
		return "", nil, builders.ErrInvalidPlan
	}

	if config.BaseImage != "" {
		if err := b.PullBaseImage(ctx, config.BaseImage); err != nil {
			return "", nil, err
		}
	}

	excludes, err := readDockerignore(path)
	if err != nil {
		return "", nil, err
	}

	//create a build context, is a tar with the workspace,
	//needed since we are not using the filesystem as a context
	buildContext, err := archive.TarWithOptions(path, &archive.TarOptions{
		NoLchown:        true,
		ExcludePatterns: excludes,
	})
	if err != nil {
		return "", nil, err
	}
	defer buildContext.Close()

	b.l.Infof("building %s", strings.Join(config.Tags, ", "))
	resp, err := b.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile:  config.DockerFilePath,
		Tags:        config.Tags,
		BuildArgs:   config.BuildArgs,
		Labels:      config.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot locate specified Dockerfile") {
			return "", nil, builders.ErrMissingConfig
		} else if strings.Contains(err.Error(), "dockerfile parse error") {
			return "", nil, builders.ErrInvalidConfig
		}
		return "", nil, err
	}
	defer resp.Body.Close()

	stream, err := ReadStream(resp.Body)
	if err != nil {
		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			return "", stream.Output, fmt.Errorf("%w: %s", builders.ErrImageNotCompiled, streamErr.Message)
		}
		return "", stream.Output, err
	}

	// the id is authoritative only once the tag resolves locally
	inspect, _, err := b.cli.ImageInspectWithRaw(ctx, config.Tags[0])
	if err != nil {
		return "", stream.Output, fmt.Errorf("%w: %v", builders.ErrImageNotCompiled, err)
	}
	if stream.ImageID != "" && stream.ImageID != inspect.ID {
		b.l.Warnf("build stream reported %s but %s resolves to %s", stream.ImageID, config.Tags[0], inspect.ID)
	}

	return inspect.ID, stream.Output, nil
}

// PullBaseImage pulls ref with the configured retry policy.
func (b DockerBuilder) PullBaseImage(ctx context.Context, ref string) error {
	err := retry.Do(ctx, b.pull, "pull "+ref, b.l, func(ctx context.Context, attempt int) error {
		rd, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return err
		}
		defer rd.Close()

		stream, err := ReadStream(rd)
		b.l.Debugf("pull output:\n%s", stream.Output)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w %s: %w", builders.ErrBasePull, ref, err)
	}
	return nil
}

func readDockerignore(path string) ([]string, error) {
	f, err := os.Open(filepath.Join(path, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}
