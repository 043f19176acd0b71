package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipaas-org/ci-runner/model"
	dockerBuilder "github.com/ipaas-org/ci-runner/providers/builders/docker"
)

// GenerateBuildConfig inspects the build context of workspace and picks the
// Dockerfile and its base image.
func (c *Controller) GenerateBuildConfig(ctx context.Context, workspace string) (*model.BuildConfig, error) {
	contextDir := filepath.Join(workspace, c.cfg.Build.ContextDir)
	c.l.Infof("analyzing build context %s", contextDir)
	if _, err := os.Stat(contextDir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrInexistingRootDir
		}
		return nil, err
	}

	info, err := c.Analyzer.DetectBuilders(ctx, contextDir)
	if err != nil {
		c.l.Errorf("error analyzing %s: %v", contextDir, err)
		return nil, err
	}
	c.l.Debugf("detected: %+v", info)
	if len(info.Builders) == 0 || info.Docker == nil {
		return nil, fmt.Errorf("%w: %w in %s", ErrNotBuildable, ErrNoDockerfile, contextDir)
	}

	buildConfig := &model.BuildConfig{
		Builder:    dockerBuilder.DockerBuilderKind,
		ContextDir: contextDir,
	}
	// the configured Dockerfile wins, then Dockerfile, then the first found
	switch {
	case c.cfg.Build.Dockerfile != "":
		buildConfig.DockerfilePath = c.cfg.Build.Dockerfile
	default:
		for _, dockerfile := range info.Docker.Dockerfiles {
			if dockerfile == "Dockerfile" {
				buildConfig.DockerfilePath = dockerfile
				break
			}
		}
		if buildConfig.DockerfilePath == "" {
			buildConfig.DockerfilePath = info.Docker.Dockerfiles[0]
		}
	}

	base, err := c.Analyzer.BaseImage(ctx, filepath.Join(contextDir, buildConfig.DockerfilePath))
	if err != nil {
		return nil, fmt.Errorf("reading base image: %w", err)
	}
	buildConfig.BaseImage = base
	c.l.Infof("building with %s from %s", buildConfig.DockerfilePath, base)
	return buildConfig, nil
}
