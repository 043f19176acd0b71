package controller

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/imagetag"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	dockerRegistry "github.com/ipaas-org/ci-runner/providers/registry/registry"
)

// BuildImage builds the context with both run tags and the descriptor baked
// in as build args.
func (c *Controller) BuildImage(ctx context.Context, rc *RunContext, config *model.BuildConfig) (string, []byte, error) {
	builder, ok := c.Builders[config.Builder]
	if !ok {
		return "", nil, ErrBuilderNotFound
	}

	c.l.Debug("planning build")
	plan, err := builder.Plan(ctx, config, rc.Descriptor, rc.Refs)
	if err != nil {
		c.l.Errorf("error planning build: %v", err)
		return "", nil, err
	}
	c.l.Debugf("build plan: %s", plan)

	imageID, output, err := builder.Build(ctx, config.ContextDir, plan)
	if err != nil {
		c.l.Errorf("error building image: %v", err)
		return "", output, err
	}
	c.l.Infof("image built successfully: id=%s", imageID)
	return imageID, output, nil
}

// PushImages tags and pushes the generated tag, then latest. Each push is
// retried on its own so a flaky second push does not redo the first.
func (c *Controller) PushImages(ctx context.Context, rc *RunContext) error {
	if c.Registry == nil {
		return ErrMissingRegistry
	}
	for _, ref := range rc.Refs {
		target, err := c.Registry.TagImage(ctx, rc.ImageID, ref)
		if err != nil {
			c.l.Errorf("error tagging image %s as %s: %v", rc.ImageID, ref, err)
			return err
		}

		err = retry.Do(ctx, c.cfg.Registry.Push, "push "+target, c.l, func(ctx context.Context, _ int) error {
			err := c.Registry.PushImage(ctx, target)
			if errors.Is(err, dockerRegistry.ErrAuthentication) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			c.l.Errorf("error pushing image %s: %v", target, err)
			return err
		}

		pushed, err := imagetag.ParseReference(target)
		if err != nil {
			return err
		}
		rc.Pushed = append(rc.Pushed, pushed)
		rc.Run.Images = append(rc.Run.Images, target)
	}
	return nil
}

func lastLines(output []byte, n int) string {
	lines := strings.Split(string(bytes.TrimRight(output, "\n")), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
