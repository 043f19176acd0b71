package builders

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

// Plan is the builder specific, serialized description of a build.
type Plan string

type Builder interface {
	Plan(ctx context.Context, config *model.BuildConfig, descriptor model.BuildDescriptor, refs []model.ImageReference) (Plan, error)
	// Build returns the image id and the rendered build output
	Build(ctx context.Context, path string, plan Plan) (imageID string, output []byte, err error)
}
