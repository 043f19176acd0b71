package registry

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

type Registryer interface {
	// TagImage points ref at the local image and returns the full name to push
	TagImage(ctx context.Context, localImageID string, ref model.ImageReference) (string, error)
	PushImage(ctx context.Context, image string) error
}
