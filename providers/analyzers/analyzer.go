package analyzers

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

type Analyzer interface {
	// returns builders that can be used on the specified path
	DetectBuilders(ctx context.Context, path string) (*model.DetectedInfo, error)
	// returns the image named by the first FROM instruction of the dockerfile
	BaseImage(ctx context.Context, dockerfilePath string) (string, error)
}
