package deployers

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

// Request is one rollout. Relative paths a deployer reads, such as the
// manifest directory, are resolved against Workspace.
type Request struct {
	Image     model.ImageReference
	Workspace string
}

// Deployer rolls out an already pushed image. The returned result is always
// non nil and carries the last state reached, also when err is set.
type Deployer interface {
	Deploy(ctx context.Context, req Request) (*model.DeployResult, error)
}
