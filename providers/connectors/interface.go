package connectors

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

type Connector interface {
	// Describe returns the revision checked out at path
	Describe(ctx context.Context, path string) (*model.SourceInfo, error)
}
