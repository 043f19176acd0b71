package qualitygate

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
)

type GateRequest struct {
	ProjectKey string
	Branch     string
	// TaskID is the compute engine task of the analysis, when known
	TaskID string
	Commit string
}

type Gate interface {
	Await(ctx context.Context, req GateRequest) (model.Verdict, error)
}
