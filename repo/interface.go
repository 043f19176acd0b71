package repo

import (
	"context"
	"errors"

	"github.com/ipaas-org/ci-runner/model"
)

// RunRepoer stores the history of pipeline runs and hands out build numbers.
type RunRepoer interface {
	// NextBuildNumber returns a number never returned before for pipeline,
	// starting at 1.
	NextBuildNumber(ctx context.Context, pipeline string) (int64, error)
	InsertRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRunByID(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, pipeline string, limit int64) ([]*model.Run, error)
}

var (
	ErrNotFound      error = errors.New("not found")
	ErrAlreadyExists error = errors.New("already exists")
)
