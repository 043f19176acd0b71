package controller

import (
	"context"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/scanner"
	"github.com/ipaas-org/ci-runner/providers/shell"
)

type (
	// StepExecutor runs one scripted check step inside a workspace.
	StepExecutor interface {
		Execute(ctx context.Context, workspace string, step model.Step) (shell.Result, error)
	}

	// Scanner submits the workspace to the code analysis service.
	Scanner interface {
		Scan(ctx context.Context, workspace string) (*scanner.ReportTask, error)
	}
)
