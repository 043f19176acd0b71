package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/ipaas-org/ci-runner/model"
)

var (
	ErrEmptyPipeline  = errors.New("pipeline has no stages")
	ErrUnnamedStep    = errors.New("step has no name")
	ErrEmptyScript    = errors.New("step has no script")
	ErrDuplicateStep  = errors.New("duplicate step name")
	ErrInvalidTimeout = errors.New("timeout_seconds must not be negative")
	ErrInvalidPolicy  = errors.New("step policy must be fatal or soft")
)

func Load(path string) (*model.PipelineDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*model.PipelineDefinition, error) {
	def := new(model.PipelineDefinition)
	if err := yaml.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate requires unique step names since the policy table is keyed by them.
func Validate(def *model.PipelineDefinition) error {
	if len(def.Stages) == 0 {
		return ErrEmptyPipeline
	}
	seen := make(map[string]bool)
	for i, stage := range def.Stages {
		for j, step := range stage.Steps {
			switch {
			case step.Step == "":
				return fmt.Errorf("%w: stage %d (%s) step %d", ErrUnnamedStep, i, stage.Stage, j)
			case step.Script == "":
				return fmt.Errorf("%w: %s", ErrEmptyScript, step.Step)
			case step.TimeoutSeconds < 0:
				return fmt.Errorf("%w: %s", ErrInvalidTimeout, step.Step)
			case seen[step.Step]:
				return fmt.Errorf("%w: %s", ErrDuplicateStep, step.Step)
			}
			if step.Policy != "" && step.Policy != model.SeverityFatal && step.Policy != model.SeveritySoft {
				return fmt.Errorf("%w: %s=%q", ErrInvalidPolicy, step.Step, step.Policy)
			}
			seen[step.Step] = true
		}
	}
	return nil
}
