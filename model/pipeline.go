package model

type Step struct {
	Step           string   `yaml:"step"            json:"step"`
	Script         string   `yaml:"script"          json:"script"`
	TimeoutSeconds int64    `yaml:"timeout_seconds" json:"timeoutSeconds"`
	Policy         Severity `yaml:"policy"          json:"policy,omitempty"`
}

type Stage struct {
	Stage    string `yaml:"stage"    json:"stage"`
	Parallel bool   `yaml:"parallel" json:"parallel"`
	Steps    []Step `yaml:"steps"    json:"steps"`
}

// PipelineDefinition lists the check stages run before analysis and build.
type PipelineDefinition struct {
	Stages []Stage `yaml:"stages" json:"stages"`
}
