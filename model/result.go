package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

type StepResult struct {
	Stage    string        `json:"stage"             bson:"stage"`
	Step     string        `json:"step"              bson:"step"`
	Outcome  Outcome       `json:"outcome"           bson:"outcome"`
	Message  string        `json:"message,omitempty" bson:"message,omitempty"`
	Duration time.Duration `json:"duration"          bson:"duration"`
	Err      error         `json:"-"                 bson:"-"`
}

// Severity tells the orchestrator what a failed step means for the run.
type Severity string

const (
	SeverityFatal Severity = "fatal"
	SeveritySoft  Severity = "soft"
)
