package model

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

type (
	RunRequest struct {
		Pipeline  string `json:"pipeline"`
		Workspace string `json:"workspace"`
		Branch    string `json:"branch,omitempty"`
		// Number overrides the build counter when set, e.g. when the caller
		// owns the numbering.
		Number int64 `json:"number,omitempty"`
	}

	Run struct {
		ID         string          `json:"id"                bson:"_id"`
		Pipeline   string          `json:"pipeline"          bson:"pipeline"`
		Descriptor BuildDescriptor `json:"descriptor"        bson:"descriptor"`
		Status     RunStatus       `json:"status"            bson:"status"`
		Images     []string        `json:"images,omitempty"  bson:"images,omitempty"`
		ImageID    string          `json:"imageID,omitempty" bson:"imageID,omitempty"`
		Verdict    *Verdict        `json:"verdict,omitempty" bson:"verdict,omitempty"`
		Deploy     *DeployResult   `json:"deploy,omitempty"  bson:"deploy,omitempty"`
		Steps      []StepResult    `json:"steps"             bson:"steps"`
		StartedOn  time.Time       `json:"startedOn"         bson:"startedOn"`
		EndedOn    *time.Time      `json:"endedOn,omitempty" bson:"endedOn,omitempty"`
	}

	RunResponse struct {
		RunID   string         `json:"runID"`
		Number  int64          `json:"number"`
		Status  ResponseStatus `json:"status"`
		Images  []string       `json:"images,omitempty"`
		Verdict VerdictStatus  `json:"verdict,omitempty"`
		Message string         `json:"message,omitempty"`
	}
)

type ResponseStatus string

const (
	ResponseStatusSuccess ResponseStatus = "success"
	ResponseStatusFailed  ResponseStatus = "failed"
)

// NewRunResponse summarizes a finished run for the requester. run may be nil
// when the run could not start.
func NewRunResponse(run *Run, err error) RunResponse {
	resp := RunResponse{Status: ResponseStatusSuccess}
	if run != nil {
		resp.RunID = run.ID
		resp.Number = run.Descriptor.Number
		resp.Images = run.Images
		if run.Verdict != nil {
			resp.Verdict = run.Verdict.Status
		}
		if run.Status != RunStatusPassed {
			resp.Status = ResponseStatusFailed
		}
	}
	if err != nil {
		resp.Status = ResponseStatusFailed
		resp.Message = err.Error()
	}
	return resp
}
