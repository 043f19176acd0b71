package model

type VerdictStatus string

const (
	VerdictOK      VerdictStatus = "OK"
	VerdictWarn    VerdictStatus = "WARN"
	VerdictError   VerdictStatus = "ERROR"
	VerdictPending VerdictStatus = "PENDING"
	VerdictUnknown VerdictStatus = "UNKNOWN"
)

type Verdict struct {
	Status  VerdictStatus `json:"status"  bson:"status"`
	Source  string        `json:"source"  bson:"source"`
	Details string        `json:"details" bson:"details,omitempty"`
}

// IsTerminal reports whether the analysis service has settled on a result.
func (v Verdict) IsTerminal() bool {
	switch v.Status {
	case VerdictOK, VerdictWarn, VerdictError:
		return true
	}
	return false
}
