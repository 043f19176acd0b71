package qualitygate

import "errors"

var (
	ErrGateTimeout    = errors.New("quality gate verdict not available before timeout")
	ErrNoQualityGate  = errors.New("no quality gate configured for the project")
	ErrUnauthorized   = errors.New("analysis service rejected the credentials")
	ErrRateLimited    = errors.New("analysis service rate limit exceeded")
	ErrAnalysisFailed = errors.New("analysis task failed")

	// errPending is returned by checks that have not settled yet
	errPending = errors.New("verdict pending")
)
