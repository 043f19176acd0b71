package builders

import "errors"

var (
	ErrInvalidPlan      = errors.New("invalid build plan")
	ErrMissingConfig    = errors.New("dockerfile not found")
	ErrInvalidConfig    = errors.New("dockerfile could not be parsed")
	ErrImageNotCompiled = errors.New("image did not compile")
	ErrBasePull         = errors.New("unable to pull base image")
)
