package kubernetes

import "errors"

var (
	ErrNoManifests        = errors.New("no manifests found")
	ErrUnsupportedKind    = errors.New("unsupported manifest kind")
	ErrProgressDeadline   = errors.New("deployment exceeded its progress deadline")
	ErrRolloutTimeout     = errors.New("rollout did not complete in time")
	ErrNoRolloutHistory   = errors.New("no previous revision to roll back to")
	ErrImageNotReferenced = errors.New("manifests do not reference the image")
)
