package model

type DeployState string

const (
	DeployStateApplying   DeployState = "applying"
	DeployStateRollingOut DeployState = "rolling-out"
	DeployStateReady      DeployState = "ready"
	DeployStateFailed     DeployState = "failed"
	DeployStateRolledBack DeployState = "rolled-back"
)

type DeployTarget string

const (
	DeployTargetNone       DeployTarget = "none"
	DeployTargetKubernetes DeployTarget = "kubernetes"
	DeployTargetStaging    DeployTarget = "staging"
)

type DeployResult struct {
	Target  DeployTarget `json:"target"            bson:"target"`
	State   DeployState  `json:"state"             bson:"state"`
	Image   string       `json:"image"             bson:"image"`
	Message string       `json:"message,omitempty" bson:"message,omitempty"`
}
