package model

type BuilderKind string

type (
	// DetectedInfo is what the analyzer found in the workspace.
	DetectedInfo struct {
		Builders []BuilderKind
		Docker   *DockerInfo
	}

	DockerInfo struct {
		Dockerfiles       []string
		DockerIgnoreFound bool
	}

	BuildConfig struct {
		Builder        BuilderKind
		ContextDir     string
		DockerfilePath string
		BaseImage      string
	}
)

// SourceInfo describes the checked out revision of the workspace.
type SourceInfo struct {
	Path       string
	Commit     string
	FullCommit string
	Branch     string
}
