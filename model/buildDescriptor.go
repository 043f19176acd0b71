package model

import (
	"strconv"
	"time"
)

const HumanDateLayout = "Monday, 02 January 2006 15:04:05 MST"

type (
	// BuildDescriptor identifies a single pipeline run. It is created once and
	// never modified afterwards.
	BuildDescriptor struct {
		Number    int64     `json:"number"    bson:"number"`
		Commit    string    `json:"commit"    bson:"commit"`
		Branch    string    `json:"branch"    bson:"branch"`
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
		HumanDate string    `json:"humanDate" bson:"humanDate"`
		Tag       string    `json:"tag"       bson:"tag"`
	}

	ImageReference struct {
		Repository string `json:"repository" bson:"repository"`
		Tag        string `json:"tag"        bson:"tag"`
	}
)

const (
	BuildArgNumber    = "BUILD_NUMBER"
	BuildArgDate      = "BUILD_DATE"
	BuildArgCommit    = "COMMIT_HASH"
	BuildArgTag       = "IMAGE_TAG"
	BuildArgHumanDate = "BUILD_HUMAN_DATE"

	LatestTag = "latest"
)

// BuildArgs returns the docker build arguments baked into the image metadata.
func (d BuildDescriptor) BuildArgs() map[string]*string {
	args := map[string]string{
		BuildArgNumber:    strconv.FormatInt(d.Number, 10),
		BuildArgDate:      d.Timestamp.UTC().Format(time.RFC3339),
		BuildArgCommit:    d.Commit,
		BuildArgTag:       d.Tag,
		BuildArgHumanDate: d.HumanDate,
	}
	out := make(map[string]*string, len(args))
	for k, v := range args {
		v := v
		out[k] = &v
	}
	return out
}

func (r ImageReference) String() string {
	if r.Tag == "" {
		return r.Repository
	}
	return r.Repository + ":" + r.Tag
}

// Latest returns the reference to the same repository tagged "latest".
func (r ImageReference) Latest() ImageReference {
	return ImageReference{Repository: r.Repository, Tag: LatestTag}
}
