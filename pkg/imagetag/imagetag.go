// Package imagetag derives registry-safe image tags from the build clock and
// the build counter.
package imagetag

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ipaas-org/ci-runner/model"
)

const (
	Layout = "2006-01-02-at-15-04-05"
	MaxLen = 128
)

var (
	ErrNegativeBuild   = errors.New("build number must not be negative")
	ErrInvalidTag      = errors.New("invalid image tag")
	ErrInvalidImageRef = errors.New("invalid image reference")

	tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// Generate returns "<utc date-time>-build-<n>", e.g.
// 2026-02-16-at-10-17-27-build-42. Second granularity plus the build number
// keeps tags unique across builds.
func Generate(t time.Time, build int64) (string, error) {
	if build < 0 {
		return "", ErrNegativeBuild
	}
	tag := fmt.Sprintf("%s-build-%d", t.UTC().Format(Layout), build)
	if err := Validate(tag); err != nil {
		return "", err
	}
	return tag, nil
}

func Validate(tag string) error {
	if len(tag) > MaxLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidTag, tag, MaxLen)
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return nil
}

// ParseReference splits "host:port/name:tag" into repository and tag. A
// missing tag is returned empty.
func ParseReference(ref string) (model.ImageReference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.ImageReference{}, ErrInvalidImageRef
	}
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}

	repo, tag := ref, ""
	lastSlash := strings.LastIndex(ref, "/")
	if i := strings.LastIndex(ref, ":"); i > lastSlash {
		repo, tag = ref[:i], ref[i+1:]
	}
	if repo == "" || strings.HasSuffix(repo, "/") {
		return model.ImageReference{}, fmt.Errorf("%w: %q", ErrInvalidImageRef, ref)
	}
	if tag != "" && !validRegistryTag(tag) {
		return model.ImageReference{}, fmt.Errorf("%w: tag %q", ErrInvalidImageRef, tag)
	}
	return model.ImageReference{Repository: repo, Tag: tag}, nil
}

// registry tags may carry upper case letters, only generated ones may not.
func validRegistryTag(tag string) bool {
	return len(tag) <= MaxLen && tagPattern.MatchString(strings.ToLower(tag))
}

// Generator produces tags for a repository from an injectable clock.
type Generator struct {
	Repository string
	Now        func() time.Time
}

func NewGenerator(repository string) *Generator {
	return &Generator{
		Repository: repository,
		Now:        time.Now,
	}
}

// Describe builds the immutable descriptor of a run together with its image
// reference.
func (g *Generator) Describe(build int64, commit, branch string) (model.BuildDescriptor, model.ImageReference, error) {
	now := g.Now().UTC().Truncate(time.Second)
	tag, err := Generate(now, build)
	if err != nil {
		return model.BuildDescriptor{}, model.ImageReference{}, err
	}
	d := model.BuildDescriptor{
		Number:    build,
		Commit:    commit,
		Branch:    branch,
		Timestamp: now,
		HumanDate: now.Format(model.HumanDateLayout),
		Tag:       tag,
	}
	return d, model.ImageReference{Repository: g.Repository, Tag: tag}, nil
}
