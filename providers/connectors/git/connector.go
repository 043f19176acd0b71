package git

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/connectors"
	"github.com/sirupsen/logrus"
)

const ShortHashLen = 7

var ErrNotARepository = errors.New("workspace is not a git repository")

var _ connectors.Connector = new(GitConnector)

// GitConnector reads revision information from a local checkout.
type GitConnector struct {
	l *logrus.Logger
}

func NewGitConnector(l *logrus.Logger) *GitConnector {
	return &GitConnector{l: l}
}

func (g *GitConnector) Describe(ctx context.Context, path string) (*model.SourceInfo, error) {
	r, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotARepository, path)
		}
		return nil, err
	}

	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	full := head.Hash().String()
	info := &model.SourceInfo{
		Path:       path,
		FullCommit: full,
		Commit:     full[:ShortHashLen],
	}
	// detached heads (typical in CI checkouts) have no branch name
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	g.l.Debugf("workspace %s at %s (%s)", path, info.Commit, info.Branch)
	return info, nil
}
