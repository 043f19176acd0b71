package baseAnalyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/distribution/reference"
	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/analyzers"
	"github.com/ipaas-org/ci-runner/providers/builders/docker"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
)

var (
	ErrNoFromInstruction = errors.New("no FROM instruction found")
	ErrUnresolvedArg     = errors.New("base image depends on a build arg without default")
)

var _ analyzers.Analyzer = new(BaseAnalyzer)

type BaseAnalyzer struct{}

func NewBaseAnalyzer() *BaseAnalyzer {
	return &BaseAnalyzer{}
}

func (b *BaseAnalyzer) DetectBuilders(ctx context.Context, path string) (*model.DetectedInfo, error) {
	files, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	info := new(model.DetectedInfo)
	dockerInfo := new(model.DockerInfo)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := strings.ToLower(f.Name())
		if strings.HasSuffix(name, ".dockerignore") {
			dockerInfo.DockerIgnoreFound = true
			continue
		}
		if strings.HasSuffix(name, "dockerfile") || strings.HasPrefix(name, "dockerfile") {
			dockerInfo.Dockerfiles = append(dockerInfo.Dockerfiles, f.Name())
		}
	}

	if len(dockerInfo.Dockerfiles) > 0 {
		info.Builders = append(info.Builders, docker.DockerBuilderKind)
	}
	if len(dockerInfo.Dockerfiles) > 0 || dockerInfo.DockerIgnoreFound {
		info.Docker = dockerInfo
	}

	return info, nil
}

// BaseImage reads the first FROM instruction. ARGs declared before it are
// expanded with the Dockerfile shell rules, defaults and ${VAR:-default}
// forms included.
func (b *BaseAnalyzer) BaseImage(ctx context.Context, dockerfilePath string) (string, error) {
	f, err := os.Open(dockerfilePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	result, err := parser.Parse(f)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", dockerfilePath, err)
	}

	lex := shell.NewLex(result.EscapeToken)
	args := argEnv{}
	for _, node := range result.AST.Children {
		switch strings.ToLower(node.Value) {
		case "arg":
			for n := node.Next; n != nil; n = n.Next {
				name, value, hasDefault := strings.Cut(n.Value, "=")
				if !hasDefault {
					if _, ok := args[name]; !ok {
						args[name] = ""
					}
					continue
				}
				expanded, _, err := lex.ProcessWord(value, args)
				if err != nil {
					return "", err
				}
				args[name] = expanded
			}
		case "from":
			if node.Next == nil {
				return "", ErrNoFromInstruction
			}
			image, _, err := lex.ProcessWord(node.Next.Value, args.defined())
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrUnresolvedArg, err)
			}
			if _, err := reference.ParseNormalizedNamed(image); err != nil {
				return "", fmt.Errorf("%w: %s expands to %q", ErrUnresolvedArg, node.Next.Value, image)
			}
			return image, nil
		}
	}
	return "", ErrNoFromInstruction
}

// argEnv holds the ARGs seen before the first FROM.
type argEnv map[string]string

func (a argEnv) Get(name string) (string, bool) {
	v, ok := a[name]
	return v, ok
}

func (a argEnv) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	return keys
}

// defined drops the ARGs declared without a value, they expand like unset
// variables.
func (a argEnv) defined() argEnv {
	out := argEnv{}
	for k, v := range a {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
