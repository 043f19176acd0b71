package baseAnalyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/providers/builders/docker"
	"gotest.tools/assert"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectBuilders(t *testing.T) {
	ctx := context.Background()
	b := NewBaseAnalyzer()

	t.Run("dockerfile found", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "Dockerfile", "FROM python:3.11-slim\n")
		writeFile(t, dir, "manage.py", "")

		info, err := b.DetectBuilders(ctx, dir)
		assert.NilError(t, err)
		assert.DeepEqual(t, info.Builders, []model.BuilderKind{docker.DockerBuilderKind})
		assert.DeepEqual(t, info.Docker.Dockerfiles, []string{"Dockerfile"})
	})

	t.Run("only dockerignore", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ".dockerignore", "venv\n")

		info, err := b.DetectBuilders(ctx, dir)
		assert.NilError(t, err)
		assert.Equal(t, len(info.Builders), 0)
		assert.Assert(t, info.Docker.DockerIgnoreFound)
	})

	t.Run("nothing to build", func(t *testing.T) {
		info, err := b.DetectBuilders(ctx, t.TempDir())
		assert.NilError(t, err)
		assert.Assert(t, info.Docker == nil)
	})
}

func TestBaseImage(t *testing.T) {
	ctx := context.Background()
	b := NewBaseAnalyzer()

	cases := []struct {
		name, dockerfile, want string
	}{
		{"plain", "# syntax=docker/dockerfile:1\nFROM python:3.11-slim\nRUN pip install -r requirements.txt\n", "python:3.11-slim"},
		{"stage alias", "FROM python:3.11-slim AS base\nFROM base\n", "python:3.11-slim"},
		{"platform flag", "FROM --platform=linux/amd64 python:3.11-slim\n", "python:3.11-slim"},
		{"arg default", "ARG PY=3.11\nFROM python:${PY}-slim\n", "python:3.11-slim"},
		{"line continuation", "FROM \\\n  python:3.12-slim\n", "python:3.12-slim"},
		{"inline default", "ARG PY\nFROM python:${PY:-3.11}-slim\n", "python:3.11-slim"},
		{"several args on one line", "ARG REG=docker.io TAG=3.11-slim\nFROM ${REG}/library/python:${TAG}\n", "docker.io/library/python:3.11-slim"},
		{"quoted default", "ARG TAG=\"3.11-slim\"\nFROM python:$TAG\n", "python:3.11-slim"},
		{"arg built from arg", "ARG PY=3.11\nARG TAG=${PY}-slim\nFROM python:${TAG}\n", "python:3.11-slim"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "Dockerfile", c.dockerfile)
			image, err := b.BaseImage(ctx, path)
			assert.NilError(t, err)
			assert.Equal(t, image, c.want)
		})
	}

	t.Run("arg without default", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "Dockerfile", "ARG PY\nFROM python:${PY}\n")
		_, err := b.BaseImage(ctx, path)
		assert.Assert(t, errors.Is(err, ErrUnresolvedArg))
	})

	t.Run("no from", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "Dockerfile", "RUN echo hi\n")
		_, err := b.BaseImage(ctx, path)
		assert.Assert(t, errors.Is(err, ErrNoFromInstruction))
	})
}
