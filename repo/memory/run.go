// Package memory keeps run history in process, for one-shot cli runs and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/repo"
)

var _ repo.RunRepoer = new(RunRepoerMemory)

type RunRepoerMemory struct {
	mu       sync.Mutex
	counters map[string]int64
	runs     map[string]*model.Run
}

func NewRunRepoer() *RunRepoerMemory {
	return &RunRepoerMemory{
		counters: make(map[string]int64),
		runs:     make(map[string]*model.Run),
	}
}

func (r *RunRepoerMemory) NextBuildNumber(_ context.Context, pipeline string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[pipeline]++
	return r.counters[pipeline], nil
}

func (r *RunRepoerMemory) InsertRun(_ context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return repo.ErrAlreadyExists
	}
	r.runs[run.ID] = clone(run)
	return nil
}

func (r *RunRepoerMemory) UpdateRun(_ context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return repo.ErrNotFound
	}
	r.runs[run.ID] = clone(run)
	return nil
}

func (r *RunRepoerMemory) GetRunByID(_ context.Context, id string) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(run), nil
}

func (r *RunRepoerMemory) ListRuns(_ context.Context, pipeline string, limit int64) ([]*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]*model.Run, 0)
	for _, run := range r.runs {
		if run.Pipeline == pipeline {
			runs = append(runs, clone(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Descriptor.Number > runs[j].Descriptor.Number
	})
	if limit > 0 && int64(len(runs)) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// clone keeps callers from mutating stored runs through shared slices.
func clone(run *model.Run) *model.Run {
	c := *run
	c.Images = append([]string(nil), run.Images...)
	c.Steps = append([]model.StepResult(nil), run.Steps...)
	if run.Verdict != nil {
		v := *run.Verdict
		c.Verdict = &v
	}
	if run.Deploy != nil {
		d := *run.Deploy
		c.Deploy = &d
	}
	if run.EndedOn != nil {
		e := *run.EndedOn
		c.EndedOn = &e
	}
	return &c
}
