package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"collapsesim/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	experiments map[string]model.Experiment
	runs        map[string]model.ScenarioRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.experiments = make(map[string]model.Experiment)
	s.runs = make(map[string]model.ScenarioRun)
	return nil
}

func (s *MemoryStore) SaveExperiment(_ context.Context, experiment model.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.experiments[experiment.ID] = cloneExperiment(experiment)
	return nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (model.Experiment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experiment, ok := s.experiments[id]
	if !ok {
		return model.Experiment{}, false, nil
	}
	return cloneExperiment(experiment), true, nil
}

// ListExperiments returns experiments newest first.
func (s *MemoryStore) ListExperiments(_ context.Context) ([]model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Experiment, 0, len(s.experiments))
	for _, experiment := range s.experiments {
		out = append(out, cloneExperiment(experiment))
	}
	sortExperiments(out)
	return out, nil
}

func (s *MemoryStore) SaveScenarioRun(_ context.Context, run model.ScenarioRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = cloneScenarioRun(run)
	return nil
}

func (s *MemoryStore) GetScenarioRun(_ context.Context, id string) (model.ScenarioRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.ScenarioRun{}, false, nil
	}
	return cloneScenarioRun(run), true, nil
}

func sortExperiments(experiments []model.Experiment) {
	sort.SliceStable(experiments, func(i, j int) bool {
		if experiments[i].CreatedAtUTC != experiments[j].CreatedAtUTC {
			return experiments[i].CreatedAtUTC > experiments[j].CreatedAtUTC
		}
		return experiments[i].ID < experiments[j].ID
	})
}

func cloneExperiment(experiment model.Experiment) model.Experiment {
	experiment.RunIDs = slices.Clone(experiment.RunIDs)
	return experiment
}

func cloneScenarioRun(run model.ScenarioRun) model.ScenarioRun {
	run.Series = slices.Clone(run.Series)
	if run.Diagnostics != nil {
		diagnostics := make([]model.GenerationDiagnostics, len(run.Diagnostics))
		for i, d := range run.Diagnostics {
			if d.KLFromGroundTruth != nil {
				kl := *d.KLFromGroundTruth
				d.KLFromGroundTruth = &kl
			}
			diagnostics[i] = d
		}
		run.Diagnostics = diagnostics
	}
	return run
}
