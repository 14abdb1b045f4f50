package storage

import (
	"context"

	"collapsesim/internal/model"
)

// Store defines persistence operations for experiments and their scenario runs.
type Store interface {
	Init(ctx context.Context) error
	SaveExperiment(ctx context.Context, experiment model.Experiment) error
	GetExperiment(ctx context.Context, id string) (model.Experiment, bool, error)
	ListExperiments(ctx context.Context) ([]model.Experiment, error)
	SaveScenarioRun(ctx context.Context, run model.ScenarioRun) error
	GetScenarioRun(ctx context.Context, id string) (model.ScenarioRun, bool, error)
}
