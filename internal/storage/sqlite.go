//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"collapsesim/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveExperiment(ctx context.Context, experiment model.Experiment) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeExperiment(experiment)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO experiments (id, created_at_utc, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, experiment.ID, experiment.CreatedAtUTC, experiment.SchemaVersion, experiment.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (model.Experiment, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Experiment{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM experiments WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Experiment{}, false, nil
	}
	if err != nil {
		return model.Experiment{}, false, err
	}

	experiment, err := DecodeExperiment(payload)
	if err != nil {
		return model.Experiment{}, false, fmt.Errorf("decode experiment %s: %w", id, err)
	}
	return experiment, true, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]model.Experiment, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM experiments ORDER BY created_at_utc DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []model.Experiment
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		experiment, err := DecodeExperiment(payload)
		if err != nil {
			return nil, fmt.Errorf("decode experiment %s: %w", id, err)
		}
		experiments = append(experiments, experiment)
	}
	return experiments, rows.Err()
}

func (s *SQLiteStore) SaveScenarioRun(ctx context.Context, run model.ScenarioRun) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeScenarioRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO scenario_runs (id, experiment_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			experiment_id = excluded.experiment_id,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.ExperimentID, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetScenarioRun(ctx context.Context, id string) (model.ScenarioRun, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ScenarioRun{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM scenario_runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScenarioRun{}, false, nil
	}
	if err != nil {
		return model.ScenarioRun{}, false, err
	}

	run, err := DecodeScenarioRun(payload)
	if err != nil {
		return model.ScenarioRun{}, false, fmt.Errorf("decode scenario run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scenario_runs (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS scenario_runs_experiment ON scenario_runs (experiment_id);
	`)
	return err
}
