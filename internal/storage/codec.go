package storage

import (
	"encoding/json"
	"errors"

	"collapsesim/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps a record with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeExperiment(e model.Experiment) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeExperiment(data []byte) (model.Experiment, error) {
	var experiment model.Experiment
	if err := json.Unmarshal(data, &experiment); err != nil {
		return model.Experiment{}, err
	}
	if err := checkVersion(experiment.VersionedRecord); err != nil {
		return model.Experiment{}, err
	}
	return experiment, nil
}

func EncodeScenarioRun(r model.ScenarioRun) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeScenarioRun(data []byte) (model.ScenarioRun, error) {
	var run model.ScenarioRun
	if err := json.Unmarshal(data, &run); err != nil {
		return model.ScenarioRun{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.ScenarioRun{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
