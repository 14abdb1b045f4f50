package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"collapsesim/internal/collapse"
	"collapsesim/internal/trust"
	"collapsesim/pkg/collapsesim"
)

// scenarioFlags collects repeated --scenario name:rate:weight values.
type scenarioFlags []collapsesim.ScenarioRequest

func (s *scenarioFlags) String() string {
	parts := make([]string, 0, len(*s))
	for _, sc := range *s {
		parts = append(parts, fmt.Sprintf("%s:%g:%g", sc.Name, sc.InjectionRate, sc.AnalogWeight))
	}
	return strings.Join(parts, ",")
}

func (s *scenarioFlags) Set(value string) error {
	sc, err := parseScenario(value)
	if err != nil {
		return err
	}
	*s = append(*s, sc)
	return nil
}

func (s scenarioFlags) requests() []collapsesim.ScenarioRequest {
	if len(s) == 0 {
		return nil
	}
	return append([]collapsesim.ScenarioRequest(nil), s...)
}

func parseScenario(value string) (collapsesim.ScenarioRequest, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
		return collapsesim.ScenarioRequest{}, fmt.Errorf("scenario must be name:rate:weight, got %q", value)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return collapsesim.ScenarioRequest{}, fmt.Errorf("scenario %s rate: %w", parts[0], err)
	}
	weight, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return collapsesim.ScenarioRequest{}, fmt.Errorf("scenario %s weight: %w", parts[0], err)
	}
	return collapsesim.ScenarioRequest{Name: strings.TrimSpace(parts[0]), InjectionRate: rate, AnalogWeight: weight}, nil
}

// decodeConfigFile reads a JSON or YAML document into a generic map. YAML
// files are recognized by extension; anything else is tried as JSON first.
func decodeConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			if yamlErr := yaml.Unmarshal(data, &raw); yamlErr != nil {
				return nil, jsonErr
			}
		}
	}
	if raw == nil {
		return nil, errors.New("config is empty")
	}
	return raw, nil
}

func loadRunRequestFromConfig(path string) (collapsesim.RunRequest, error) {
	raw, err := decodeConfigFile(path)
	if err != nil {
		return collapsesim.RunRequest{}, err
	}

	var req collapsesim.RunRequest
	if v, ok := asInt(raw["vocab_size"]); ok {
		req.VocabSize = v
	}
	if v, ok := asFloat64(raw["zipf_shape"]); ok {
		req.ZipfShape = v
	}
	if v, ok := asString(raw["ground_truth"]); ok {
		req.GroundTruthPath = v
	}
	if v, ok := asString(raw["ground_truth_column"]); ok {
		req.GroundTruthColumn = v
	}
	if v, ok := asInt(raw["sample_size"]); ok {
		req.SampleSize = v
	}
	if v, ok := asFloat64(raw["smoothing"]); ok {
		req.Smoothing = v
	}
	if v, ok := asString(raw["policy"]); ok {
		req.Policy = v
	}
	if v, ok := asInt(raw["generations"]); ok {
		req.Generations = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asString(raw["seed_strategy"]); ok {
		req.SeedStrategy = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}

	if list, ok := raw["scenarios"].([]any); ok {
		for i, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return collapsesim.RunRequest{}, fmt.Errorf("scenario %d must be a mapping", i+1)
			}
			sc, err := scenarioFromMap(entry)
			if err != nil {
				return collapsesim.RunRequest{}, fmt.Errorf("scenario %d: %w", i+1, err)
			}
			req.Scenarios = append(req.Scenarios, sc)
		}
	}
	return req, nil
}

func scenarioFromMap(entry map[string]any) (collapsesim.ScenarioRequest, error) {
	var sc collapsesim.ScenarioRequest
	if v, ok := asString(entry["name"]); ok {
		sc.Name = v
	}
	if v, ok := asFloat64(entry["injection_rate"]); ok {
		sc.InjectionRate = v
	}
	sc.AnalogWeight = collapse.DefaultAnalogWeight
	if v, ok := asFloat64(entry["analog_weight"]); ok {
		sc.AnalogWeight = v
	}
	if v, ok := asInt64(entry["seed"]); ok {
		sc.Seed = &v
	}
	if raw, ok := entry["trust"].(map[string]any); ok {
		scorer, _ := asString(raw["scorer"])
		if scorer == "" {
			return collapsesim.ScenarioRequest{}, errors.New("trust requires a scorer")
		}
		var evidence trust.Evidence
		if ev, ok := raw["evidence"]; ok {
			if err := remarshal(ev, &evidence); err != nil {
				return collapsesim.ScenarioRequest{}, fmt.Errorf("trust evidence: %w", err)
			}
		}
		sc.Trust = &collapsesim.TrustRequest{Scorer: scorer, Evidence: evidence}
	}
	return sc, nil
}

func loadEvidence(path string) (trust.Evidence, error) {
	raw, err := decodeConfigFile(path)
	if err != nil {
		return trust.Evidence{}, fmt.Errorf("load evidence: %w", err)
	}
	var evidence trust.Evidence
	if err := remarshal(raw, &evidence); err != nil {
		return trust.Evidence{}, fmt.Errorf("load evidence: %w", err)
	}
	return evidence, nil
}

// remarshal converts a decoded generic value into a typed one through JSON.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func parseFloatList(value string) ([]float64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func overrideFromFlags(req *collapsesim.RunRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "vocab":
			req.VocabSize = v.(int)
		case "zipf":
			req.ZipfShape = v.(float64)
		case "ground-truth":
			req.GroundTruthPath = v.(string)
		case "ground-truth-column":
			req.GroundTruthColumn = v.(string)
		case "sample-size":
			req.SampleSize = v.(int)
		case "smoothing":
			req.Smoothing = v.(float64)
		case "gens":
			req.Generations = v.(int)
		case "seed":
			req.Seed = v.(int64)
		case "seed-strategy":
			req.SeedStrategy = v.(string)
		case "policy":
			req.Policy = v.(string)
		case "workers":
			req.Workers = v.(int)
		case "scenario":
			req.Scenarios = v.([]collapsesim.ScenarioRequest)
		}
	}
	return nil
}

func loadOrDefaultRunRequest(configPath string) (collapsesim.RunRequest, error) {
	if configPath == "" {
		return collapsesim.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return collapsesim.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// validateRunRequest rejects values the client would otherwise replace with
// defaults. Fields a config file leaves unset stay zero and take defaults;
// an explicit zero from a flag is an error.
func validateRunRequest(req collapsesim.RunRequest, set map[string]bool) error {
	if req.VocabSize < 0 || (set["vocab"] && req.VocabSize == 0) {
		return errors.New("vocab must be > 0")
	}
	if req.SampleSize < 0 || (set["sample-size"] && req.SampleSize == 0) {
		return errors.New("sample-size must be > 0")
	}
	if req.Smoothing < 0 || math.IsNaN(req.Smoothing) || (set["smoothing"] && req.Smoothing == 0) {
		return errors.New("smoothing must be > 0")
	}
	if req.Generations < 0 || (set["gens"] && req.Generations == 0) {
		return errors.New("gens must be > 0")
	}
	if req.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	return nil
}
