package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"collapsesim/internal/model"
)

const (
	runIndexFile          = "run_index.json"
	configFile            = "config.json"
	diversitySeriesFile   = "diversity_series.json"
	diversitySeriesCSV    = "diversity_series.csv"
	generationDiagnostics = "generation_diagnostics.json"
)

// RunConfig is everything needed to reproduce one scenario run.
type RunConfig struct {
	RunID           string  `json:"run_id"`
	ExperimentID    string  `json:"experiment_id"`
	Scenario        string  `json:"scenario"`
	VocabSize       int     `json:"vocab_size"`
	ZipfShape       float64 `json:"zipf_shape"`
	GroundTruth     string  `json:"ground_truth,omitempty"`
	SampleSize      int     `json:"sample_size"`
	Smoothing       float64 `json:"smoothing"`
	Policy          string  `json:"policy"`
	Generations     int     `json:"generations"`
	InjectionRate   float64 `json:"injection_rate"`
	AnalogWeight    float64 `json:"analog_weight"`
	EffectiveWeight float64 `json:"effective_weight"`
	TrustScorer     string  `json:"trust_scorer,omitempty"`
	Seed            int64   `json:"seed"`
	CreatedAtUTC    string  `json:"created_at_utc"`
}

type RunArtifacts struct {
	Config       RunConfig
	Series       []float64
	FinalEntropy float64
	Diagnostics  []model.GenerationDiagnostics
}

type DiversitySeries struct {
	EntropyByGeneration []float64 `json:"entropy_by_generation"`
	FinalEntropy        float64   `json:"final_entropy"`
}

type RunIndexEntry struct {
	RunID          string  `json:"run_id"`
	ExperimentID   string  `json:"experiment_id"`
	Scenario       string  `json:"scenario"`
	Generations    int     `json:"generations"`
	InjectionRate  float64 `json:"injection_rate"`
	AnalogWeight   float64 `json:"analog_weight"`
	Seed           int64   `json:"seed"`
	InitialEntropy float64 `json:"initial_entropy"`
	FinalEntropy   float64 `json:"final_entropy"`
	CreatedAtUTC   string  `json:"created_at_utc"`
	Error          string  `json:"error,omitempty"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	series := artifacts.Series
	if series == nil {
		series = []float64{}
	}
	if err := writeJSON(filepath.Join(runDir, diversitySeriesFile), DiversitySeries{EntropyByGeneration: series, FinalEntropy: artifacts.FinalEntropy}); err != nil {
		return "", err
	}
	if err := WriteDiversitySeriesCSV(runDir, series); err != nil {
		return "", err
	}
	diagnostics := artifacts.Diagnostics
	if diagnostics == nil {
		diagnostics = []model.GenerationDiagnostics{}
	}
	if err := writeJSON(filepath.Join(runDir, generationDiagnostics), diagnostics); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. Entries sharing a
// timestamp keep reverse append order.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, diversitySeriesFile, diversitySeriesCSV, generationDiagnostics} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	if err != nil || !ok {
		return RunConfig{}, ok, err
	}
	return cfg, true, nil
}

func ReadDiversitySeries(baseDir, runID string) (DiversitySeries, bool, error) {
	var series DiversitySeries
	ok, err := readJSON(filepath.Join(baseDir, runID, diversitySeriesFile), &series)
	if err != nil || !ok {
		return DiversitySeries{}, ok, err
	}
	return series, true, nil
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, generationDiagnostics), &diagnostics)
	if err != nil || !ok {
		return nil, ok, err
	}
	return diagnostics, true, nil
}

// WriteDiversitySeriesCSV writes one generation,entropy row per entry
// starting at generation 0.
func WriteDiversitySeriesCSV(runDir string, series []float64) error {
	file, err := os.Create(filepath.Join(runDir, diversitySeriesCSV))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "entropy"}); err != nil {
		return err
	}
	for i, h := range series {
		if err := writer.Write([]string{strconv.Itoa(i), formatFloat(h)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadDiversitySeriesCSV(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, diversitySeriesCSV))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("diversity series header must have at least 2 columns")
	}

	series := make([]float64, 0, 32)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
