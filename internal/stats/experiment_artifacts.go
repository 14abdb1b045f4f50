package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"collapsesim/internal/model"
)

const (
	experimentsDir = "experiments"
	comparisonFile = "comparison.csv"
)

// SeriesColumn is one scenario's entropy series in a comparison table.
type SeriesColumn struct {
	Scenario string
	Series   []float64
}

// WriteExperiment stores experiment.json and a wide comparison.csv with a
// generation column followed by one entropy column per scenario. Shorter
// series leave trailing cells empty.
func WriteExperiment(baseDir string, exp model.Experiment, columns []SeriesColumn) (string, error) {
	if exp.ID == "" {
		return "", fmt.Errorf("experiment id is required")
	}
	dir := filepath.Join(baseDir, experimentsDir, exp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, "experiment.json"), exp); err != nil {
		return "", err
	}
	if err := writeComparison(filepath.Join(dir, comparisonFile), columns); err != nil {
		return "", err
	}
	return dir, nil
}

func ReadExperiment(baseDir, id string) (model.Experiment, bool, error) {
	if id == "" {
		return model.Experiment{}, false, fmt.Errorf("experiment id is required")
	}
	var exp model.Experiment
	ok, err := readJSON(filepath.Join(baseDir, experimentsDir, id, "experiment.json"), &exp)
	if err != nil || !ok {
		return model.Experiment{}, ok, err
	}
	return exp, true, nil
}

func ListExperiments(baseDir string) ([]model.Experiment, error) {
	entries, err := os.ReadDir(filepath.Join(baseDir, experimentsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Experiment{}, nil
		}
		return nil, err
	}

	exps := make([]model.Experiment, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		exp, ok, err := ReadExperiment(baseDir, entry.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		exps = append(exps, exp)
	}
	sort.Slice(exps, func(i, j int) bool {
		if exps[i].CreatedAtUTC == exps[j].CreatedAtUTC {
			return exps[i].ID < exps[j].ID
		}
		return exps[i].CreatedAtUTC > exps[j].CreatedAtUTC
	})
	return exps, nil
}

func ReadComparison(baseDir, id string) ([]SeriesColumn, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, experimentsDir, id, comparisonFile))
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
			return []SeriesColumn{}, true, nil
		}
		return nil, false, err
	}
	if len(header) == 0 || header[0] != "generation" {
		return nil, false, fmt.Errorf("comparison header must start with generation")
	}

	columns := make([]SeriesColumn, len(header)-1)
	for i := range columns {
		columns[i].Scenario = header[i+1]
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		for i := range columns {
			cell := record[i+1]
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, false, fmt.Errorf("comparison %s: %w", columns[i].Scenario, err)
			}
			columns[i].Series = append(columns[i].Series, value)
		}
	}
	return columns, true, nil
}

func writeComparison(path string, columns []SeriesColumn) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := make([]string, 0, len(columns)+1)
	header = append(header, "generation")
	rows := 0
	for _, column := range columns {
		header = append(header, column.Scenario)
		rows = max(rows, len(column.Series))
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for g := 0; g < rows; g++ {
		record := make([]string, 0, len(header))
		record = append(record, strconv.Itoa(g))
		for _, column := range columns {
			if g < len(column.Series) {
				record = append(record, formatFloat(column.Series[g]))
			} else {
				record = append(record, "")
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
