package dataextract

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// CountsOptions selects the frequency column of a token-count table.
// ColumnIndex < 0 with no ColumnName picks the last non-empty header column.
type CountsOptions struct {
	HasHeader   bool
	ColumnName  string
	ColumnIndex int
	// RankOrder sorts counts descending so index 0 is the most frequent token.
	RankOrder bool
}

func DefaultCountsOptions() CountsOptions {
	return CountsOptions{HasHeader: true, ColumnIndex: -1, RankOrder: true}
}

// ReadCountsCSV reads one non-negative weight per row. Blank rows are skipped.
func ReadCountsCSV(in io.Reader, opts CountsOptions) ([]float64, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	countIdx := opts.ColumnIndex
	row := 0
	if opts.HasHeader {
		header, err := reader.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("counts csv is empty")
		}
		if err != nil {
			return nil, fmt.Errorf("read counts header: %w", err)
		}
		row++
		if strings.TrimSpace(opts.ColumnName) != "" {
			idx, err := columnIndexByName(header, opts.ColumnName)
			if err != nil {
				return nil, err
			}
			countIdx = idx
		} else if countIdx < 0 {
			countIdx = lastNonEmptyColumn(header)
		}
	} else if strings.TrimSpace(opts.ColumnName) != "" {
		return nil, fmt.Errorf("counts column name %q requires a header row", opts.ColumnName)
	}
	if countIdx < 0 {
		countIdx = 0
	}

	counts := make([]float64, 0)
	total := 0.0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read counts row %d: %w", row+1, err)
		}
		row++
		if blankRecord(record) {
			continue
		}
		if countIdx >= len(record) {
			return nil, fmt.Errorf("counts row %d missing column index %d", row, countIdx)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[countIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse count row %d: %w", row, err)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return nil, fmt.Errorf("count row %d must be finite and >= 0, got %v", row, value)
		}
		counts = append(counts, value)
		total += value
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("counts csv has no rows")
	}
	if !(total > 0) {
		return nil, fmt.Errorf("counts csv total must be > 0")
	}
	if opts.RankOrder {
		sort.Sort(sort.Reverse(sort.Float64Slice(counts)))
	}
	return counts, nil
}

func ReadCountsFile(path string, opts CountsOptions) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	counts, err := ReadCountsCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return counts, nil
}

func columnIndexByName(header []string, name string) (int, error) {
	want := strings.TrimSpace(strings.ToLower(name))
	for i, field := range header {
		if strings.ToLower(strings.TrimSpace(field)) == want {
			return i, nil
		}
	}
	return -1, fmt.Errorf("csv column not found: %s", name)
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func lastNonEmptyColumn(record []string) int {
	for i := len(record) - 1; i >= 0; i-- {
		if strings.TrimSpace(record[i]) != "" {
			return i
		}
	}
	return 0
}
