package stats

import (
	"testing"

	"collapsesim/internal/model"
)

func TestWriteReadAndListExperiments(t *testing.T) {
	base := t.TempDir()
	expA := model.Experiment{ID: "exp-a", CreatedAtUTC: "2026-02-27T00:00:00Z", Generations: 2, RunIDs: []string{"exp-a-collapse"}}
	expB := model.Experiment{ID: "exp-b", CreatedAtUTC: "2026-02-28T00:00:00Z", Generations: 2}
	if _, err := WriteExperiment(base, expA, nil); err != nil {
		t.Fatalf("write exp a: %v", err)
	}
	if _, err := WriteExperiment(base, expB, nil); err != nil {
		t.Fatalf("write exp b: %v", err)
	}

	read, ok, err := ReadExperiment(base, "exp-a")
	if err != nil {
		t.Fatalf("read exp a: %v", err)
	}
	if !ok || read.ID != "exp-a" || len(read.RunIDs) != 1 {
		t.Fatalf("unexpected exp a payload: ok=%t %+v", ok, read)
	}

	list, err := ListExperiments(base)
	if err != nil {
		t.Fatalf("list experiments: %v", err)
	}
	if len(list) != 2 || list[0].ID != "exp-b" || list[1].ID != "exp-a" {
		t.Fatalf("unexpected list ordering: %+v", list)
	}

	if _, ok, err := ReadExperiment(base, "missing"); err != nil || ok {
		t.Fatalf("expected missing experiment; ok=%t err=%v", ok, err)
	}
	if _, _, err := ReadExperiment(base, ""); err == nil {
		t.Fatal("expected empty id error")
	}
}

func TestComparisonRoundTripWithRaggedColumns(t *testing.T) {
	base := t.TempDir()
	columns := []SeriesColumn{
		{Scenario: "collapse", Series: []float64{4.3, 4.1, 3.9}},
		{Scenario: "failed"},
		{Scenario: "ssa", Series: []float64{4.3, 4.29}},
	}
	if _, err := WriteExperiment(base, model.Experiment{ID: "exp-1"}, columns); err != nil {
		t.Fatalf("write experiment: %v", err)
	}

	got, ok, err := ReadComparison(base, "exp-1")
	if err != nil || !ok {
		t.Fatalf("read comparison: ok=%t err=%v", ok, err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 columns, got %+v", got)
	}
	for i := range columns {
		if got[i].Scenario != columns[i].Scenario || len(got[i].Series) != len(columns[i].Series) {
			t.Fatalf("column %d=%+v want %+v", i, got[i], columns[i])
		}
		for g := range columns[i].Series {
			if got[i].Series[g] != columns[i].Series[g] {
				t.Fatalf("column %s generation %d=%v want %v", columns[i].Scenario, g, got[i].Series[g], columns[i].Series[g])
			}
		}
	}
}
