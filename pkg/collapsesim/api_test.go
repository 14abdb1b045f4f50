package collapsesim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"collapsesim/internal/collapse"
	"collapsesim/internal/trust"
)

func newTestClient(t *testing.T, resultsDir string) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:  "memory",
		ResultsDir: resultsDir,
		ExportsDir: filepath.Join(filepath.Dir(resultsDir), "exports"),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func smallRequest() RunRequest {
	return RunRequest{
		VocabSize:   50,
		ZipfShape:   1.2,
		SampleSize:  200,
		Generations: 3,
		Seed:        7,
	}
}

func TestClientRunRunsSeriesAndExport(t *testing.T) {
	ctx := context.Background()
	resultsDir := filepath.Join(t.TempDir(), "results")
	client := newTestClient(t, resultsDir)

	var (
		mu       sync.Mutex
		progress []string
	)
	req := smallRequest()
	req.Progress = func(s ScenarioSummary) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, s.Scenario)
	}
	summary, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(summary.ExperimentID, "exp-7-") {
		t.Fatalf("unexpected experiment id: %s", summary.ExperimentID)
	}
	if len(summary.Scenarios) != 3 || len(progress) != 3 {
		t.Fatalf("expected 3 scenarios and 3 progress calls, got %d and %d", len(summary.Scenarios), len(progress))
	}
	for i, name := range []string{"collapse", "baseline", "ssa"} {
		sc := summary.Scenarios[i]
		if sc.Scenario != name || sc.Error != "" {
			t.Fatalf("scenario %d: %+v", i, sc)
		}
		if len(sc.Series) != 4 || len(sc.Diagnostics) != 4 {
			t.Fatalf("scenario %s: series=%d diagnostics=%d", name, len(sc.Series), len(sc.Diagnostics))
		}
		if sc.Series[0] != summary.Scenarios[0].Series[0] {
			t.Fatalf("scenario %s baseline %v differs from %v", name, sc.Series[0], summary.Scenarios[0].Series[0])
		}
		if sc.Summary.Final != sc.Series[3] {
			t.Fatalf("scenario %s summary final=%v series=%v", name, sc.Summary.Final, sc.Series)
		}
		if _, err := os.Stat(filepath.Join(sc.ArtifactsDir, "diversity_series.csv")); err != nil {
			t.Fatalf("scenario %s artifacts: %v", name, err)
		}
	}
	if summary.Scenarios[2].EffectiveWeight != 0.5 || summary.Scenarios[0].EffectiveWeight != 0 {
		t.Fatalf("unexpected effective weights: %+v", summary.Scenarios)
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 10})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %+v", runs)
	}
	for _, run := range runs {
		if run.ExperimentID != summary.ExperimentID {
			t.Fatalf("unexpected run in index: %+v", run)
		}
	}

	latest, err := client.Series(ctx, SeriesRequest{Latest: true})
	if err != nil {
		t.Fatalf("series latest: %v", err)
	}
	if latest.ID != runs[0].RunID || len(latest.Series) != 4 {
		t.Fatalf("unexpected latest series: %+v", latest)
	}

	comparison, err := client.Experiment(ctx, ExperimentRequest{Latest: true})
	if err != nil {
		t.Fatalf("experiment: %v", err)
	}
	if comparison.Experiment.ID != summary.ExperimentID || len(comparison.Experiment.RunIDs) != 3 {
		t.Fatalf("unexpected experiment: %+v", comparison.Experiment)
	}
	if len(comparison.Columns) != 3 || len(comparison.Summaries) != 3 {
		t.Fatalf("unexpected comparison: %+v", comparison)
	}
	for i, column := range comparison.Columns {
		if column.Scenario != summary.Scenarios[i].Scenario {
			t.Fatalf("column %d=%s want %s", i, column.Scenario, summary.Scenarios[i].Scenario)
		}
		for g := range column.Series {
			if column.Series[g] != summary.Scenarios[i].Series[g] {
				t.Fatalf("column %s generation %d differs", column.Scenario, g)
			}
		}
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != runs[0].RunID {
		t.Fatalf("exported %s want %s", exported.RunID, runs[0].RunID)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, "config.json")); err != nil {
		t.Fatalf("expected exported config: %v", err)
	}
}

func TestClientRunIsReproducible(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))

	first, err := client.Run(ctx, smallRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := client.Run(ctx, smallRequest())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.ExperimentID == second.ExperimentID {
		t.Fatalf("expected distinct experiment ids, got %s", first.ExperimentID)
	}
	for i := range first.Scenarios {
		a, b := first.Scenarios[i].Series, second.Scenarios[i].Series
		for g := range a {
			if a[g] != b[g] {
				t.Fatalf("scenario %s generation %d: %v != %v", first.Scenarios[i].Scenario, g, a[g], b[g])
			}
		}
	}
}

func TestClientRunSeedStrategies(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))

	explicit := int64(99)
	req := smallRequest()
	req.Scenarios = []ScenarioRequest{
		{Name: "a"},
		{Name: "b", InjectionRate: 0.5, AnalogWeight: 1},
		{Name: "c", InjectionRate: 0.1, AnalogWeight: 5, Seed: &explicit},
	}

	offset, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("offset run: %v", err)
	}
	if got := []int64{offset.Scenarios[0].Seed, offset.Scenarios[1].Seed, offset.Scenarios[2].Seed}; got[0] != 7 || got[1] != 1007 || got[2] != 99 {
		t.Fatalf("unexpected offset seeds: %v", got)
	}

	req.SeedStrategy = SeedStrategyShared
	req.Scenarios[2].Seed = nil
	shared, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("shared run: %v", err)
	}
	for _, sc := range shared.Scenarios {
		if sc.Seed != 7 {
			t.Fatalf("expected shared seed 7, got %+v", sc)
		}
	}
	// Equal effective weight and a shared seed reproduce the same trajectory.
	b, c := shared.Scenarios[1].Series, shared.Scenarios[2].Series
	for g := range b {
		if b[g] != c[g] {
			t.Fatalf("generation %d: %v != %v", g, b[g], c[g])
		}
	}

	req.SeedStrategy = "random"
	if _, err := client.Run(ctx, req); err == nil {
		t.Fatal("expected unsupported seed strategy error")
	}
}

func TestClientRunRecordsScenarioErrorsWithoutAbortingOthers(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))

	req := smallRequest()
	req.Scenarios = []ScenarioRequest{
		{Name: "good", InjectionRate: 0.2, AnalogWeight: 1},
		{Name: "bad rate", InjectionRate: 2, AnalogWeight: 1},
		{Name: "bad scorer", InjectionRate: 0.2, Trust: &TrustRequest{Scorer: "vibes"}},
	}
	summary, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Scenarios[0].Error != "" || len(summary.Scenarios[0].Series) != 4 {
		t.Fatalf("expected good scenario to complete: %+v", summary.Scenarios[0])
	}
	if summary.Scenarios[1].Scenario != "bad_rate" || summary.Scenarios[1].Error == "" || summary.Scenarios[1].Series != nil {
		t.Fatalf("expected bad rate to fail: %+v", summary.Scenarios[1])
	}
	if summary.Scenarios[2].Error == "" {
		t.Fatalf("expected unknown scorer to fail: %+v", summary.Scenarios[2])
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	failed := 0
	for _, run := range runs {
		if run.Error != "" {
			failed++
		}
	}
	if len(runs) != 3 || failed != 2 {
		t.Fatalf("expected 3 indexed runs with 2 failures, got %+v", runs)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export latest: %v", err)
	}
	if exported.RunID != summary.Scenarios[0].RunID {
		t.Fatalf("expected latest successful run %s, got %s", summary.Scenarios[0].RunID, exported.RunID)
	}

	stored, err := client.Series(ctx, SeriesRequest{RunID: summary.Scenarios[1].RunID})
	if err != nil {
		t.Fatalf("series for failed run: %v", err)
	}
	if stored.Error == "" {
		t.Fatalf("expected stored failure, got %+v", stored)
	}
}

func TestClientRunResolvesTrustWeights(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))

	evidence := trust.Evidence{
		Content:        "one two three four five",
		EditCount:      3,
		ElapsedSeconds: 10,
		PressureAvg:    2,
	}
	req := smallRequest()
	req.Scenarios = []ScenarioRequest{{Name: "work", InjectionRate: 0.1, AnalogWeight: 1, Trust: &TrustRequest{Scorer: "work", Evidence: evidence}}}
	summary, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := math.Log(4) * 2 * 2
	sc := summary.Scenarios[0]
	if sc.Error != "" || sc.TrustScorer != "work" || math.Abs(sc.AnalogWeight-want) > 1e-12 {
		t.Fatalf("unexpected trust resolution: %+v", sc)
	}
	if math.Abs(sc.EffectiveWeight-0.1*want) > 1e-12 {
		t.Fatalf("effective weight=%v want %v", sc.EffectiveWeight, 0.1*want)
	}

	score, err := client.Score("temporal", trust.Evidence{KeystrokeTimes: []float64{0, 1}})
	if err != nil || score != 0 {
		t.Fatalf("score: %v err=%v", score, err)
	}
}

func TestClientRunRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))

	cases := []struct {
		name   string
		mutate func(*RunRequest)
	}{
		{name: "negative smoothing", mutate: func(r *RunRequest) { r.Smoothing = -0.1 }},
		{name: "negative zipf", mutate: func(r *RunRequest) { r.ZipfShape = -1 }},
		{name: "unknown policy", mutate: func(r *RunRequest) { r.Policy = "clamp" }},
		{name: "negative workers", mutate: func(r *RunRequest) { r.Workers = -1 }},
		{name: "negative vocab", mutate: func(r *RunRequest) { r.VocabSize = -5 }},
		{name: "negative sample size", mutate: func(r *RunRequest) { r.SampleSize = -1 }},
		{name: "negative generations", mutate: func(r *RunRequest) { r.Generations = -3 }},
		{name: "duplicate names", mutate: func(r *RunRequest) {
			r.Scenarios = []ScenarioRequest{{Name: "x"}, {Name: "X"}}
		}},
	}
	for _, tc := range cases {
		req := smallRequest()
		tc.mutate(&req)
		if _, err := client.Run(ctx, req); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	for _, mutate := range []func(*RunRequest){
		func(r *RunRequest) { r.VocabSize = -5 },
		func(r *RunRequest) { r.SampleSize = -1 },
		func(r *RunRequest) { r.Generations = -3 },
	} {
		req := smallRequest()
		mutate(&req)
		if _, err := client.Run(ctx, req); !errors.Is(err, collapse.ErrInvalidParameter) {
			t.Fatalf("expected invalid parameter error, got %v", err)
		}
	}
	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil || len(runs) != 0 {
		t.Fatalf("rejected requests must not record runs, got %+v err=%v", runs, err)
	}
}

func TestClientRunWithGroundTruthCSV(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	countsPath := filepath.Join(dir, "counts.csv")
	body := "token,count\nthe,40\nof,25\nand,20\nto,10\na,5\n"
	if err := os.WriteFile(countsPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write counts: %v", err)
	}
	client := newTestClient(t, filepath.Join(dir, "results"))

	req := smallRequest()
	req.GroundTruthPath = countsPath
	req.GroundTruthColumn = "count"
	summary, err := client.Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.VocabSize != 5 || summary.GroundTruthSource != countsPath {
		t.Fatalf("unexpected ground truth summary: vocab=%d source=%q", summary.VocabSize, summary.GroundTruthSource)
	}
	wantBaseline := 0.0
	for _, c := range []float64{40, 25, 20, 10, 5} {
		p := c / 100
		wantBaseline -= p * math.Log2(p)
	}
	for _, s := range summary.Scenarios {
		if s.Error != "" {
			t.Fatalf("scenario %s failed: %s", s.Scenario, s.Error)
		}
		if math.Abs(s.Series[0]-wantBaseline) > 1e-9 {
			t.Fatalf("scenario %s baseline=%v want %v", s.Scenario, s.Series[0], wantBaseline)
		}
	}
	comparison, err := client.Experiment(ctx, ExperimentRequest{ID: summary.ExperimentID})
	if err != nil {
		t.Fatalf("experiment: %v", err)
	}
	if comparison.Experiment.GroundTruth != countsPath || comparison.Experiment.VocabSize != 5 {
		t.Fatalf("experiment did not record ground truth: %+v", comparison.Experiment)
	}

	inline := smallRequest()
	inline.GroundTruth = []float64{3, 1}
	summary, err = client.Run(ctx, inline)
	if err != nil {
		t.Fatalf("inline run: %v", err)
	}
	if summary.VocabSize != 2 || summary.GroundTruthSource != "inline" {
		t.Fatalf("unexpected inline summary: vocab=%d source=%q", summary.VocabSize, summary.GroundTruthSource)
	}

	bad := smallRequest()
	bad.GroundTruthPath = filepath.Join(dir, "missing.csv")
	if _, err := client.Run(ctx, bad); err == nil {
		t.Fatal("expected missing ground truth error")
	}
	bad = smallRequest()
	bad.GroundTruthColumn = "count"
	if _, err := client.Run(ctx, bad); err == nil {
		t.Fatal("expected column without path error")
	}
}

func TestClientSeriesAndExperimentFallBackToArtifacts(t *testing.T) {
	ctx := context.Background()
	resultsDir := filepath.Join(t.TempDir(), "results")
	writer := newTestClient(t, resultsDir)
	summary, err := writer.Run(ctx, smallRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	reader := newTestClient(t, resultsDir)
	run, err := reader.Series(ctx, SeriesRequest{RunID: summary.Scenarios[0].RunID})
	if err != nil {
		t.Fatalf("series from artifacts: %v", err)
	}
	if run.Scenario != "collapse" || len(run.Series) != 4 || len(run.Diagnostics) != 4 {
		t.Fatalf("unexpected run from artifacts: %+v", run)
	}
	comparison, err := reader.Experiment(ctx, ExperimentRequest{Latest: true})
	if err != nil {
		t.Fatalf("experiment from artifacts: %v", err)
	}
	if comparison.Experiment.ID != summary.ExperimentID || len(comparison.Columns) != 3 {
		t.Fatalf("unexpected comparison: %+v", comparison)
	}

	if _, err := reader.Series(ctx, SeriesRequest{RunID: "missing"}); err == nil {
		t.Fatal("expected missing series error")
	}
	if _, err := reader.Series(ctx, SeriesRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected conflicting selector error")
	}
	if _, err := reader.Experiment(ctx, ExperimentRequest{}); err == nil {
		t.Fatal("expected missing selector error")
	}
}

func TestClientLatestWithoutRuns(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "results"))
	if _, err := client.Export(ctx, ExportRequest{Latest: true}); err == nil {
		t.Fatal("expected no runs error")
	}
	if _, err := client.Experiment(ctx, ExperimentRequest{Latest: true}); err == nil {
		t.Fatal("expected no experiments error")
	}
	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected empty runs, got %+v err=%v", runs, err)
	}
}
