package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"collapsesim/internal/collapse"
	"collapsesim/internal/stats"
	"collapsesim/internal/storage"
	"collapsesim/internal/trust"
	"collapsesim/pkg/collapsesim"
)

const (
	resultsDir    = "results"
	exportsDir    = "exports"
	defaultDBPath = "collapsesim.db"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "series":
		return runSeries(ctx, args[1:])
	case "compare":
		return runCompare(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "trust":
		return runTrust(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config path (JSON or YAML)")
	vocab := fs.Int("vocab", collapse.DefaultVocabSize, "vocabulary size")
	zipf := fs.Float64("zipf", collapse.DefaultZipfShape, "zipf shape of the ground truth")
	groundTruth := fs.String("ground-truth", "", "token-count CSV to use as ground truth instead of zipf")
	groundTruthColumn := fs.String("ground-truth-column", "", "count column name in the ground-truth CSV (default last column)")
	sampleSize := fs.Int("sample-size", collapse.DefaultSampleSize, "tokens sampled per generation")
	smoothing := fs.Float64("smoothing", collapse.DefaultSmoothing, "additive smoothing per item")
	generations := fs.Int("gens", collapse.DefaultGenerations, "generation count")
	seed := fs.Int64("seed", 42, "base rng seed")
	seedStrategy := fs.String("seed-strategy", collapsesim.SeedStrategyOffset, "per-scenario seeding: offset|shared")
	policy := fs.String("policy", string(collapse.ClampWeight), "mix policy when rate*weight > 1: clamp_weight|clamp_entries|unclamped")
	workers := fs.Int("workers", 0, "max concurrent scenarios (0 = all)")
	var scenarios scenarioFlags
	fs.Var(&scenarios, "scenario", "scenario as name:rate:weight (repeatable, default collapse/baseline/ssa)")
	storeKind, dbPath := storeFlags(fs)
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logger, err := newLogger(os.Stderr, *logLevel)
	if err != nil {
		return err
	}

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req = collapsesim.RunRequest{
			VocabSize:         *vocab,
			ZipfShape:         *zipf,
			GroundTruthPath:   *groundTruth,
			GroundTruthColumn: *groundTruthColumn,
			SampleSize:        *sampleSize,
			Smoothing:         *smoothing,
			Policy:            *policy,
			Generations:       *generations,
			Seed:              *seed,
			SeedStrategy:      *seedStrategy,
			Workers:           *workers,
			Scenarios:         scenarios.requests(),
		}
	} else {
		if err := overrideFromFlags(&req, setFlags, map[string]any{
			"vocab":               *vocab,
			"zipf":                *zipf,
			"ground-truth":        *groundTruth,
			"ground-truth-column": *groundTruthColumn,
			"sample-size":         *sampleSize,
			"smoothing":           *smoothing,
			"gens":                *generations,
			"seed":                *seed,
			"seed-strategy":       *seedStrategy,
			"policy":              *policy,
			"workers":             *workers,
			"scenario":            scenarios.requests(),
		}); err != nil {
			return err
		}
	}
	if err := validateRunRequest(req, setFlags); err != nil {
		return err
	}

	client, err := collapsesim.New(collapsesim.Options{
		StoreKind:  *storeKind,
		DBPath:     *dbPath,
		ResultsDir: resultsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if !*jsonOut {
		var mu sync.Mutex
		req.Progress = func(s collapsesim.ScenarioSummary) {
			mu.Lock()
			defer mu.Unlock()
			if s.Error != "" {
				fmt.Printf("scenario=%s run_id=%s error=%q\n", s.Scenario, s.RunID, s.Error)
				return
			}
			fmt.Printf("scenario=%s run_id=%s rate=%g weight=%g effective_weight=%g seed=%d initial_entropy=%.6f final_entropy=%.6f\n",
				s.Scenario, s.RunID, s.InjectionRate, s.AnalogWeight, s.EffectiveWeight, s.Seed, s.Summary.Initial, s.Summary.Final)
		}
	}

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(summary)
	}

	fmt.Printf("run completed experiment_id=%s vocab=%s sample_size=%s gens=%d seed=%d\n",
		summary.ExperimentID, humanize.Comma(int64(summary.VocabSize)),
		humanize.Comma(int64(orDefault(req.SampleSize, collapse.DefaultSampleSize))), orDefault(req.Generations, collapse.DefaultGenerations), req.Seed)
	if summary.GroundTruthSource != "" {
		fmt.Printf("ground_truth=%s\n", summary.GroundTruthSource)
	}
	printSeriesTable(summary.Scenarios)
	fmt.Printf("experiment_dir=%s\n", summary.ExperimentDir)
	return nil
}

func printSeriesTable(scenarios []collapsesim.ScenarioSummary) {
	rows := 0
	for _, s := range scenarios {
		rows = max(rows, len(s.Series))
	}
	for g := 0; g < rows; g++ {
		var b strings.Builder
		fmt.Fprintf(&b, "generation=%d", g)
		for _, s := range scenarios {
			if g < len(s.Series) {
				fmt.Fprintf(&b, " %s=%.6f", s.Scenario, s.Series[g])
			}
		}
		fmt.Println(b.String())
	}
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := newReadClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, collapsesim.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		created := item.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339Nano, item.CreatedAtUTC); err == nil {
			created = humanize.Time(ts)
		}
		if item.Error != "" {
			fmt.Printf("run_id=%s scenario=%s created=%q error=%q\n", item.RunID, item.Scenario, created, item.Error)
			continue
		}
		fmt.Printf("run_id=%s experiment_id=%s scenario=%s seed=%d gens=%d rate=%g weight=%g final_entropy=%.6f created=%q\n",
			item.RunID, item.ExperimentID, item.Scenario, item.Seed, item.Generations, item.InjectionRate, item.AnalogWeight, item.FinalEntropy, created)
	}
	return nil
}

func runSeries(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("series", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	jsonOut := fs.Bool("json", false, "emit the run as JSON")
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("series requires --run-id or --latest")
	}

	client, err := newReadClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	run, err := client.Series(ctx, collapsesim.SeriesRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(run)
	}
	fmt.Printf("run_id=%s scenario=%s rate=%g weight=%g effective_weight=%g seed=%d\n",
		run.ID, run.Scenario, run.InjectionRate, run.AnalogWeight, run.EffectiveWeight, run.Seed)
	if run.Error != "" {
		fmt.Printf("error=%q\n", run.Error)
		return nil
	}
	for _, d := range run.Diagnostics {
		kl := "inf"
		if d.KLFromGroundTruth != nil {
			kl = fmt.Sprintf("%.6f", *d.KLFromGroundTruth)
		}
		fmt.Printf("generation=%d entropy=%.6f perplexity=%.2f kl=%s tail_mass=%.6f support=%d\n",
			d.Generation, d.Entropy, d.Perplexity, kl, d.TailMass, d.Support)
	}
	return nil
}

func runCompare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	id := fs.String("id", "", "experiment id")
	latest := fs.Bool("latest", false, "use the most recent experiment")
	jsonOut := fs.Bool("json", false, "emit comparison as JSON")
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id != "" && *latest {
		return errors.New("use either --id or --latest, not both")
	}
	if *id == "" && !*latest {
		return errors.New("compare requires --id or --latest")
	}

	client, err := newReadClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	comparison, err := client.Experiment(ctx, collapsesim.ExperimentRequest{ID: *id, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(comparison)
	}

	exp := comparison.Experiment
	fmt.Printf("experiment_id=%s vocab=%s zipf=%g sample_size=%s smoothing=%g policy=%s gens=%d seed=%d seed_strategy=%s\n",
		exp.ID, humanize.Comma(int64(exp.VocabSize)), exp.ZipfShape, humanize.Comma(int64(exp.SampleSize)),
		exp.Smoothing, exp.Policy, exp.Generations, exp.BaseSeed, exp.SeedStrategy)
	if exp.GroundTruth != "" {
		fmt.Printf("ground_truth=%s\n", exp.GroundTruth)
	}
	for i, column := range comparison.Columns {
		if len(column.Series) == 0 {
			fmt.Printf("scenario=%s failed\n", column.Scenario)
			continue
		}
		s := comparison.Summaries[i]
		fmt.Printf("scenario=%s initial=%.6f final=%.6f min=%.6f decline=%.6f retention=%.4f slope=%.6f\n",
			column.Scenario, s.Initial, s.Final, s.Min, s.Decline, s.Retention, s.Slope)
	}
	for _, a := range comparison.Columns {
		for _, b := range comparison.Columns {
			if a.Scenario != b.Scenario && stats.Dominates(a.Series, b.Series) {
				fmt.Printf("dominates=%s over=%s\n", a.Scenario, b.Scenario)
			}
		}
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	storeKind, dbPath := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := newReadClient(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, collapsesim.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runTrust(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("trust", flag.ContinueOnError)
	scorer := fs.String("scorer", "temporal", "trust scorer: temporal|work")
	evidencePath := fs.String("evidence", "", "evidence file (JSON or YAML)")
	times := fs.String("times", "", "comma-separated keystroke timestamps in seconds")
	content := fs.String("content", "", "text content")
	edits := fs.Int("edits", 0, "edit count")
	elapsed := fs.Float64("elapsed", 0, "elapsed seconds")
	pressure := fs.Float64("pressure", 0, "average key pressure (0 = unavailable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var evidence trust.Evidence
	if *evidencePath != "" {
		loaded, err := loadEvidence(*evidencePath)
		if err != nil {
			return err
		}
		evidence = loaded
	} else {
		parsed, err := parseFloatList(*times)
		if err != nil {
			return fmt.Errorf("parse --times: %w", err)
		}
		evidence = trust.Evidence{
			KeystrokeTimes: parsed,
			Content:        *content,
			EditCount:      *edits,
			ElapsedSeconds: *elapsed,
			PressureAvg:    *pressure,
		}
	}

	s, err := trust.ScorerFromName(*scorer)
	if err != nil {
		return err
	}
	fmt.Printf("scorer=%s weight=%.6f\n", s.Name(), s.Score(evidence))
	return nil
}

func storeFlags(fs *flag.FlagSet) (*string, *string) {
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	return storeKind, dbPath
}

// newReadClient opens a client for commands that only read results. Runs
// missing from the store are read back from their artifacts.
func newReadClient(storeKind, dbPath string) (*collapsesim.Client, error) {
	return collapsesim.New(collapsesim.Options{
		StoreKind:  storeKind,
		DBPath:     dbPath,
		ResultsDir: resultsDir,
		ExportsDir: exportsDir,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

// newLogger writes text to terminals and JSON everywhere else.
func newLogger(w *os.File, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func writeJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: collapsesimctl <init|run|runs|series|compare|export|trust> [flags]", msg)
}
