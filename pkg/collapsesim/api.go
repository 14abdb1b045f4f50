// Package collapsesim runs batches of collapse scenarios against a shared
// ground truth and keeps their diversity series for later comparison.
package collapsesim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collapsesim/internal/collapse"
	"collapsesim/internal/dataextract"
	"collapsesim/internal/model"
	"collapsesim/internal/stats"
	"collapsesim/internal/storage"
	"collapsesim/internal/trust"
)

const (
	defaultResultsDir = "results"
	defaultExportsDir = "exports"
	defaultDBPath     = "collapsesim.db"

	SeedStrategyOffset = "offset"
	SeedStrategyShared = "shared"

	seedOffsetStride = 1000
)

type Options struct {
	StoreKind  string
	DBPath     string
	ResultsDir string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	resultsDir string
	exportsDir string

	initMu      sync.Mutex
	initialized bool
}

// TrustRequest derives a scenario's analog weight from authorship evidence.
type TrustRequest struct {
	Scorer   string
	Evidence trust.Evidence
}

type ScenarioRequest struct {
	Name          string
	InjectionRate float64
	// AnalogWeight has no implicit default here; config loaders fill in
	// collapse.DefaultAnalogWeight when the key is absent.
	AnalogWeight float64
	// Seed overrides the seed strategy for this scenario.
	Seed  *int64
	Trust *TrustRequest
}

// RunRequest fields left at zero take the package defaults; negative sizes
// are rejected.
type RunRequest struct {
	VocabSize int
	ZipfShape float64
	// GroundTruthPath names a token-count CSV used instead of the Zipf
	// reference. GroundTruth takes precedence when both are set.
	GroundTruthPath   string
	GroundTruthColumn string
	GroundTruth       []float64
	SampleSize        int
	Smoothing         float64
	Policy            string
	Generations       int
	Seed              int64
	SeedStrategy      string
	Scenarios         []ScenarioRequest
	// Workers bounds how many scenarios run at once; 0 means unbounded.
	Workers int
	// Progress is called once per finished scenario, from the goroutine
	// that ran it.
	Progress func(ScenarioSummary)
}

type ScenarioSummary struct {
	RunID           string
	Scenario        string
	InjectionRate   float64
	AnalogWeight    float64
	EffectiveWeight float64
	TrustScorer     string
	Seed            int64
	Series          []float64
	Diagnostics     []model.GenerationDiagnostics
	Summary         stats.SeriesSummary
	ArtifactsDir    string
	Error           string
}

type RunSummary struct {
	ExperimentID      string
	CreatedAtUTC      string
	ExperimentDir     string
	VocabSize         int
	GroundTruthSource string
	Scenarios         []ScenarioSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID          string
	ExperimentID   string
	Scenario       string
	CreatedAtUTC   string
	Seed           int64
	Generations    int
	InjectionRate  float64
	AnalogWeight   float64
	InitialEntropy float64
	FinalEntropy   float64
	Error          string
}

type SeriesRequest struct {
	RunID  string
	Latest bool
}

type ExperimentRequest struct {
	ID     string
	Latest bool
}

type Comparison struct {
	Experiment model.Experiment
	Columns    []stats.SeriesColumn
	Summaries  []stats.SeriesSummary
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

// DefaultScenarios is the standard three-way comparison: pure self-training,
// unweighted re-injection, and a small injection of heavily weighted analog
// data.
func DefaultScenarios() []ScenarioRequest {
	return []ScenarioRequest{
		{Name: "collapse", InjectionRate: 0, AnalogWeight: 1},
		{Name: "baseline", InjectionRate: 0.5, AnalogWeight: 1},
		{Name: "ssa", InjectionRate: 0.1, AnalogWeight: 5},
	}
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	resultsDir := opts.ResultsDir
	if resultsDir == "" {
		resultsDir = defaultResultsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		resultsDir: resultsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := validateSizes(req); err != nil {
		return RunSummary{}, err
	}
	if req.VocabSize == 0 {
		req.VocabSize = collapse.DefaultVocabSize
	}
	if req.ZipfShape == 0 {
		req.ZipfShape = collapse.DefaultZipfShape
	}
	if req.SampleSize == 0 {
		req.SampleSize = collapse.DefaultSampleSize
	}
	if req.Smoothing == 0 {
		req.Smoothing = collapse.DefaultSmoothing
	}
	if req.Generations == 0 {
		req.Generations = collapse.DefaultGenerations
	}
	if req.SeedStrategy == "" {
		req.SeedStrategy = SeedStrategyOffset
	}
	if req.SeedStrategy != SeedStrategyOffset && req.SeedStrategy != SeedStrategyShared {
		return RunSummary{}, fmt.Errorf("unsupported seed strategy: %s", req.SeedStrategy)
	}
	if len(req.Scenarios) == 0 {
		req.Scenarios = DefaultScenarios()
	}
	if req.Workers < 0 {
		return RunSummary{}, errors.New("workers must be >= 0")
	}
	names, err := scenarioNames(req.Scenarios)
	if err != nil {
		return RunSummary{}, err
	}

	groundTruth, source, err := resolveGroundTruth(req)
	if err != nil {
		return RunSummary{}, err
	}
	sim, err := collapse.NewSimulator(collapse.Config{
		VocabSize:   req.VocabSize,
		ZipfShape:   req.ZipfShape,
		GroundTruth: groundTruth,
		SampleSize:  req.SampleSize,
		Smoothing:   req.Smoothing,
		Policy:      collapse.MixPolicy(req.Policy),
		Logger:      c.logger,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	now := time.Now().UTC()
	createdAt := now.Format(time.RFC3339Nano)
	experimentID := fmt.Sprintf("exp-%d-%s", req.Seed, uuid.NewString()[:8])
	cfg := sim.Config()
	c.logger.Info("experiment started",
		"experiment_id", experimentID,
		"scenarios", len(req.Scenarios),
		"vocab_size", cfg.VocabSize,
		"ground_truth", orZipf(source),
		"generations", req.Generations,
		"policy", string(cfg.Policy),
	)

	summaries := make([]ScenarioSummary, len(req.Scenarios))
	runs := make([]model.ScenarioRun, len(req.Scenarios))

	g, gctx := errgroup.WithContext(ctx)
	if req.Workers > 0 {
		g.SetLimit(req.Workers)
	}
	for i, sr := range req.Scenarios {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run := model.ScenarioRun{
				VersionedRecord: storage.Versioned(),
				ID:              experimentID + "-" + names[i],
				ExperimentID:    experimentID,
				Scenario:        names[i],
				Generations:     req.Generations,
				InjectionRate:   sr.InjectionRate,
				AnalogWeight:    sr.AnalogWeight,
				Seed:            scenarioSeed(req.Seed, req.SeedStrategy, i, sr.Seed),
			}
			summary, err := c.runScenario(gctx, sim, &run, sr, source, createdAt)
			if err != nil {
				return err
			}
			runs[i] = run
			summaries[i] = summary
			if req.Progress != nil {
				req.Progress(summary)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunSummary{}, err
	}

	exp := model.Experiment{
		VersionedRecord: storage.Versioned(),
		ID:              experimentID,
		CreatedAtUTC:    createdAt,
		VocabSize:       cfg.VocabSize,
		ZipfShape:       cfg.ZipfShape,
		GroundTruth:     source,
		SampleSize:      cfg.SampleSize,
		Smoothing:       cfg.Smoothing,
		Policy:          string(cfg.Policy),
		Generations:     req.Generations,
		BaseSeed:        req.Seed,
		SeedStrategy:    req.SeedStrategy,
		RunIDs:          make([]string, 0, len(runs)),
	}
	columns := make([]stats.SeriesColumn, 0, len(runs))
	for _, run := range runs {
		exp.RunIDs = append(exp.RunIDs, run.ID)
		columns = append(columns, stats.SeriesColumn{Scenario: run.Scenario, Series: run.Series})
		if err := stats.AppendRunIndex(c.resultsDir, runIndexEntry(run, createdAt)); err != nil {
			return RunSummary{}, err
		}
	}
	if err := c.store.SaveExperiment(ctx, exp); err != nil {
		return RunSummary{}, err
	}
	experimentDir, err := stats.WriteExperiment(c.resultsDir, exp, columns)
	if err != nil {
		return RunSummary{}, err
	}

	c.logger.Info("experiment complete", "experiment_id", experimentID, "dir", experimentDir)
	return RunSummary{
		ExperimentID:      experimentID,
		CreatedAtUTC:      createdAt,
		ExperimentDir:     filepath.Clean(experimentDir),
		VocabSize:         cfg.VocabSize,
		GroundTruthSource: source,
		Scenarios:         summaries,
	}, nil
}

// validateSizes rejects negative counts. Zero means "use the default" and is
// filled in by Run.
func validateSizes(req RunRequest) error {
	if req.VocabSize < 0 {
		return fmt.Errorf("%w: vocab size must be >= 1, got %d", collapse.ErrInvalidParameter, req.VocabSize)
	}
	if req.SampleSize < 0 {
		return fmt.Errorf("%w: sample size must be >= 1, got %d", collapse.ErrInvalidParameter, req.SampleSize)
	}
	if req.Generations < 0 {
		return fmt.Errorf("%w: generations must be >= 1, got %d", collapse.ErrInvalidParameter, req.Generations)
	}
	return nil
}

// resolveGroundTruth returns nil weights for the Zipf reference. The source
// label is empty for Zipf, the CSV path, or "inline".
func resolveGroundTruth(req RunRequest) ([]float64, string, error) {
	if len(req.GroundTruth) > 0 {
		return append([]float64(nil), req.GroundTruth...), "inline", nil
	}
	path := strings.TrimSpace(req.GroundTruthPath)
	if path == "" {
		if strings.TrimSpace(req.GroundTruthColumn) != "" {
			return nil, "", errors.New("ground truth column requires a ground truth path")
		}
		return nil, "", nil
	}
	opts := dataextract.DefaultCountsOptions()
	opts.ColumnName = req.GroundTruthColumn
	weights, err := dataextract.ReadCountsFile(path, opts)
	if err != nil {
		return nil, "", fmt.Errorf("load ground truth: %w", err)
	}
	return weights, path, nil
}

func orZipf(source string) string {
	if source == "" {
		return "zipf"
	}
	return source
}

// runScenario fills run in place. Scenario problems are recorded on the run
// and summary; only storage and artifact failures are returned.
func (c *Client) runScenario(ctx context.Context, sim *collapse.Simulator, run *model.ScenarioRun, sr ScenarioRequest, groundTruthSource, createdAt string) (ScenarioSummary, error) {
	summary := ScenarioSummary{
		RunID:         run.ID,
		Scenario:      run.Scenario,
		InjectionRate: run.InjectionRate,
		AnalogWeight:  run.AnalogWeight,
		Seed:          run.Seed,
	}

	scenarioErr := func() error {
		if sr.Trust != nil {
			weight, err := c.Score(sr.Trust.Scorer, sr.Trust.Evidence)
			if err != nil {
				return err
			}
			run.AnalogWeight = weight
			run.TrustScorer = sr.Trust.Scorer
		}
		run.EffectiveWeight = collapse.EffectiveWeight(run.InjectionRate, run.AnalogWeight, sim.Config().Policy)

		result, err := sim.Run(collapse.Scenario{
			Name:          run.Scenario,
			Generations:   run.Generations,
			InjectionRate: run.InjectionRate,
			AnalogWeight:  run.AnalogWeight,
			Seed:          run.Seed,
		})
		if err != nil {
			return err
		}
		run.Series = result.Series
		run.Diagnostics = result.Diagnostics
		run.FinalEntropy = result.FinalEntropy()
		return nil
	}()
	summary.AnalogWeight = run.AnalogWeight
	summary.EffectiveWeight = run.EffectiveWeight
	summary.TrustScorer = run.TrustScorer

	if scenarioErr != nil {
		run.Error = scenarioErr.Error()
		summary.Error = run.Error
		c.logger.Warn("scenario failed", "run_id", run.ID, "error", scenarioErr)
	} else {
		cfg := sim.Config()
		runDir, err := stats.WriteRunArtifacts(c.resultsDir, stats.RunArtifacts{
			Config: stats.RunConfig{
				RunID:           run.ID,
				ExperimentID:    run.ExperimentID,
				Scenario:        run.Scenario,
				VocabSize:       cfg.VocabSize,
				ZipfShape:       cfg.ZipfShape,
				GroundTruth:     groundTruthSource,
				SampleSize:      cfg.SampleSize,
				Smoothing:       cfg.Smoothing,
				Policy:          string(cfg.Policy),
				Generations:     run.Generations,
				InjectionRate:   run.InjectionRate,
				AnalogWeight:    run.AnalogWeight,
				EffectiveWeight: run.EffectiveWeight,
				TrustScorer:     run.TrustScorer,
				Seed:            run.Seed,
				CreatedAtUTC:    createdAt,
			},
			Series:       run.Series,
			FinalEntropy: run.FinalEntropy,
			Diagnostics:  run.Diagnostics,
		})
		if err != nil {
			return ScenarioSummary{}, err
		}
		summary.ArtifactsDir = filepath.Clean(runDir)
		summary.Series = append([]float64(nil), run.Series...)
		summary.Diagnostics = append([]model.GenerationDiagnostics(nil), run.Diagnostics...)
		summary.Summary = stats.SummarizeSeries(run.Series)
	}

	if err := c.store.SaveScenarioRun(ctx, *run); err != nil {
		return ScenarioSummary{}, err
	}
	return summary, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.resultsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:          e.RunID,
			ExperimentID:   e.ExperimentID,
			Scenario:       e.Scenario,
			CreatedAtUTC:   e.CreatedAtUTC,
			Seed:           e.Seed,
			Generations:    e.Generations,
			InjectionRate:  e.InjectionRate,
			AnalogWeight:   e.AnalogWeight,
			InitialEntropy: e.InitialEntropy,
			FinalEntropy:   e.FinalEntropy,
			Error:          e.Error,
		})
	}
	return out, nil
}

// Series loads one scenario run. Runs made by another process are rebuilt
// from their artifacts when the store does not hold them.
func (c *Client) Series(ctx context.Context, req SeriesRequest) (model.ScenarioRun, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	if err := c.Init(ctx); err != nil {
		return model.ScenarioRun{}, err
	}
	run, ok, err := c.store.GetScenarioRun(ctx, runID)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	if ok {
		return run, nil
	}

	cfg, ok, err := stats.ReadRunConfig(c.resultsDir, runID)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	if !ok {
		return model.ScenarioRun{}, fmt.Errorf("series not found for run id: %s", runID)
	}
	series, _, err := stats.ReadDiversitySeries(c.resultsDir, runID)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	diagnostics, _, err := stats.ReadGenerationDiagnostics(c.resultsDir, runID)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	return model.ScenarioRun{
		VersionedRecord: storage.Versioned(),
		ID:              cfg.RunID,
		ExperimentID:    cfg.ExperimentID,
		Scenario:        cfg.Scenario,
		Generations:     cfg.Generations,
		InjectionRate:   cfg.InjectionRate,
		AnalogWeight:    cfg.AnalogWeight,
		EffectiveWeight: cfg.EffectiveWeight,
		TrustScorer:     cfg.TrustScorer,
		Seed:            cfg.Seed,
		Series:          series.EntropyByGeneration,
		Diagnostics:     diagnostics,
		FinalEntropy:    series.FinalEntropy,
	}, nil
}

// Experiment loads an experiment's comparison table with one summary per
// scenario column.
func (c *Client) Experiment(ctx context.Context, req ExperimentRequest) (Comparison, error) {
	if req.ID != "" && req.Latest {
		return Comparison{}, errors.New("use either experiment id or latest")
	}
	if req.ID == "" && !req.Latest {
		return Comparison{}, errors.New("experiment requires id or latest")
	}
	if err := c.Init(ctx); err != nil {
		return Comparison{}, err
	}

	id := req.ID
	if req.Latest {
		exps, err := c.store.ListExperiments(ctx)
		if err != nil {
			return Comparison{}, err
		}
		if len(exps) == 0 {
			if exps, err = stats.ListExperiments(c.resultsDir); err != nil {
				return Comparison{}, err
			}
		}
		if len(exps) == 0 {
			return Comparison{}, errors.New("no experiments available")
		}
		id = exps[0].ID
	}

	exp, ok, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return Comparison{}, err
	}
	if !ok {
		if exp, ok, err = stats.ReadExperiment(c.resultsDir, id); err != nil {
			return Comparison{}, err
		}
	}
	if !ok {
		return Comparison{}, fmt.Errorf("experiment not found: %s", id)
	}

	columns, _, err := stats.ReadComparison(c.resultsDir, id)
	if err != nil {
		return Comparison{}, err
	}
	summaries := make([]stats.SeriesSummary, 0, len(columns))
	for _, column := range columns {
		summaries = append(summaries, stats.SummarizeSeries(column.Series))
	}
	return Comparison{Experiment: exp, Columns: columns, Summaries: summaries}, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.resultsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Score resolves an analog weight from evidence with the named scorer.
func (c *Client) Score(scorer string, evidence trust.Evidence) (float64, error) {
	s, err := trust.ScorerFromName(scorer)
	if err != nil {
		return 0, err
	}
	return s.Score(evidence), nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if !latest {
		if runID == "" {
			return "", errors.New("run id or latest is required")
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.resultsDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Error == "" {
			return e.RunID, nil
		}
	}
	return "", errors.New("no runs available")
}

// scenarioSeed picks an explicit seed first, then applies the strategy.
func scenarioSeed(base int64, strategy string, index int, explicit *int64) int64 {
	if explicit != nil {
		return *explicit
	}
	if strategy == SeedStrategyShared {
		return base
	}
	return base + int64(index)*seedOffsetStride
}

func scenarioNames(scenarios []ScenarioRequest) ([]string, error) {
	names := make([]string, len(scenarios))
	seen := make(map[string]struct{}, len(scenarios))
	for i, sc := range scenarios {
		name := sanitizeName(sc.Name)
		if name == "" {
			name = fmt.Sprintf("scenario-%d", i+1)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate scenario name: %s", name)
		}
		seen[name] = struct{}{}
		names[i] = name
	}
	return names, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func runIndexEntry(run model.ScenarioRun, createdAt string) stats.RunIndexEntry {
	entry := stats.RunIndexEntry{
		RunID:         run.ID,
		ExperimentID:  run.ExperimentID,
		Scenario:      run.Scenario,
		Generations:   run.Generations,
		InjectionRate: run.InjectionRate,
		AnalogWeight:  run.AnalogWeight,
		Seed:          run.Seed,
		FinalEntropy:  run.FinalEntropy,
		CreatedAtUTC:  createdAt,
		Error:         run.Error,
	}
	if len(run.Series) > 0 {
		entry.InitialEntropy = run.Series[0]
	}
	return entry
}
