package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Experiment groups the scenarios that were run against one ground truth.
type Experiment struct {
	VersionedRecord
	ID           string  `json:"id"`
	CreatedAtUTC string  `json:"created_at_utc"`
	VocabSize    int     `json:"vocab_size"`
	ZipfShape    float64 `json:"zipf_shape"`
	// GroundTruth is empty for the Zipf reference, else its source label.
	GroundTruth  string   `json:"ground_truth,omitempty"`
	SampleSize   int      `json:"sample_size"`
	Smoothing    float64  `json:"smoothing"`
	Policy       string   `json:"policy"`
	Generations  int      `json:"generations"`
	BaseSeed     int64    `json:"base_seed"`
	SeedStrategy string   `json:"seed_strategy"`
	RunIDs       []string `json:"run_ids"`
}

type GenerationDiagnostics struct {
	Generation        int      `json:"generation"`
	Entropy           float64  `json:"entropy"`
	Perplexity        float64  `json:"perplexity"`
	KLFromGroundTruth *float64 `json:"kl_from_ground_truth,omitempty"`
	TailMass          float64  `json:"tail_mass"`
	Support           int      `json:"support"`
	EffectiveWeight   float64  `json:"effective_weight"`
}

// ScenarioRun is one scenario's diversity series. Failed scenarios are kept
// with Error set and an empty series.
type ScenarioRun struct {
	VersionedRecord
	ID              string                  `json:"id"`
	ExperimentID    string                  `json:"experiment_id"`
	Scenario        string                  `json:"scenario"`
	Generations     int                     `json:"generations"`
	InjectionRate   float64                 `json:"injection_rate"`
	AnalogWeight    float64                 `json:"analog_weight"`
	EffectiveWeight float64                 `json:"effective_weight"`
	TrustScorer     string                  `json:"trust_scorer,omitempty"`
	Seed            int64                   `json:"seed"`
	Series          []float64               `json:"series"`
	Diagnostics     []GenerationDiagnostics `json:"diagnostics,omitempty"`
	FinalEntropy    float64                 `json:"final_entropy"`
	Error           string                  `json:"error,omitempty"`
}
