package model

// SchemaVersion is stamped in every report.
const SchemaVersion = "1.0.0"

// Report is the complete output document of `socketload report`.
type Report struct {
	Metadata Metadata         `json:"metadata"`
	Stats    *AggregatedStats `json:"stats,omitempty"`
	System   *SystemStats     `json:"system,omitempty"`
	Summary  Summary          `json:"summary"`
}

// Metadata identifies the report run.
type Metadata struct {
	Tool          string   `json:"tool"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	TestID        string   `json:"test_id"`
	Timestamp     string   `json:"timestamp"`
	ResultFiles   []string `json:"result_files,omitempty"`
	SystemFiles   []string `json:"system_files,omitempty"`
}

// Summary is the pre-computed analysis over the statistics.
type Summary struct {
	HealthScore     int              `json:"health_score"`
	Anomalies       []Anomaly        `json:"anomalies"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

type Anomaly struct {
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Metric    string `json:"metric"`
	Message   string `json:"message"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
}

type Recommendation struct {
	Priority int    `json:"priority"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Evidence string `json:"evidence"`
	Action   string `json:"action"`
}

// Summarize fills the report summary from its statistics.
func Summarize(report *Report) {
	anomalies := DetectAnomalies(report)
	if anomalies == nil {
		anomalies = []Anomaly{}
	}
	report.Summary = Summary{
		HealthScore:     ComputeHealthScore(report, anomalies),
		Anomalies:       anomalies,
		Recommendations: GenerateRecommendations(report),
	}
}
