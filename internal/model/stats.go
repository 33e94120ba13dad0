package model

// --- Aggregated statistics ---

// Ladder is the full latency summary for a duration metric (milliseconds).
type Ladder struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
	P10    float64 `json:"p10"`
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Count  int     `json:"count"`
}

// DurationStats is a Ladder plus near-timeout counts where a threshold applies.
type DurationStats struct {
	Ladder
	TimeoutCount      *int     `json:"timeout_count,omitempty"`
	TimeoutPercentage *float64 `json:"timeout_percentage,omitempty"`
}

// LatencySummary is the short ladder used for the per-kind latency trends.
type LatencySummary struct {
	Avg float64 `json:"avg"`
	P10 float64 `json:"p10"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// SpeedStats summarizes download throughput in bytes per second.
type SpeedStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P10 float64 `json:"p10"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// SizeBucket summarizes downloads whose size falls in one range.
type SizeBucket struct {
	Count       int     `json:"count"`
	AvgSize     float64 `json:"avg_size"`
	AvgDuration float64 `json:"avg_duration"`
	AvgSpeed    float64 `json:"avg_speed"`
	P95Duration float64 `json:"p95_duration"`
}

// Download size bucket names, smallest first.
const (
	BucketUnder100KB = "<100KB"
	Bucket100KBTo1MB = "100KB-1MB"
	Bucket1To10MB    = "1-10MB"
	BucketOver10MB   = ">10MB"
)

// BucketOrder lists the size buckets in ascending order.
var BucketOrder = []string{BucketUnder100KB, Bucket100KBTo1MB, Bucket1To10MB, BucketOver10MB}

// StatusBreakdown partitions http_reqs by response status.
// The six buckets always sum to the number of categorized requests.
type StatusBreakdown struct {
	Success   int `json:"2xx"`
	NotFound  int `json:"404"`
	Forbidden int `json:"403"`
	Other4xx  int `json:"4xx"`
	Server5xx int `json:"5xx"`
	Timeout   int `json:"timeout"`
}

// Total returns the number of categorized requests.
func (b StatusBreakdown) Total() int {
	return b.Success + b.NotFound + b.Forbidden + b.Other4xx + b.Server5xx + b.Timeout
}

// Errors counts the buckets that are failures of the proxy: other 4xx and 5xx.
// 404 and 403 are expected firewall outcomes; timeouts are tracked apart.
func (b StatusBreakdown) Errors() int { return b.Other4xx + b.Server5xx }

// StatusCounters are the per-category counters emitted by the k6 script.
type StatusCounters struct {
	Status2xx     float64 `json:"status_2xx_count"`
	Status404     float64 `json:"status_404_count"`
	Status403     float64 `json:"status_403_count"`
	Status4xx     float64 `json:"status_4xx_count"`
	Status5xx     float64 `json:"status_5xx_count"`
	StatusTimeout float64 `json:"status_timeout_count"`
}

// Total sums all counters.
func (c StatusCounters) Total() float64 {
	return c.Status2xx + c.Status404 + c.Status403 + c.Status4xx + c.Status5xx + c.StatusTimeout
}

// AggregatedStats is the statistics snapshot for one test id.
// Metric sections are nil when their metric was absent from the results.
type AggregatedStats struct {
	TestID        string   `json:"test_id"`
	NumGenerators int      `json:"num_generators"`
	Generators    []string `json:"generators,omitempty"`
	StartTime     string   `json:"start_time,omitempty"`
	EndTime       string   `json:"end_time,omitempty"`
	DurationSec   float64  `json:"duration_seconds"`
	AchievedRPS   float64  `json:"achieved_rps"`

	HTTPReqDuration         *DurationStats  `json:"http_req_duration,omitempty"`
	MetadataRequestDuration *DurationStats  `json:"metadata_request_duration,omitempty"`
	DownloadRequestDuration *DurationStats  `json:"download_request_duration,omitempty"`
	MetadataLatency         *LatencySummary `json:"metadata_latency,omitempty"`
	DownloadLatency         *LatencySummary `json:"download_latency,omitempty"`

	DownloadSpeed       *SpeedStats           `json:"download_speed,omitempty"`
	DownloadSizeBuckets map[string]SizeBucket `json:"download_size_buckets,omitempty"`

	TotalRequests int `json:"total_requests"`
	NPMRequests   int `json:"npm_requests"`
	PyPIRequests  int `json:"pypi_requests"`
	MavenRequests int `json:"maven_requests"`

	// ErrorRate is a percentage (0-100).
	ErrorRate   float64 `json:"error_rate"`
	TotalErrors float64 `json:"total_errors"`

	StatusCodes     map[string]int  `json:"status_codes"`
	StatusBreakdown StatusBreakdown `json:"status_breakdown"`
	TimeoutCount    int             `json:"timeout_count"`
	TimeoutRate     float64         `json:"timeout_rate"`
	StatusCounters
	Status404Pct float64 `json:"status_404_pct"`
	Status403Pct float64 `json:"status_403_pct"`

	MetadataBytes float64 `json:"metadata_bytes"`
	DownloadBytes float64 `json:"download_bytes"`
	TotalBytes    float64 `json:"total_bytes"`

	// CacheHitRate is a percentage, nil when the script did not report cache headers.
	CacheHitRate *float64 `json:"cache_hit_rate,omitempty"`

	Parse ParseStats `json:"parse"`
}

// ParseStats counts what the merge step read and dropped.
type ParseStats struct {
	Files          int `json:"files"`
	Lines          int `json:"lines"`
	Points         int `json:"points"`
	SetupExcluded  int `json:"setup_excluded"`
	MalformedLines int `json:"malformed_lines"`
}

// Add accumulates another file's counts.
func (p *ParseStats) Add(o ParseStats) {
	p.Files += o.Files
	p.Lines += o.Lines
	p.Points += o.Points
	p.SetupExcluded += o.SetupExcluded
	p.MalformedLines += o.MalformedLines
}

// LevelSummary is one row of a multi-test comparison, typically one RPS step.
type LevelSummary struct {
	TestID        string  `json:"test_id"`
	TotalRequests int     `json:"total_requests"`
	AchievedRPS   float64 `json:"achieved_rps"`
	P50           float64 `json:"p50"`
	P95           float64 `json:"p95"`
	P99           float64 `json:"p99"`
	ErrorRate     float64 `json:"error_rate"`
	TimeoutRate   float64 `json:"timeout_rate"`
}

// --- System statistics ---

// SystemSeries holds the derived time series for one generator.
// CPU has one point fewer than the raw samples.
type SystemSeries struct {
	CPUUsage    []Point `json:"cpu_usage"`
	MemoryUsage []Point `json:"memory_usage"`
	LoadAvg     []Point `json:"load_avg"`
}

// SystemSummary is the roll-up of a set of derived series.
type SystemSummary struct {
	CPUAvg      float64 `json:"cpu_avg"`
	CPUMax      float64 `json:"cpu_max"`
	CPUP95      float64 `json:"cpu_p95"`
	MemAvg      float64 `json:"mem_avg"`
	MemMax      float64 `json:"mem_max"`
	MemP95      float64 `json:"mem_p95"`
	LoadAvgMean float64 `json:"load_avg_mean"`
	LoadAvgMax  float64 `json:"load_avg_max"`
	Samples     int     `json:"samples"`
}

// GeneratorSystemStats is the system view of one load generator.
type GeneratorSystemStats struct {
	Generator string        `json:"generator"`
	Summary   SystemSummary `json:"summary"`
	Series    SystemSeries  `json:"series"`
}

// SystemStats combines every generator of a test.
type SystemStats struct {
	TestID     string                 `json:"test_id"`
	Summary    SystemSummary          `json:"summary"`
	Generators []GeneratorSystemStats `json:"generators"`
}
