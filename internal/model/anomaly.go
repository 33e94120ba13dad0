package model

import "fmt"

// Anomaly severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Threshold defines an anomaly detection rule.
type Threshold struct {
	Metric    string
	Category  string
	Warning   float64
	Critical  float64
	Evaluator func(report *Report) (float64, bool)
	Message   func(value float64) string
}

// DefaultThresholds returns the built-in anomaly thresholds for a load test.
// Latencies are milliseconds, rates are percentages.
func DefaultThresholds() []Threshold {
	return []Threshold{
		// Errors
		{
			Metric: "error_rate", Category: "errors",
			Warning: 1, Critical: 5,
			Evaluator: func(r *Report) (float64, bool) {
				if r.Stats == nil || r.Stats.TotalRequests == 0 {
					return 0, false
				}
				return r.Stats.ErrorRate, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("Error rate at %.2f%% (other 4xx and 5xx responses)", v)
			},
		},
		{
			Metric: "server_error_share", Category: "errors",
			Warning: 1, Critical: 5,
			Evaluator: func(r *Report) (float64, bool) {
				if r.Stats == nil {
					return 0, false
				}
				total := r.Stats.StatusBreakdown.Total()
				if total == 0 {
					return 0, false
				}
				return float64(r.Stats.StatusBreakdown.Server5xx) / float64(total) * 100, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("%.2f%% of responses were 5xx", v)
			},
		},
		{
			Metric: "timeout_rate", Category: "errors",
			Warning: 1, Critical: 5,
			Evaluator: func(r *Report) (float64, bool) {
				if r.Stats == nil || r.Stats.TotalRequests == 0 {
					return 0, false
				}
				return r.Stats.TimeoutRate, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("Timeout rate at %.2f%% (status 0 responses)", v)
			},
		},
		// Latency
		{
			Metric: "http_req_duration_p95", Category: "latency",
			Warning: 1000, Critical: 5000,
			Evaluator: durationP95(func(s *AggregatedStats) *DurationStats { return s.HTTPReqDuration }),
			Message: func(v float64) string {
				return fmt.Sprintf("Overall p95 latency %.0fms", v)
			},
		},
		{
			Metric: "metadata_request_duration_p95", Category: "latency",
			Warning: 500, Critical: 2000,
			Evaluator: durationP95(func(s *AggregatedStats) *DurationStats { return s.MetadataRequestDuration }),
			Message: func(v float64) string {
				return fmt.Sprintf("Metadata p95 latency %.0fms", v)
			},
		},
		{
			Metric: "download_request_duration_p95", Category: "latency",
			Warning: 2000, Critical: 10000,
			Evaluator: durationP95(func(s *AggregatedStats) *DurationStats { return s.DownloadRequestDuration }),
			Message: func(v float64) string {
				return fmt.Sprintf("Download p95 latency %.0fms", v)
			},
		},
		{
			Metric: "metadata_near_timeouts", Category: "latency",
			Warning: 1, Critical: 5,
			Evaluator: func(r *Report) (float64, bool) {
				if r.Stats == nil || r.Stats.MetadataRequestDuration == nil ||
					r.Stats.MetadataRequestDuration.TimeoutPercentage == nil {
					return 0, false
				}
				return *r.Stats.MetadataRequestDuration.TimeoutPercentage, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("%.2f%% of metadata requests ran into the client deadline", v)
			},
		},
		// Load generators
		{
			Metric: "generator_cpu_p95", Category: "generator",
			Warning: 80, Critical: 95,
			Evaluator: func(r *Report) (float64, bool) {
				if r.System == nil || r.System.Summary.Samples == 0 {
					return 0, false
				}
				return r.System.Summary.CPUP95, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("Load generator CPU p95 at %.1f%%; results may be generator-bound", v)
			},
		},
		{
			Metric: "generator_memory_p95", Category: "generator",
			Warning: 85, Critical: 95,
			Evaluator: func(r *Report) (float64, bool) {
				if r.System == nil || r.System.Summary.Samples == 0 {
					return 0, false
				}
				return r.System.Summary.MemP95, true
			},
			Message: func(v float64) string {
				return fmt.Sprintf("Load generator memory p95 at %.1f%%", v)
			},
		},
	}
}

func durationP95(pick func(*AggregatedStats) *DurationStats) func(*Report) (float64, bool) {
	return func(r *Report) (float64, bool) {
		if r.Stats == nil {
			return 0, false
		}
		d := pick(r.Stats)
		if d == nil || d.Count == 0 {
			return 0, false
		}
		return d.P95, true
	}
}

// DetectAnomalies runs all threshold checks against the report.
func DetectAnomalies(report *Report) []Anomaly {
	var anomalies []Anomaly

	for _, threshold := range DefaultThresholds() {
		value, found := threshold.Evaluator(report)
		if !found {
			continue
		}

		var severity string
		switch {
		case value >= threshold.Critical:
			severity = SeverityCritical
		case value >= threshold.Warning:
			severity = SeverityWarning
		default:
			continue
		}

		anomalies = append(anomalies, Anomaly{
			Severity:  severity,
			Category:  threshold.Category,
			Metric:    threshold.Metric,
			Message:   threshold.Message(value),
			Value:     fmt.Sprintf("%.2f", value),
			Threshold: fmt.Sprintf("warning=%.0f, critical=%.0f", threshold.Warning, threshold.Critical),
		})
	}

	return anomalies
}
