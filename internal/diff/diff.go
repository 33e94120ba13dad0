// Package diff compares two load test reports and highlights regressions/improvements.
package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Change directions.
const (
	Regression  = "regression"
	Improvement = "improvement"
	Unchanged   = "unchanged"
)

// DiffReport contains the comparison between two reports.
type DiffReport struct {
	Baseline     string         `json:"baseline"`
	Current      string         `json:"current"`
	Changes      []MetricChange `json:"changes"`
	Regressions  int            `json:"regressions"`
	Improvements int            `json:"improvements"`
	HealthDelta  int            `json:"health_delta"` // positive = improved
}

// MetricChange represents a single metric difference between reports.
type MetricChange struct {
	Category     string  `json:"category"`
	Metric       string  `json:"metric"`
	OldValue     float64 `json:"old_value"`
	NewValue     float64 `json:"new_value"`
	Delta        float64 `json:"delta"`
	DeltaPct     float64 `json:"delta_pct"`
	Direction    string  `json:"direction"`    // "regression", "improvement", "unchanged"
	Significance string  `json:"significance"` // "high", "medium", "low"
}

// LoadReport reads and parses a JSON report file.
func LoadReport(path string) (*model.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var report model.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if report.Stats == nil {
		return nil, fmt.Errorf("%s: report has no aggregated stats", path)
	}
	return &report, nil
}

func label(r *model.Report) string {
	if r.Metadata.TestID == "" {
		return r.Metadata.Timestamp
	}
	if r.Metadata.Timestamp == "" {
		return r.Metadata.TestID
	}
	return r.Metadata.TestID + " (" + r.Metadata.Timestamp + ")"
}

// Compare computes differences between two reports.
func Compare(baseline, current *model.Report) *DiffReport {
	diff := &DiffReport{
		Baseline:    label(baseline),
		Current:     label(current),
		HealthDelta: current.Summary.HealthScore - baseline.Summary.HealthScore,
	}

	if o, n := baseline.Stats, current.Stats; o != nil && n != nil {
		addChange(diff, "throughput", "achieved_rps", o.AchievedRPS, n.AchievedRPS, false)
		addChange(diff, "errors", "error_rate", o.ErrorRate, n.ErrorRate, true)
		addChange(diff, "errors", "timeout_rate", o.TimeoutRate, n.TimeoutRate, true)
		addChange(diff, "errors", "status_5xx_pct", share(o.StatusBreakdown.Server5xx, o.TotalRequests),
			share(n.StatusBreakdown.Server5xx, n.TotalRequests), true)

		compareLatency(diff, "http_req_duration", o.HTTPReqDuration, n.HTTPReqDuration)
		compareLatency(diff, "metadata_request_duration", o.MetadataRequestDuration, n.MetadataRequestDuration)
		compareLatency(diff, "download_request_duration", o.DownloadRequestDuration, n.DownloadRequestDuration)

		if o.DownloadSpeed != nil && n.DownloadSpeed != nil {
			addChange(diff, "throughput", "download_speed_avg", o.DownloadSpeed.Avg, n.DownloadSpeed.Avg, false)
			addChange(diff, "throughput", "download_speed_p10", o.DownloadSpeed.P10, n.DownloadSpeed.P10, false)
		}
		if o.CacheHitRate != nil && n.CacheHitRate != nil {
			addChange(diff, "cache", "cache_hit_rate", *o.CacheHitRate, *n.CacheHitRate, false)
		}
	}

	if o, n := baseline.System, current.System; o != nil && n != nil {
		addChange(diff, "system", "cpu_p95", o.Summary.CPUP95, n.Summary.CPUP95, true)
		addChange(diff, "system", "mem_p95", o.Summary.MemP95, n.Summary.MemP95, true)
		addChange(diff, "system", "load_avg_max", o.Summary.LoadAvgMax, n.Summary.LoadAvgMax, true)
	}

	// Tally regressions vs improvements
	for _, c := range diff.Changes {
		switch c.Direction {
		case Regression:
			diff.Regressions++
		case Improvement:
			diff.Improvements++
		}
	}

	return diff
}

func share(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func compareLatency(diff *DiffReport, name string, oldD, newD *model.DurationStats) {
	if oldD == nil || newD == nil {
		return
	}
	addChange(diff, "latency", name+"_p50", oldD.P50, newD.P50, true)
	addChange(diff, "latency", name+"_p95", oldD.P95, newD.P95, true)
	addChange(diff, "latency", name+"_p99", oldD.P99, newD.P99, true)
}

func addChange(diff *DiffReport, category, metric string, oldVal, newVal float64, higherIsWorse bool) {
	delta := newVal - oldVal
	deltaPct := 0.0
	if oldVal != 0 {
		deltaPct = (delta / math.Abs(oldVal)) * 100
	} else if newVal != 0 {
		// From nothing to something counts as a full change.
		deltaPct = math.Copysign(100, delta)
	}

	// Skip negligible changes
	if math.Abs(deltaPct) < 1.0 && math.Abs(delta) < 0.1 {
		return
	}

	direction := Unchanged
	if higherIsWorse {
		if deltaPct > 5 {
			direction = Regression
		} else if deltaPct < -5 {
			direction = Improvement
		}
	} else {
		if deltaPct < -5 {
			direction = Regression
		} else if deltaPct > 5 {
			direction = Improvement
		}
	}

	significance := "low"
	absPct := math.Abs(deltaPct)
	if absPct >= 50 {
		significance = "high"
	} else if absPct >= 20 {
		significance = "medium"
	}

	diff.Changes = append(diff.Changes, MetricChange{
		Category:     category,
		Metric:       metric,
		OldValue:     oldVal,
		NewValue:     newVal,
		Delta:        delta,
		DeltaPct:     deltaPct,
		Direction:    direction,
		Significance: significance,
	})
}

var significanceRank = map[string]int{"high": 0, "medium": 1, "low": 2}

// FormatDiff returns a human-readable diff summary.
func FormatDiff(d *DiffReport) string {
	var sb strings.Builder

	sb.WriteString("=== Report Diff ===\n")
	sb.WriteString(fmt.Sprintf("Baseline: %s\n", d.Baseline))
	sb.WriteString(fmt.Sprintf("Current:  %s\n\n", d.Current))

	symbol := "→"
	if d.HealthDelta > 0 {
		symbol = "↑"
	} else if d.HealthDelta < 0 {
		symbol = "↓"
	}
	sb.WriteString(fmt.Sprintf("Health Score: %+d %s\n", d.HealthDelta, symbol))
	sb.WriteString(fmt.Sprintf("Regressions: %d, Improvements: %d\n\n", d.Regressions, d.Improvements))

	// Show regressions first
	if d.Regressions > 0 {
		sb.WriteString("⚠ Regressions:\n")
		writeChanges(&sb, d.Changes, Regression)
		sb.WriteString("\n")
	}

	if d.Improvements > 0 {
		sb.WriteString("✓ Improvements:\n")
		writeChanges(&sb, d.Changes, Improvement)
	}

	return sb.String()
}

func writeChanges(sb *strings.Builder, changes []MetricChange, direction string) {
	var picked []MetricChange
	for _, c := range changes {
		if c.Direction == direction {
			picked = append(picked, c)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return significanceRank[picked[i].Significance] < significanceRank[picked[j].Significance]
	})
	for _, c := range picked {
		sb.WriteString(fmt.Sprintf("  [%s] %s/%s: %.2f → %.2f (%+.1f%%)\n",
			strings.ToUpper(c.Significance), c.Category, c.Metric,
			c.OldValue, c.NewValue, c.DeltaPct))
	}
}
