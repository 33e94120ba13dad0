package model

import "fmt"

// GenerateRecommendations produces follow-up actions from the aggregated
// statistics of a run.
func GenerateRecommendations(report *Report) []Recommendation {
	var recs []Recommendation
	priority := 1

	add := func(category, title, action, evidence string) {
		recs = append(recs, Recommendation{
			Priority: priority,
			Category: category,
			Title:    title,
			Action:   action,
			Evidence: evidence,
		})
		priority++
	}

	if sys := report.System; sys != nil && sys.Summary.Samples > 0 && sys.Summary.CPUP95 >= 80 {
		add("generator",
			"Load generators are CPU-bound; add generators before trusting latency numbers",
			"rerun with more --load-gen hosts or a lower --rps per generator",
			formatEvidence("cpu_p95=%.1f%%, cpu_max=%.1f%%", sys.Summary.CPUP95, sys.Summary.CPUMax))
	}

	s := report.Stats
	if s == nil {
		return recs
	}

	if s.StatusBreakdown.Server5xx > 0 {
		add("errors",
			"Proxy returned 5xx responses; check upstream registry reachability from the firewall",
			"inspect firewall logs for the failing ecosystems",
			formatEvidence("5xx=%d of %d", s.StatusBreakdown.Server5xx, s.StatusBreakdown.Total()))
	}

	if s.MetadataRequestDuration != nil && s.MetadataRequestDuration.TimeoutCount != nil &&
		*s.MetadataRequestDuration.TimeoutCount > 0 {
		add("latency",
			"Metadata requests hit the client deadline",
			"lower --rps or raise the proxy's upstream timeout",
			formatEvidence("metadata timeouts=%d, p99=%.0fms",
				*s.MetadataRequestDuration.TimeoutCount, s.MetadataRequestDuration.P99))
	}

	if s.CacheHitRate != nil && *s.CacheHitRate < 10 && s.TotalRequests > 1000 {
		add("cache",
			"Proxy cache is barely hit",
			"raise --cache-hit or check the proxy's cache headers",
			formatEvidence("cache_hit_rate=%.1f%%", *s.CacheHitRate))
	}

	if s.StatusBreakdown.Total() > 0 {
		notFoundPct := float64(s.StatusBreakdown.NotFound) / float64(s.StatusBreakdown.Total()) * 100
		if notFoundPct > 50 {
			add("packages",
				"Most requests returned 404; the package universe is likely stale",
				"rerun with --validate to rebuild the validation cache",
				formatEvidence("404=%.1f%%", notFoundPct))
		}
	}

	return recs
}

func formatEvidence(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}
