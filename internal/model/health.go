package model

// ComputeHealthScore computes a 0-100 score for the proxy under test.
// 100 = healthy, 0 = critical.
func ComputeHealthScore(report *Report, anomalies []Anomaly) int {
	score := 100

	if s := report.Stats; s != nil {
		if s.ErrorRate >= 10 {
			score -= 20
		} else if s.ErrorRate >= 2 {
			score -= 8
		} else if s.ErrorRate > 0 {
			score -= 2
		}

		if s.TimeoutRate >= 5 {
			score -= 15
		} else if s.TimeoutRate > 0.5 {
			score -= 5
		}
	}

	// Generator saturation lowers confidence in the numbers, not the proxy itself.
	if sys := report.System; sys != nil && sys.Summary.Samples > 0 {
		if sys.Summary.CPUMax >= 99 {
			score -= generatorPenalty
		}
	}

	for _, a := range anomalies {
		switch a.Severity {
		case SeverityCritical:
			score -= 10
		case SeverityWarning:
			score -= 5
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

const generatorPenalty = 3
