package model

import "testing"

func TestHealthScoreHealthyRun(t *testing.T) {
	report := &Report{Stats: &AggregatedStats{TotalRequests: 1000}}
	if got := ComputeHealthScore(report, nil); got != 100 {
		t.Errorf("score = %d, want 100", got)
	}
}

func TestHealthScoreDeductions(t *testing.T) {
	tests := []struct {
		name      string
		report    *Report
		anomalies []Anomaly
		want      int
	}{
		{
			name:   "small error rate",
			report: &Report{Stats: &AggregatedStats{ErrorRate: 0.5}},
			want:   98,
		},
		{
			name:   "high error and timeout rates",
			report: &Report{Stats: &AggregatedStats{ErrorRate: 12, TimeoutRate: 6}},
			want:   65,
		},
		{
			name:   "saturated generator",
			report: &Report{System: &SystemStats{Summary: SystemSummary{CPUMax: 100, Samples: 3}}},
			want:   97,
		},
		{
			name:   "anomalies",
			report: &Report{},
			anomalies: []Anomaly{
				{Severity: "critical"},
				{Severity: "warning"},
				{Severity: "info"},
			},
			want: 85,
		},
		{
			name:   "saturated generator with errors",
			report: &Report{Stats: &AggregatedStats{ErrorRate: 3}, System: &SystemStats{Summary: SystemSummary{CPUMax: 99.5, Samples: 10}}},
			want:   89,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeHealthScore(tt.report, tt.anomalies); got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthScoreClamped(t *testing.T) {
	var anomalies []Anomaly
	for i := 0; i < 20; i++ {
		anomalies = append(anomalies, Anomaly{Severity: "critical"})
	}
	report := &Report{Stats: &AggregatedStats{ErrorRate: 50, TimeoutRate: 50}}
	if got := ComputeHealthScore(report, anomalies); got != 0 {
		t.Errorf("score = %d, want 0", got)
	}
}
