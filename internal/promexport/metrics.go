// Package promexport publishes aggregated load test results as Prometheus
// gauges, over HTTP or as a node_exporter textfile.
package promexport

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

const namespace = "socketload"

// Exporter holds one gauge family per report metric. Each test id is a
// label value, so several tests can be exported side by side.
type Exporter struct {
	registry *prometheus.Registry

	requests      *prometheus.GaugeVec
	achievedRPS   *prometheus.GaugeVec
	errorRate     *prometheus.GaugeVec
	timeoutRate   *prometheus.GaugeVec
	duration      *prometheus.GaugeVec
	statusCodes   *prometheus.GaugeVec
	bytes         *prometheus.GaugeVec
	cacheHitRate  *prometheus.GaugeVec
	downloadSpeed *prometheus.GaugeVec
	healthScore   *prometheus.GaugeVec
	anomalies     *prometheus.GaugeVec
	generatorCPU  *prometheus.GaugeVec
	generatorMem  *prometheus.GaugeVec
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, append([]string{"test_id"}, labels...))
}

// NewExporter creates an exporter with its own registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry:      prometheus.NewRegistry(),
		requests:      gauge("requests", "Requests issued during the test.", "ecosystem"),
		achievedRPS:   gauge("achieved_rps", "Requests per second actually achieved."),
		errorRate:     gauge("error_rate_percent", "Share of requests that failed (0-100)."),
		timeoutRate:   gauge("timeout_rate_percent", "Share of requests that timed out (0-100)."),
		duration:      gauge("request_duration_ms", "Request duration percentiles in milliseconds.", "kind", "quantile"),
		statusCodes:   gauge("responses", "Responses per HTTP status code.", "status"),
		bytes:         gauge("response_bytes", "Response body bytes received.", "kind"),
		cacheHitRate:  gauge("cache_hit_rate_percent", "Share of responses served from the firewall cache (0-100)."),
		downloadSpeed: gauge("download_speed_bytes_per_second", "Download throughput percentiles.", "quantile"),
		healthScore:   gauge("health_score", "Overall health score (0-100)."),
		anomalies:     gauge("anomalies", "Detected anomalies.", "severity"),
		generatorCPU:  gauge("generator_cpu_p95_percent", "95th percentile CPU utilization of a load generator.", "generator"),
		generatorMem:  gauge("generator_memory_p95_percent", "95th percentile memory utilization of a load generator.", "generator"),
	}
	for _, c := range e.collectors() {
		e.registry.MustRegister(c)
	}
	return e
}

func (e *Exporter) collectors() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		e.requests, e.achievedRPS, e.errorRate, e.timeoutRate, e.duration,
		e.statusCodes, e.bytes, e.cacheHitRate, e.downloadSpeed, e.healthScore,
		e.anomalies, e.generatorCPU, e.generatorMem,
	}
}

// Registry exposes the exporter's registry for gathering.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Forget drops every series of testID.
func (e *Exporter) Forget(testID string) {
	for _, c := range e.collectors() {
		c.DeletePartialMatch(prometheus.Labels{"test_id": testID})
	}
}

// Observe replaces the series of the report's test with its values.
func (e *Exporter) Observe(report *model.Report) {
	if report == nil || report.Stats == nil {
		return
	}
	st := report.Stats
	id := st.TestID
	if id == "" {
		id = report.Metadata.TestID
	}
	e.Forget(id)

	e.requests.WithLabelValues(id, "all").Set(float64(st.TotalRequests))
	e.requests.WithLabelValues(id, string(model.NPM)).Set(float64(st.NPMRequests))
	e.requests.WithLabelValues(id, string(model.PyPI)).Set(float64(st.PyPIRequests))
	e.requests.WithLabelValues(id, string(model.Maven)).Set(float64(st.MavenRequests))
	e.achievedRPS.WithLabelValues(id).Set(st.AchievedRPS)
	e.errorRate.WithLabelValues(id).Set(st.ErrorRate)
	e.timeoutRate.WithLabelValues(id).Set(st.TimeoutRate)

	e.setDuration(id, "http", st.HTTPReqDuration)
	e.setDuration(id, "metadata", st.MetadataRequestDuration)
	e.setDuration(id, "download", st.DownloadRequestDuration)

	for _, code := range statusLabels(st.StatusCodes) {
		e.statusCodes.WithLabelValues(id, code).Set(float64(st.StatusCodes[code]))
	}
	e.bytes.WithLabelValues(id, "metadata").Set(st.MetadataBytes)
	e.bytes.WithLabelValues(id, "download").Set(st.DownloadBytes)
	if st.CacheHitRate != nil {
		e.cacheHitRate.WithLabelValues(id).Set(*st.CacheHitRate)
	}
	if sp := st.DownloadSpeed; sp != nil {
		for q, v := range map[string]float64{"avg": sp.Avg, "0.1": sp.P10, "0.5": sp.P50, "0.95": sp.P95} {
			e.downloadSpeed.WithLabelValues(id, q).Set(v)
		}
	}

	e.healthScore.WithLabelValues(id).Set(float64(report.Summary.HealthScore))
	severities := map[string]int{model.SeverityCritical: 0, model.SeverityWarning: 0}
	for _, a := range report.Summary.Anomalies {
		severities[a.Severity]++
	}
	for sev, n := range severities {
		e.anomalies.WithLabelValues(id, sev).Set(float64(n))
	}

	if report.System != nil {
		for _, g := range report.System.Generators {
			e.generatorCPU.WithLabelValues(id, g.Generator).Set(g.Summary.CPUP95)
			e.generatorMem.WithLabelValues(id, g.Generator).Set(g.Summary.MemP95)
		}
	}
}

var quantiles = []struct {
	label string
	value func(model.Ladder) float64
}{
	{"avg", func(l model.Ladder) float64 { return l.Avg }},
	{"0.5", func(l model.Ladder) float64 { return l.P50 }},
	{"0.9", func(l model.Ladder) float64 { return l.P90 }},
	{"0.95", func(l model.Ladder) float64 { return l.P95 }},
	{"0.99", func(l model.Ladder) float64 { return l.P99 }},
	{"max", func(l model.Ladder) float64 { return l.Max }},
}

func (e *Exporter) setDuration(id, kind string, d *model.DurationStats) {
	if d == nil {
		return
	}
	for _, q := range quantiles {
		e.duration.WithLabelValues(id, kind, q.label).Set(q.value(d.Ladder))
	}
}

// WriteTextfile writes the reports to path in the node_exporter textfile
// collector format. The file is replaced atomically.
func WriteTextfile(path string, reports ...*model.Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create textfile directory: %w", err)
		}
	}
	e := NewExporter()
	for _, r := range reports {
		e.Observe(r)
	}
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("write textfile %s: %w", path, err)
	}
	return nil
}

// statusLabels returns the status code labels in numeric order.
func statusLabels(codes map[string]int) []string {
	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.Atoi(out[i])
		b, berr := strconv.Atoi(out[j])
		if aerr != nil || berr != nil {
			return out[i] < out[j]
		}
		return a < b
	})
	return out
}
