package executor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ansiEscapeRe matches ANSI terminal escape sequences (e.g. color codes).
var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)

// stripANSI removes ANSI terminal escape sequences from s.
func stripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}

// summaryLineRe matches "name.....: values" rows of the end-of-test summary.
// Newer k6 releases drop the dot leaders.
var summaryLineRe = regexp.MustCompile(`^\s*[✓✗]?\s*([a-z0-9_{}:,. =\-]+?)\.*:\s+(.+)$`)

// SummaryMetric is one row of k6's end-of-test summary.
type SummaryMetric struct {
	Name string
	// Fields are the leading positional values, e.g. ["12000", "199.9/s"].
	Fields []string
	// Stats are key=value pairs, e.g. avg=120ms p(95)=300ms.
	Stats map[string]string
}

// Summary is the parsed end-of-test summary printed on stdout.
type Summary struct {
	Metrics map[string]SummaryMetric
}

// ParseSummary extracts metric rows from k6 stdout. Lines that are not
// metric rows (banner, progress bars, check results) are ignored.
func ParseSummary(raw string) Summary {
	s := Summary{Metrics: make(map[string]SummaryMetric)}
	for _, line := range strings.Split(stripANSI(raw), "\n") {
		m := summaryLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(strings.TrimRight(m[1], "."))
		if name == "" || strings.ContainsAny(name, " =") {
			continue
		}
		metric := SummaryMetric{Name: name, Stats: make(map[string]string)}
		for _, f := range strings.Fields(m[2]) {
			if k, v, ok := strings.Cut(f, "="); ok {
				metric.Stats[k] = v
				continue
			}
			if len(metric.Stats) == 0 {
				metric.Fields = append(metric.Fields, f)
			}
		}
		s.Metrics[name] = metric
	}
	return s
}

// Count returns the first positional value of a counter row.
func (s Summary) Count(name string) (float64, bool) {
	m, ok := s.Metrics[name]
	if !ok || len(m.Fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m.Fields[0], 64)
	return v, err == nil
}

// Rate returns the per-second rate of a counter row ("199.9/s").
func (s Summary) Rate(name string) (float64, bool) {
	m, ok := s.Metrics[name]
	if !ok {
		return 0, false
	}
	for _, f := range m.Fields {
		if strings.HasSuffix(f, "/s") {
			v, err := strconv.ParseFloat(strings.TrimSuffix(f, "/s"), 64)
			return v, err == nil
		}
	}
	return 0, false
}

// Millis returns a trend statistic in milliseconds, e.g. Millis(
// "http_req_duration", "p(95)").
func (s Summary) Millis(name, stat string) (float64, bool) {
	m, ok := s.Metrics[name]
	if !ok {
		return 0, false
	}
	raw, ok := m.Stats[stat]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return float64(d) / float64(time.Millisecond), true
}

// Percent returns a rate row such as "1.20%" as 1.2.
func (s Summary) Percent(name string) (float64, bool) {
	m, ok := s.Metrics[name]
	if !ok || len(m.Fields) == 0 || !strings.HasSuffix(m.Fields[0], "%") {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(m.Fields[0], "%"), 64)
	return v, err == nil
}
