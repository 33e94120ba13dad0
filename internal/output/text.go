package output

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// WriteText renders a report for a terminal.
func WriteText(w io.Writer, report *model.Report) error {
	var sb strings.Builder
	meta := report.Metadata
	fmt.Fprintf(&sb, "Test %s (run %s, %s)\n", meta.TestID, meta.RunID, meta.Timestamp)
	fmt.Fprintf(&sb, "Health Score: %d/100\n", report.Summary.HealthScore)

	if s := report.Stats; s != nil {
		fmt.Fprintf(&sb, "\nGenerators: %d (%s)\n", s.NumGenerators, strings.Join(s.Generators, ", "))
		fmt.Fprintf(&sb, "Duration: %.0fs, achieved %.1f req/s\n", s.DurationSec, s.AchievedRPS)
		fmt.Fprintf(&sb, "Requests: %d total (npm %d, pypi %d, maven %d)\n",
			s.TotalRequests, s.NPMRequests, s.PyPIRequests, s.MavenRequests)
		fmt.Fprintf(&sb, "Errors: %.2f%%, timeouts: %.2f%% (%d)\n", s.ErrorRate, s.TimeoutRate, s.TimeoutCount)
		if s.CacheHitRate != nil {
			fmt.Fprintf(&sb, "Cache hit rate: %.1f%%\n", *s.CacheHitRate)
		}
		fmt.Fprintf(&sb, "Transferred: %s metadata, %s downloads\n",
			humanize.Bytes(uint64(s.MetadataBytes)), humanize.Bytes(uint64(s.DownloadBytes)))
		if s.DownloadSpeed != nil {
			fmt.Fprintf(&sb, "Download speed: avg %s/s, p95 %s/s\n",
				humanize.Bytes(uint64(s.DownloadSpeed.Avg)), humanize.Bytes(uint64(s.DownloadSpeed.P95)))
		}
		sb.WriteString("\n")
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
		sb.Reset()
		writeLatencyTable(w, s)
		writeStatusTable(w, s)
	}

	if sys := report.System; sys != nil {
		sb.WriteString("\nLoad generator resources:\n")
		for _, g := range sys.Generators {
			fmt.Fprintf(&sb, "  %s: cpu avg %.1f%% p95 %.1f%% max %.1f%%, mem avg %.1f%% max %.1f%%, load max %.2f\n",
				g.Generator, g.Summary.CPUAvg, g.Summary.CPUP95, g.Summary.CPUMax,
				g.Summary.MemAvg, g.Summary.MemMax, g.Summary.LoadAvgMax)
		}
	}

	if len(report.Summary.Anomalies) > 0 {
		fmt.Fprintf(&sb, "\nDetected Anomalies (%d):\n", len(report.Summary.Anomalies))
		for _, a := range report.Summary.Anomalies {
			fmt.Fprintf(&sb, "  [%s] %s: %s (value=%s, threshold=%s)\n",
				strings.ToUpper(a.Severity), a.Category, a.Message, a.Value, a.Threshold)
		}
	}
	if len(report.Summary.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range report.Summary.Recommendations {
			fmt.Fprintf(&sb, "  %d. %s\n     %s\n     -> %s\n", r.Priority, r.Title, r.Evidence, r.Action)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeLatencyTable(w io.Writer, s *model.AggregatedStats) {
	rows := []struct {
		name string
		d    *model.DurationStats
	}{
		{"all requests", s.HTTPReqDuration},
		{"metadata", s.MetadataRequestDuration},
		{"download", s.DownloadRequestDuration},
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Latency (ms)", "Count", "Avg", "P50", "P90", "P95", "P99", "Max", "Near timeout"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	n := 0
	for _, r := range rows {
		if r.d == nil {
			continue
		}
		near := "-"
		if r.d.TimeoutCount != nil && r.d.TimeoutPercentage != nil {
			near = fmt.Sprintf("%d (%.2f%%)", *r.d.TimeoutCount, *r.d.TimeoutPercentage)
		}
		table.Append([]string{
			r.name, fmt.Sprint(r.d.Count), ms(r.d.Avg), ms(r.d.P50), ms(r.d.P90),
			ms(r.d.P95), ms(r.d.P99), ms(r.d.Max), near,
		})
		n++
	}
	if n > 0 {
		table.Render()
	}
}

func writeStatusTable(w io.Writer, s *model.AggregatedStats) {
	if len(s.StatusCodes) == 0 {
		return
	}
	codes := make([]string, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	total := 0
	for _, n := range s.StatusCodes {
		total += n
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Status", "Count", "Share"})
	table.SetAutoFormatHeaders(false)
	for _, code := range codes {
		n := s.StatusCodes[code]
		table.Append([]string{code, humanize.Comma(int64(n)), fmt.Sprintf("%.2f%%", float64(n)/float64(total)*100)})
	}
	table.Render()
}

func ms(v float64) string { return fmt.Sprintf("%.1f", v) }

// WriteLevels renders one row per aggregated test, typically the steps of
// a ramp.
func WriteLevels(w io.Writer, levels []model.LevelSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Test", "Requests", "Achieved RPS", "P50", "P95", "P99", "Errors", "Timeouts"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, l := range levels {
		table.Append([]string{
			l.TestID, humanize.Comma(int64(l.TotalRequests)), fmt.Sprintf("%.1f", l.AchievedRPS),
			ms(l.P50), ms(l.P95), ms(l.P99),
			fmt.Sprintf("%.2f%%", l.ErrorRate), fmt.Sprintf("%.2f%%", l.TimeoutRate),
		})
	}
	table.Render()
}
