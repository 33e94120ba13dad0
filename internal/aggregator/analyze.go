package aggregator

import (
	"strconv"
	"time"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/stats"
)

// Metric names emitted by the k6 script.
const (
	MetricHTTPReqDuration  = "http_req_duration"
	MetricHTTPReqs         = "http_reqs"
	MetricMetadataDuration = "metadata_request_duration"
	MetricDownloadDuration = "download_request_duration"
	MetricMetadataLatency  = "metadata_latency"
	MetricDownloadLatency  = "download_latency"
	MetricErrors           = "errors"
	MetricCacheHits        = "cache_hits"
	MetricResponseBytes    = "response_bytes"
	MetricDataReceived     = "data_received"
	MetricStatus2xx        = "status_2xx"
	MetricStatus404        = "status_404"
	MetricStatus403        = "status_403"
	MetricStatus4xx        = "status_4xx"
	MetricStatus5xx        = "status_5xx"
	MetricStatusTimeout    = "status_timeout"
)

// Tag keys and values the analysis reads.
const (
	TagEcosystem = "ecosystem"
	TagType      = "type"
	TagStatus    = "status"

	TypeMetadata = "metadata"
	TypeDownload = "download"
)

const (
	defaultMetadataTimeoutMs = 59900.0
	defaultDownloadTimeoutMs = 119900.0
	kib                      = 1024.0
	mib                      = 1024 * kib
)

// Options tunes Analyze.
type Options struct {
	TestID string
	// Duration of the load phase. When zero the span between the first and
	// last sample is used for the achieved rate.
	Duration time.Duration
	// Near-timeout thresholds in milliseconds. Samples at or above them
	// count as timeouts. Zero selects the defaults: 59.9s for metadata
	// (60s client timeout), 119.9s for downloads (120s).
	MetadataTimeoutMs float64
	DownloadTimeoutMs float64
}

func (o Options) withDefaults() Options {
	if o.MetadataTimeoutMs <= 0 {
		o.MetadataTimeoutMs = defaultMetadataTimeoutMs
	}
	if o.DownloadTimeoutMs <= 0 {
		o.DownloadTimeoutMs = defaultDownloadTimeoutMs
	}
	return o
}

// Analyze computes the statistics for a merged sample set. Sections whose
// metric is absent are left nil. Setup-phase samples are ignored even if
// the set was built without Merge.
func Analyze(samples Samples, opts Options) *model.AggregatedStats {
	opts = opts.withDefaults()
	s := samples
	for _, pts := range samples {
		if hasSetup(pts) {
			s = Merge(samples)
			break
		}
	}

	out := &model.AggregatedStats{
		TestID:      opts.TestID,
		StatusCodes: map[string]int{},
	}

	if v := s.Values(MetricHTTPReqDuration); len(v) > 0 {
		out.HTTPReqDuration = &model.DurationStats{Ladder: ladder(v)}
	}
	if v := s.Values(MetricMetadataDuration); len(v) > 0 {
		out.MetadataRequestDuration = withTimeouts(v, opts.MetadataTimeoutMs)
	}
	if v := s.Values(MetricDownloadDuration); len(v) > 0 {
		out.DownloadRequestDuration = withTimeouts(v, opts.DownloadTimeoutMs)
	}
	if v := s.Values(MetricMetadataLatency); len(v) > 0 {
		out.MetadataLatency = latency(v)
	}
	if v := s.Values(MetricDownloadLatency); len(v) > 0 {
		out.DownloadLatency = latency(v)
	}

	countRequests(out, s[MetricHTTPReqs])
	countStatuses(out, s)
	errorRate(out, s)
	bandwidth(out, s)
	downloadSpeed(out, s)

	if v := s.Values(MetricCacheHits); len(v) > 0 {
		rate := stats.Mean(v) * 100
		out.CacheHitRate = &rate
	}

	timing(out, s, opts.Duration)
	return out
}

func hasSetup(pts []model.RawSample) bool {
	for _, p := range pts {
		if p.IsSetup() {
			return true
		}
	}
	return false
}

func ladder(v []float64) model.Ladder {
	sorted := stats.NewSorted(v)
	return model.Ladder{
		Min:    sorted.Min(),
		Max:    sorted.Max(),
		Avg:    stats.Mean(v),
		Median: sorted.Median(),
		StdDev: stats.StdDev(v),
		P10:    sorted.Percentile(10),
		P50:    sorted.Percentile(50),
		P75:    sorted.Percentile(75),
		P90:    sorted.Percentile(90),
		P95:    sorted.Percentile(95),
		P99:    sorted.Percentile(99),
		Count:  len(v),
	}
}

func withTimeouts(v []float64, thresholdMs float64) *model.DurationStats {
	n := 0
	for _, d := range v {
		if d >= thresholdMs {
			n++
		}
	}
	pct := float64(n) / float64(len(v)) * 100
	return &model.DurationStats{Ladder: ladder(v), TimeoutCount: &n, TimeoutPercentage: &pct}
}

func latency(v []float64) *model.LatencySummary {
	sorted := stats.NewSorted(v)
	return &model.LatencySummary{
		Avg: stats.Mean(v),
		P10: sorted.Percentile(10),
		P50: sorted.Percentile(50),
		P75: sorted.Percentile(75),
		P95: sorted.Percentile(95),
		P99: sorted.Percentile(99),
	}
}

func countRequests(out *model.AggregatedStats, reqs []model.RawSample) {
	out.TotalRequests = len(reqs)
	for _, r := range reqs {
		switch model.Ecosystem(r.Tags[TagEcosystem]) {
		case model.NPM:
			out.NPMRequests++
		case model.PyPI:
			out.PyPIRequests++
		case model.Maven:
			out.MavenRequests++
		}
	}
}

// Categorize places a status tag in one of the six buckets. A missing or
// non-numeric status means no response arrived and counts as a timeout.
// Every other status below 400 (1xx, 2xx, 3xx such as 304) lands in the
// success bucket, as does the script's status_2xx counter, so the buckets
// always sum to the request count.
func Categorize(b *model.StatusBreakdown, status string) {
	code, err := strconv.Atoi(status)
	if err != nil {
		code = 0
	}
	switch {
	case code == 0:
		b.Timeout++
	case code == 404:
		b.NotFound++
	case code == 403:
		b.Forbidden++
	case code < 400:
		b.Success++
	case code < 500:
		b.Other4xx++
	default:
		b.Server5xx++
	}
}

func countStatuses(out *model.AggregatedStats, s Samples) {
	for _, r := range s[MetricHTTPReqs] {
		status := r.Tags[TagStatus]
		if status != "" {
			out.StatusCodes[status]++
		}
		Categorize(&out.StatusBreakdown, status)
	}
	out.TimeoutCount = out.StatusBreakdown.Timeout
	if total := out.StatusBreakdown.Total(); total > 0 {
		out.TimeoutRate = float64(out.TimeoutCount) / float64(total) * 100
	}

	out.StatusCounters = model.StatusCounters{
		Status2xx:     stats.Sum(s.Values(MetricStatus2xx)),
		Status404:     stats.Sum(s.Values(MetricStatus404)),
		Status403:     stats.Sum(s.Values(MetricStatus403)),
		Status4xx:     stats.Sum(s.Values(MetricStatus4xx)),
		Status5xx:     stats.Sum(s.Values(MetricStatus5xx)),
		StatusTimeout: stats.Sum(s.Values(MetricStatusTimeout)),
	}
	if total := out.StatusCounters.Total(); total > 0 {
		out.Status404Pct = out.StatusCounters.Status404 / total * 100
		out.Status403Pct = out.StatusCounters.Status403 / total * 100
	} else if total := out.StatusBreakdown.Total(); total > 0 {
		out.Status404Pct = float64(out.StatusBreakdown.NotFound) / float64(total) * 100
		out.Status403Pct = float64(out.StatusBreakdown.Forbidden) / float64(total) * 100
	}
}

// errorRate prefers the script's errors Rate metric, which is true only for
// 5xx and non-404/403 4xx responses. Without it the status breakdown gives
// the same quantity.
func errorRate(out *model.AggregatedStats, s Samples) {
	if v := s.Values(MetricErrors); len(v) > 0 {
		out.ErrorRate = stats.Mean(v) * 100
		out.TotalErrors = stats.Sum(v)
		return
	}
	if total := out.StatusBreakdown.Total(); total > 0 {
		out.TotalErrors = float64(out.StatusBreakdown.Errors())
		out.ErrorRate = out.TotalErrors / float64(total) * 100
	}
}

func bandwidth(out *model.AggregatedStats, s Samples) {
	if s.Has(MetricResponseBytes) {
		for _, p := range s[MetricResponseBytes] {
			switch p.Tags[TagType] {
			case TypeMetadata:
				out.MetadataBytes += p.Value
			case TypeDownload:
				out.DownloadBytes += p.Value
			}
			out.TotalBytes += p.Value
		}
		return
	}
	out.TotalBytes = stats.Sum(s.Values(MetricDataReceived))
}

// SizeBucket names the download size range of n bytes.
func SizeBucket(n float64) string {
	switch {
	case n < 100*kib:
		return model.BucketUnder100KB
	case n < mib:
		return model.Bucket100KBTo1MB
	case n < 10*mib:
		return model.Bucket1To10MB
	default:
		return model.BucketOver10MB
	}
}

// downloadSpeed pairs download byte counts with download durations by
// position. The script emits one of each per download in the same order,
// so the pairing only holds when both lists have the same length; any
// mismatch leaves the speed sections unset.
func downloadSpeed(out *model.AggregatedStats, s Samples) {
	var sizes []float64
	for _, p := range s[MetricResponseBytes] {
		if p.Tags[TagType] == TypeDownload {
			sizes = append(sizes, p.Value)
		}
	}
	durations := s.Values(MetricDownloadDuration)
	if len(sizes) == 0 || len(sizes) != len(durations) {
		return
	}

	type acc struct{ sizes, durations, speeds []float64 }
	buckets := map[string]*acc{}
	var speeds []float64
	for i, size := range sizes {
		ms := durations[i]
		if ms <= 0 {
			continue
		}
		speed := size / (ms / 1000)
		speeds = append(speeds, speed)

		name := SizeBucket(size)
		b := buckets[name]
		if b == nil {
			b = &acc{}
			buckets[name] = b
		}
		b.sizes = append(b.sizes, size)
		b.durations = append(b.durations, ms)
		b.speeds = append(b.speeds, speed)
	}

	if len(speeds) > 0 {
		sorted := stats.NewSorted(speeds)
		out.DownloadSpeed = &model.SpeedStats{
			Avg: stats.Mean(speeds),
			Min: sorted.Min(),
			Max: sorted.Max(),
			P10: sorted.Percentile(10),
			P50: sorted.Percentile(50),
			P75: sorted.Percentile(75),
			P95: sorted.Percentile(95),
			P99: sorted.Percentile(99),
		}
	}
	out.DownloadSizeBuckets = map[string]model.SizeBucket{}
	for name, b := range buckets {
		out.DownloadSizeBuckets[name] = model.SizeBucket{
			Count:       len(b.sizes),
			AvgSize:     stats.Mean(b.sizes),
			AvgDuration: stats.Mean(b.durations),
			AvgSpeed:    stats.Mean(b.speeds),
			P95Duration: stats.Percentile(b.durations, 95),
		}
	}
}

func timing(out *model.AggregatedStats, s Samples, configured time.Duration) {
	var first, last time.Time
	for _, pts := range s {
		for _, p := range pts {
			if p.Time.IsZero() {
				continue
			}
			if first.IsZero() || p.Time.Before(first) {
				first = p.Time
			}
			if p.Time.After(last) {
				last = p.Time
			}
		}
	}
	if !first.IsZero() {
		out.StartTime = first.UTC().Format(time.RFC3339Nano)
		out.EndTime = last.UTC().Format(time.RFC3339Nano)
	}

	secs := configured.Seconds()
	if secs <= 0 && !first.IsZero() {
		secs = last.Sub(first).Seconds()
	}
	out.DurationSec = secs
	if secs > 0 {
		out.AchievedRPS = float64(out.TotalRequests) / secs
	}
}
