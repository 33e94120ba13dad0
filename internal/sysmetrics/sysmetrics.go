// Package sysmetrics derives CPU, memory and load series from the resource
// samples each load generator writes during a test, and summarizes them.
package sysmetrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/stats"
)

// DeriveCPUUtilization converts cumulative idle/total counters into
// utilization percentages, one per adjacent pair of samples. The result has
// one point fewer than the input and each point carries the later sample's
// timestamp. A pair whose total did not grow (counter reset) yields 0.
func DeriveCPUUtilization(samples []model.SystemSample) []model.Point {
	if len(samples) < 2 {
		return nil
	}
	out := make([]model.Point, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		dIdle := cur.CPUIdle - prev.CPUIdle
		dTotal := cur.CPUTotal - prev.CPUTotal
		u := 0.0
		if dTotal > 0 {
			u = clamp(100*(1-dIdle/dTotal), 0, 100)
		}
		out = append(out, model.Point{Time: cur.Timestamp, Value: u})
	}
	return out
}

// DeriveMemoryUtilization returns the used share of memory in percent,
// 0 when the total is unknown.
func DeriveMemoryUtilization(s model.SystemSample) float64 {
	if s.MemTotal <= 0 {
		return 0
	}
	return 100 * (s.MemTotal - s.MemAvailable) / s.MemTotal
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Series derives every time series for one generator's samples. Samples
// are ordered by timestamp first.
func Series(samples []model.SystemSample) model.SystemSeries {
	sorted := append([]model.SystemSample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	series := model.SystemSeries{
		CPUUsage:    DeriveCPUUtilization(sorted),
		MemoryUsage: make([]model.Point, 0, len(sorted)),
		LoadAvg:     make([]model.Point, 0, len(sorted)),
	}
	if series.CPUUsage == nil {
		series.CPUUsage = []model.Point{}
	}
	for _, s := range sorted {
		series.MemoryUsage = append(series.MemoryUsage, model.Point{Time: s.Timestamp, Value: DeriveMemoryUtilization(s)})
		series.LoadAvg = append(series.LoadAvg, model.Point{Time: s.Timestamp, Value: s.Load1m})
	}
	return series
}

// Summarize rolls up one or more series.
func Summarize(all ...model.SystemSeries) model.SystemSummary {
	var cpu, mem, load []float64
	samples := 0
	for _, s := range all {
		cpu = append(cpu, values(s.CPUUsage)...)
		mem = append(mem, values(s.MemoryUsage)...)
		load = append(load, values(s.LoadAvg)...)
		samples += len(s.MemoryUsage)
	}
	return model.SystemSummary{
		CPUAvg:      stats.Mean(cpu),
		CPUMax:      stats.Max(cpu),
		CPUP95:      stats.Percentile(cpu, 95),
		MemAvg:      stats.Mean(mem),
		MemMax:      stats.Max(mem),
		MemP95:      stats.Percentile(mem, 95),
		LoadAvgMean: stats.Mean(load),
		LoadAvgMax:  stats.Max(load),
		Samples:     samples,
	}
}

func values(pts []model.Point) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// ParseFile reads a JSON-lines system metrics file. Malformed lines are
// logged and skipped; the count of skipped lines is returned.
func ParseFile(path string, logger *zap.Logger) ([]model.SystemSample, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open system metrics: %w", err)
	}
	defer f.Close()

	var (
		out     []model.SystemSample
		skipped int
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var s model.SystemSample
		if err := json.Unmarshal(line, &s); err != nil {
			skipped++
			logger.Warn("skipping malformed line",
				zap.String("file", path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		skipped++
		logger.Warn("stopped reading file early", zap.String("file", path), zap.Error(err))
	}
	return out, skipped, nil
}

// Analyzer reads system metric files from one directory.
type Analyzer struct {
	Dir    string
	Logger *zap.Logger
}

// Analyze summarizes every generator's system metrics for testID. CPU deltas
// are taken within each generator's own sequence; counters from different
// hosts are never subtracted from each other. It returns nil when no file
// exists.
func (a *Analyzer) Analyze(ctx context.Context, testID string) (*model.SystemStats, error) {
	files, err := filepath.Glob(model.SystemMetricsGlob(a.Dir, testID))
	if err != nil {
		return nil, err
	}
	files = model.FilterTestFiles(files, testID)
	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	out := &model.SystemStats{TestID: testID}
	var series []model.SystemSeries
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, _, err := ParseFile(path, a.Logger)
		if err != nil {
			return nil, err
		}
		s := Series(samples)
		series = append(series, s)
		out.Generators = append(out.Generators, model.GeneratorSystemStats{
			Generator: model.GeneratorFromFile(path, testID),
			Summary:   Summarize(s),
			Series:    s,
		})
	}
	out.Summary = Summarize(series...)
	return out, nil
}
