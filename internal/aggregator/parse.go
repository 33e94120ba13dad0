// Package aggregator turns raw k6 JSON-lines output from any number of load
// generators into one AggregatedStats snapshot.
//
// Setup-phase samples (group "::setup") are dropped while parsing, before
// any statistic sees them. Lines that do not parse are counted and skipped:
// a generator killed mid-write leaves a truncated last line, and partial
// results are still worth reporting.
package aggregator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

const maxLineSize = 4 * 1024 * 1024

// point is the k6 --out json line shape. Metric declarations and other
// record types share the envelope and are ignored.
type point struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
	Data   struct {
		Time  string     `json:"time"`
		Value *float64   `json:"value"`
		Tags  model.Tags `json:"tags"`
	} `json:"data"`
}

// ParseStream reads k6 JSON lines from r. source names the input in logs
// and in each sample.
func ParseStream(r io.Reader, source string, logger *zap.Logger) (Samples, model.ParseStats) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := Samples{}
	ps := model.ParseStats{Files: 1}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ps.Lines++

		var p point
		if err := json.Unmarshal(line, &p); err != nil {
			ps.MalformedLines++
			logger.Warn("skipping malformed line",
				zap.String("file", source),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		if p.Type != "Point" || p.Metric == "" || p.Data.Value == nil {
			continue
		}
		s := model.RawSample{
			Metric: p.Metric,
			Value:  *p.Data.Value,
			Tags:   p.Data.Tags,
			Time:   parseTime(p.Data.Time),
			Source: source,
		}
		if s.IsSetup() {
			ps.SetupExcluded++
			continue
		}
		ps.Points++
		out[s.Metric] = append(out[s.Metric], s)
	}
	if err := sc.Err(); err != nil {
		// Oversized or unreadable tail; keep what was read.
		ps.MalformedLines++
		logger.Warn("stopped reading file early",
			zap.String("file", source),
			zap.Int("line", lineNo+1),
			zap.Error(err))
	}
	return out, ps
}

// ParseFile parses one result file. Files ending in .gz are decompressed.
func ParseFile(path string, logger *zap.Logger) (Samples, model.ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.ParseStats{}, fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, model.ParseStats{}, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	samples, ps := ParseStream(r, path, logger)
	return samples, ps, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
