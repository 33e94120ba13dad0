// Package collector samples host resources on a load generator: cumulative
// CPU counters from /proc/stat, memory from /proc/meminfo and the load
// average. Each sample is one JSON line in the generator's system metrics
// file; utilization is derived later from consecutive samples.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 5 * time.Second

// Sampler reads procfs. procRoot is "/proc" on a real host.
type Sampler struct {
	procRoot string
	now      func() time.Time
}

func NewSampler(procRoot string) *Sampler {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Sampler{procRoot: procRoot, now: time.Now}
}

// Sample takes one snapshot.
func (s *Sampler) Sample() (model.SystemSample, error) {
	cpu, err := s.readProcStat()
	if err != nil {
		return model.SystemSample{}, fmt.Errorf("read cpu: %w", err)
	}
	total, avail, err := s.readMeminfo()
	if err != nil {
		return model.SystemSample{}, fmt.Errorf("read memory: %w", err)
	}
	return model.SystemSample{
		Timestamp:    float64(s.now().UnixNano()) / 1e9,
		CPUIdle:      float64(cpu.idleAll()),
		CPUTotal:     float64(cpu.total()),
		MemTotal:     float64(total),
		MemAvailable: float64(avail),
		Load1m:       s.readLoadAvg(),
	}, nil
}

// Run writes a sample to w immediately and then every interval until ctx
// is done. A failed read is logged and the tick skipped.
func (s *Sampler) Run(ctx context.Context, interval time.Duration, w io.Writer, logger *zap.Logger) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	enc := json.NewEncoder(w)

	write := func() error {
		sample, err := s.Sample()
		if err != nil {
			logger.Warn("system sample failed", zap.Error(err))
			return nil
		}
		return enc.Encode(sample)
	}
	if err := write(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := write(); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
		}
	}
}

// RunToFile appends samples to the system metrics file of one generator
// inside dir and returns its path when ctx is done.
func (s *Sampler) RunToFile(ctx context.Context, dir, testID, loadGenID string, interval time.Duration, logger *zap.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, model.SystemMetricsFileName(testID, loadGenID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if logger != nil {
		logger.Info("sampling system metrics", zap.String("path", path), zap.Duration("interval", interval))
	}
	if err := s.Run(ctx, interval, f, logger); err != nil {
		return path, err
	}
	return path, f.Sync()
}
