// Package orchestrator runs a complete load test: package discovery,
// optional validation, parameter generation, parallel load generators and
// the final aggregation, with graceful signal handling throughout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/collector"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/k6"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/output"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/packages"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/traffic"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/validator"
)

// Warmup is a short low-rate phase before the measured run. Its results
// are written under a separate test id and never aggregated with the run.
type Warmup struct {
	Duration   time.Duration
	RPSPercent int
}

// Config describes one test run.
type Config struct {
	TestID    string
	RPS       int // total across all generators
	Duration  time.Duration
	Traffic   traffic.Config
	Targets   map[model.Ecosystem]registry.Target
	OutputDir string

	Validate bool
	// Repeat reuses the validation cache when one exists.
	Repeat bool

	Warmup          *Warmup
	Monitor         bool
	MonitorInterval time.Duration
	Aggregate       bool
	DryRun          bool

	// TestConfig is stored alongside the metadata cache.
	TestConfig map[string]interface{}
}

// Deps are the collaborators of a run. Loader is required; Validator and
// Store are needed only with Config.Validate.
type Deps struct {
	Loader    *packages.Loader
	Validator *validator.Validator
	Store     *packages.Store
	Progress  *output.Progress
	Logger    *zap.Logger
}

// Outcome is what a run produced. It is returned even when some
// generators failed.
type Outcome struct {
	TestID       string
	Interrupted  bool
	Params       k6.Params
	Bundles      map[string]k6.Bundle
	CommandLines map[string]string
	// Preview is the request mix drawn from the configured policy on a dry run.
	Preview      *traffic.Mix
	Results      []*k6.Result
	Report       *model.Report
	ReportPath   string
}

// Orchestrator coordinates the generators of one test.
type Orchestrator struct {
	cfg        Config
	generators []Generator
	deps       Deps
	progress   *output.Progress
	logger     *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config, generators []Generator, deps Deps) *Orchestrator {
	if deps.Progress == nil {
		deps.Progress = output.NewProgress(false)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		generators: generators,
		deps:       deps,
		progress:   deps.Progress,
		logger:     deps.Logger,
	}
}

// Run executes the test. An interrupted run still aggregates whatever the
// generators flushed.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	if len(o.generators) == 0 {
		return nil, errors.New("no load generators configured")
	}
	for _, g := range o.generators {
		if err := model.ValidGeneratorID(g.ID()); err != nil {
			return nil, err
		}
	}
	if o.cfg.RPS < len(o.generators) {
		return nil, fmt.Errorf("rps %d is lower than the number of generators (%d)", o.cfg.RPS, len(o.generators))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signal handling, started after all context derivations.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			o.progress.Log("Received %v, stopping generators (results are kept)...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	o.progress.Log("Starting test: id=%s, rps=%d, duration=%s, generators=%d, traffic=%s",
		o.cfg.TestID, o.cfg.RPS, o.cfg.Duration, len(o.generators), o.cfg.Traffic)

	universe, err := o.BuildUniverse(ctx)
	if err != nil {
		return nil, err
	}

	out := &Outcome{TestID: o.cfg.TestID}
	out.Params = o.params(o.cfg.TestID, o.cfg.RPS, o.cfg.Duration, universe)

	if o.cfg.DryRun {
		bundles, err := o.writeBundles(out.Params)
		if err != nil {
			return nil, err
		}
		out.Bundles = bundles
		out.CommandLines = make(map[string]string, len(bundles))
		rates := SplitRPS(o.cfg.RPS, len(o.generators))
		for i, g := range o.generators {
			p := perGenerator(out.Params, rates[i])
			out.CommandLines[g.ID()] = k6.CommandLine(k6.DefaultBinary, p, bundles[g.ID()], o.cfg.OutputDir, g.ID())
		}
		mix := traffic.Tally(traffic.New(o.cfg.Traffic, universe, nil).Preview(traffic.PreviewSize))
		out.Preview = &mix
		o.progress.Log("Dry run: bundles written for %d generators", len(bundles))
		return out, nil
	}

	if w := o.cfg.Warmup; w != nil && w.Duration > 0 {
		warmRPS := max(o.cfg.RPS*w.RPSPercent/100, len(o.generators))
		warmID := o.cfg.TestID + "-warmup"
		o.progress.Log("Warmup: %d rps for %s", warmRPS, w.Duration)
		_, werr := o.runPhase(ctx, o.params(warmID, warmRPS, w.Duration, universe), warmRPS)
		if werr != nil && ctx.Err() == nil {
			o.logger.Warn("warmup failed, continuing", zap.Error(werr))
		}
	}

	var stopMonitor func()
	if o.cfg.Monitor && ctx.Err() == nil {
		stopMonitor = o.startMonitor(ctx)
	}

	var runErr error
	if ctx.Err() == nil {
		out.Results, runErr = o.runPhase(ctx, out.Params, o.cfg.RPS)
	}
	if stopMonitor != nil {
		stopMonitor()
	}
	out.Interrupted = ctx.Err() != nil

	if o.cfg.Aggregate {
		aggCtx := context.WithoutCancel(ctx)
		report, err := BuildReport(aggCtx, ReportOptions{
			Dir:      o.cfg.OutputDir,
			TestID:   o.cfg.TestID,
			Duration: o.cfg.Duration,
			Logger:   o.logger,
		})
		switch {
		case errors.Is(err, aggregator.ErrNoResults):
			o.progress.Log("No result files to aggregate for %s", o.cfg.TestID)
		case err != nil:
			runErr = multierror.Append(runErr, fmt.Errorf("aggregate: %w", err))
		default:
			out.Report = report
			out.ReportPath = filepath.Join(o.cfg.OutputDir, model.ReportFileName(o.cfg.TestID))
			if err := output.WriteJSON(report, out.ReportPath); err != nil {
				runErr = multierror.Append(runErr, err)
			}
			o.progress.Log("Aggregated %d requests, health=%d/100, anomalies=%d",
				report.Stats.TotalRequests, report.Summary.HealthScore, len(report.Summary.Anomalies))
		}
	}
	return out, runErr
}

// BuildUniverse resolves the package pools of every selected ecosystem.
func (o *Orchestrator) BuildUniverse(ctx context.Context) (traffic.Universe, error) {
	var mu sync.Mutex
	universe := make(traffic.Universe)
	g, gctx := errgroup.WithContext(ctx)
	for _, eco := range o.cfg.Traffic.Ecosystems() {
		eco := eco
		g.Go(func() error {
			pool, err := o.pool(gctx, eco)
			if err != nil {
				return fmt.Errorf("%s: %w", eco, err)
			}
			mu.Lock()
			universe[eco] = pool
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return universe, nil
}

func (o *Orchestrator) pool(ctx context.Context, eco model.Ecosystem) (traffic.Pool, error) {
	target := o.cfg.Targets[eco]
	if o.cfg.Validate && o.cfg.Repeat && o.deps.Store != nil {
		if cache, err := o.deps.Store.LoadValidation(eco); err == nil {
			o.progress.Log("  [%s] using validation cache: %d valid, %d invalid", eco, cache.ValidCount, cache.InvalidCount)
			return traffic.NewValidatedPool(cache.Valid, cache.Invalid), nil
		}
	}

	records, cached, err := o.deps.Loader.Load(ctx, eco, target, o.cfg.TestConfig)
	if err != nil {
		return traffic.Pool{}, err
	}
	if cached {
		o.progress.Log("  [%s] %d packages from metadata cache", eco, len(records))
	} else {
		o.progress.Log("  [%s] %d packages", eco, len(records))
	}
	if !o.cfg.Validate || o.deps.Validator == nil {
		return traffic.NewPool(records), nil
	}

	start := time.Now()
	valid, invalid := o.deps.Validator.ValidatePackages(ctx, eco, target, records)
	o.progress.Log("  [%s] validated: %d valid, %d invalid (%s)", eco, len(valid), len(invalid), time.Since(start).Round(time.Millisecond))
	if o.deps.Store != nil {
		if path, err := o.deps.Store.SaveValidation(eco, valid, invalid); err != nil {
			o.logger.Warn("could not write validation cache", zap.String("path", path), zap.Error(err))
		}
	}
	return traffic.NewValidatedPool(valid, invalid), nil
}

func (o *Orchestrator) params(testID string, rps int, d time.Duration, universe traffic.Universe) k6.Params {
	urls := make(map[model.Ecosystem]string, len(o.cfg.Targets))
	auth := make(map[model.Ecosystem]registry.Auth, len(o.cfg.Targets))
	for eco, t := range o.cfg.Targets {
		urls[eco] = t.BaseURL
		if !t.Auth.Empty() {
			auth[eco] = t.Auth
		}
	}
	return k6.NewParams(k6.Input{
		TestID:   testID,
		RPS:      rps,
		Duration: d,
		Traffic:  o.cfg.Traffic,
		Universe: universe,
		URLs:     urls,
		Auth:     auth,
	})
}

// SplitRPS divides a total rate across n generators. The remainder goes
// one request per second each to the first generators.
func SplitRPS(total, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	share, rem := total/n, total%n
	for i := range out {
		out[i] = share
		if i < rem {
			out[i]++
		}
	}
	return out
}

func perGenerator(p k6.Params, rps int) k6.Params {
	p.TargetRPS = rps
	p.VUs = k6.VUs(rps)
	p.MaxVUs = k6.MaxVUs(rps)
	return p
}

// writeBundles writes one bundle per generator under the output
// directory. Paths are absolute because k6 runs from the bundle directory.
func (o *Orchestrator) writeBundles(p k6.Params) (map[string]k6.Bundle, error) {
	base, err := filepath.Abs(filepath.Join(o.cfg.OutputDir, "bundles", p.TestID))
	if err != nil {
		return nil, err
	}
	rates := SplitRPS(p.TargetRPS, len(o.generators))
	bundles := make(map[string]k6.Bundle, len(o.generators))
	for i, g := range o.generators {
		b, err := k6.WriteBundle(filepath.Join(base, g.ID()), perGenerator(p, rates[i]))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.ID(), err)
		}
		bundles[g.ID()] = b
	}
	return bundles, nil
}

// runPhase runs every generator in parallel. A failed generator does not
// stop the others; all failures are returned together.
func (o *Orchestrator) runPhase(ctx context.Context, p k6.Params, rps int) ([]*k6.Result, error) {
	p.TargetRPS = rps
	bundles, err := o.writeBundles(p)
	if err != nil {
		return nil, err
	}
	rates := SplitRPS(rps, len(o.generators))

	var (
		mu      sync.Mutex
		results []*k6.Result
		errs    *multierror.Error
		g       errgroup.Group
	)
	for i, gen := range o.generators {
		i, gen := i, gen
		g.Go(func() error {
			gp := perGenerator(p, rates[i])
			o.progress.Log("  [%s] running %d rps for %s", gen.ID(), gp.TargetRPS, gp.Duration)
			start := time.Now()
			res, err := gen.Run(ctx, gp, bundles[gen.ID()], o.cfg.OutputDir)
			elapsed := time.Since(start).Round(time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results = append(results, res)
			}
			switch {
			case err != nil:
				o.progress.Log("  [%s] error: %v (%s)", gen.ID(), err, elapsed)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", gen.ID(), err))
			case res.Interrupted:
				o.progress.Log("  [%s] interrupted (%s)", gen.ID(), elapsed)
			default:
				o.progress.Log("  [%s] done (%s)", gen.ID(), elapsed)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].LoadGenID < results[j].LoadGenID })
	return results, errs.ErrorOrNil()
}

// startMonitor samples this host's resources for every local generator
// until the returned stop function is called.
func (o *Orchestrator) startMonitor(ctx context.Context) func() {
	mctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	sampler := collector.NewSampler("")
	for _, gen := range o.generators {
		if _, ok := gen.(*localGenerator); !ok {
			continue
		}
		id := gen.ID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := sampler.RunToFile(mctx, o.cfg.OutputDir, o.cfg.TestID, id, o.cfg.MonitorInterval, o.logger)
			if err != nil {
				o.logger.Warn("system sampler stopped", zap.String("load_gen", id), zap.Error(err))
				return
			}
			o.logger.Debug("system metrics written", zap.String("path", path))
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}
