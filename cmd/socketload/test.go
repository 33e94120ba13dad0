package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/config"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/executor"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/k6"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/orchestrator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/output"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/packages"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/traffic"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/validator"
)

// testFlags holds the flags of test, fetch and validate. Flags the user
// did not set leave the loaded configuration untouched.
type testFlags struct {
	profile    string
	rps        int
	ecosystems string
	duration   string

	baseURL   string
	npmPath   string
	pypiPath  string
	mavenPath string
	npmURL    string
	pypiURL   string
	mavenURL  string

	npmToken      string
	npmUsername   string
	npmPassword   string
	pypiToken     string
	pypiUsername  string
	pypiPassword  string
	mavenUsername string
	mavenPassword string

	testID    string
	outputDir string
	loadGenID string

	packagesFile string
	repeat       bool
	cacheDir     string
	probeRPS     float64
	pypiJSONAPI  bool

	cacheHit     float64
	errorRate    float64
	npmRatio     int
	pypiRatio    int
	mavenRatio   int
	metadataOnly bool

	validate  bool
	insecure  bool
	dryRun    bool
	noWarmup  bool
	noMonitor bool
	k6Binary  string
}

func addTestFlags(cmd *cobra.Command, f *testFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.profile, "profile", "p", "", "Load preset: "+strings.Join(orchestrator.ProfileNames(), ", "))
	fl.IntVar(&f.rps, "rps", 0, "Total requests per second across all generators")
	fl.StringVar(&f.duration, "duration", "60s", "Test duration (e.g. 60s, 5m)")
	fl.StringVar(&f.testID, "test-id", "", "Test identifier (default test-YYYYMMDD-HHMMSS)")
	fl.StringVar(&f.outputDir, "output-dir", "./load-test-results", "Results directory")
	fl.StringVar(&f.loadGenID, "load-gen-id", "gen-1", "Generator id for a local run")
	fl.Float64Var(&f.cacheHit, "cache-hit", 30, "Percent of requests drawn from the popular top tier")
	fl.Float64Var(&f.errorRate, "error-rate", 10, "Percent of requests for known-invalid packages (with --validate)")
	fl.IntVar(&f.npmRatio, "npm-ratio", 0, "Percent of traffic for npm (all ratios 0 = auto-balance)")
	fl.IntVar(&f.pypiRatio, "pypi-ratio", 0, "Percent of traffic for PyPI")
	fl.IntVar(&f.mavenRatio, "maven-ratio", 0, "Percent of traffic for Maven")
	fl.BoolVar(&f.metadataOnly, "metadata-only", false, "Send metadata requests only")
	fl.BoolVar(&f.validate, "validate", false, "Validate packages against the registry before the test")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Write the k6 script and parameters, print the command, do not run")
	fl.BoolVar(&f.noWarmup, "no-warmup", false, "Skip the warmup phase")
	fl.BoolVar(&f.noMonitor, "no-monitor", false, "Do not sample generator CPU and memory")
	fl.StringVar(&f.k6Binary, "k6-binary", k6.DefaultBinary, "k6 binary name or path")
	addRegistryFlags(cmd, f)
	addPackageFlags(cmd, f)
}

func addRegistryFlags(cmd *cobra.Command, f *testFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.ecosystems, "ecosystems", "", "Ecosystems to test: npm,pypi,maven (comma-separated)")
	fl.StringVar(&f.baseURL, "base-url", "", "Firewall base URL")
	fl.StringVar(&f.npmPath, "npm-path", "", "npm path under --base-url")
	fl.StringVar(&f.pypiPath, "pypi-path", "", "PyPI path under --base-url")
	fl.StringVar(&f.mavenPath, "maven-path", "", "Maven path under --base-url")
	fl.StringVar(&f.npmURL, "npm-url", "", "Full npm registry URL (overrides --base-url)")
	fl.StringVar(&f.pypiURL, "pypi-url", "", "Full PyPI registry URL (overrides --base-url)")
	fl.StringVar(&f.mavenURL, "maven-url", "", "Full Maven repository URL (overrides --base-url)")
	fl.StringVar(&f.npmToken, "npm-token", "", "npm bearer token")
	fl.StringVar(&f.npmUsername, "npm-username", "", "npm basic auth user")
	fl.StringVar(&f.npmPassword, "npm-password", "", "npm basic auth password")
	fl.StringVar(&f.pypiToken, "pypi-token", "", "PyPI API token")
	fl.StringVar(&f.pypiUsername, "pypi-username", "", "PyPI basic auth user")
	fl.StringVar(&f.pypiPassword, "pypi-password", "", "PyPI basic auth password")
	fl.StringVar(&f.mavenUsername, "maven-username", "", "Maven basic auth user")
	fl.StringVar(&f.mavenPassword, "maven-password", "", "Maven basic auth password")
	fl.BoolVar(&f.insecure, "insecure", false, "Skip TLS certificate verification")
}

func addPackageFlags(cmd *cobra.Command, f *testFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.packagesFile, "packages", "", "Custom packages file (JSON or YAML)")
	fl.BoolVar(&f.repeat, "repeat", false, "Reuse cached metadata (and validation results with --validate)")
	fl.StringVar(&f.cacheDir, "metadata-cache-dir", "./metadata-cache", "Metadata and validation cache directory")
	fl.Float64Var(&f.probeRPS, "probe-rps", 0, "Cap on registry requests per second during discovery and validation (0 = unlimited)")
	fl.BoolVar(&f.pypiJSONAPI, "pypi-json-api", false, "Validate PyPI packages through the JSON API instead of the simple index")
}

// apply copies every flag the user set onto cfg.
func (f *testFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	setString := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}

	if changed("rps") {
		cfg.Test.RPS = f.rps
	}
	setString("duration", &cfg.Test.Duration, f.duration)
	setString("test-id", &cfg.Test.TestID, f.testID)
	setString("output-dir", &cfg.Results.OutputDir, f.outputDir)
	if changed("no-warmup") && f.noWarmup {
		cfg.Test.Warmup = false
	}
	if changed("no-monitor") && f.noMonitor {
		cfg.Monitoring.Enabled = false
	}

	r := &cfg.Registries
	if changed("ecosystems") {
		r.Ecosystems = splitList(f.ecosystems)
	}
	setString("base-url", &r.BaseURL, f.baseURL)
	setString("npm-path", &r.NPMPath, f.npmPath)
	setString("pypi-path", &r.PyPIPath, f.pypiPath)
	setString("maven-path", &r.MavenPath, f.mavenPath)
	setString("npm-url", &r.NPMURL, f.npmURL)
	setString("pypi-url", &r.PyPIURL, f.pypiURL)
	setString("maven-url", &r.MavenURL, f.mavenURL)
	setString("npm-token", &r.NPMToken, f.npmToken)
	setString("npm-username", &r.NPMUsername, f.npmUsername)
	setString("npm-password", &r.NPMPassword, f.npmPassword)
	setString("pypi-token", &r.PyPIToken, f.pypiToken)
	setString("pypi-username", &r.PyPIUsername, f.pypiUsername)
	setString("pypi-password", &r.PyPIPassword, f.pypiPassword)
	setString("maven-username", &r.MavenUsername, f.mavenUsername)
	setString("maven-password", &r.MavenPassword, f.mavenPassword)
	if changed("cache-hit") {
		r.CacheHitPercent = f.cacheHit
	}
	if changed("insecure") && f.insecure {
		r.VerifyTLS = false
	}

	t := &cfg.Traffic
	if changed("error-rate") {
		t.ErrorRate = f.errorRate
	}
	if changed("npm-ratio") {
		t.NPMRatio = f.npmRatio
	}
	if changed("pypi-ratio") {
		t.PyPIRatio = f.pypiRatio
	}
	if changed("maven-ratio") {
		t.MavenRatio = f.mavenRatio
	}
	if changed("metadata-only") {
		t.MetadataOnly = f.metadataOnly
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// defaultTestID is test-YYYYMMDD-HHMMSS.
func defaultTestID(now time.Time) string {
	return "test-" + now.Format("20060102-150405")
}

func (f *testFlags) loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	f.apply(cmd, cfg)
	return cfg, nil
}

// selection validates the ecosystem choice and resolves the target of each
// selected ecosystem.
func selection(cfg *config.Config) (traffic.Config, map[model.Ecosystem]registry.Target, error) {
	tc, err := traffic.NewConfig(cfg.TrafficOptions())
	if err != nil {
		return traffic.Config{}, nil, err
	}
	targets := make(map[model.Ecosystem]registry.Target, len(tc.Ecosystems()))
	for _, eco := range tc.Ecosystems() {
		t := cfg.Registries.Target(eco)
		if t.BaseURL == "" {
			return traffic.Config{}, nil, fmt.Errorf("no registry URL for %s: set --%s-url or --base-url", eco, eco)
		}
		targets[eco] = t
	}
	return tc, targets, nil
}

func (f *testFlags) loader(logger *zap.Logger) (*packages.Loader, *packages.Store, error) {
	dir, err := homedir.Expand(f.cacheDir)
	if err != nil {
		return nil, nil, err
	}
	store := packages.NewStore(dir)
	var list packages.List
	if f.packagesFile != "" {
		if list, err = packages.LoadList(f.packagesFile); err != nil {
			return nil, nil, err
		}
	}
	fetcher := packages.NewFetcher(packages.FetcherConfig{RPS: f.probeRPS}, logger)
	return &packages.Loader{Store: store, Fetcher: fetcher, List: list, Repeat: f.repeat, Logger: logger}, store, nil
}

func (f *testFlags) validator(logger *zap.Logger) *validator.Validator {
	cfg := validator.DefaultConfig()
	cfg.RPS = f.probeRPS
	cfg.PyPIJSONAPI = f.pypiJSONAPI
	return validator.New(cfg, logger)
}

func newTestCmd(g *globalFlags) *cobra.Command {
	f := &testFlags{}
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a load test",
		Long: `Discover package versions, optionally validate them, then run k6 on every
load generator in parallel and aggregate the results.

Flags override the config file; the config file overrides defaults.
Environment variables SOCKET_LOADTEST_<SECTION>_<KEY> override the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, g, f)
		},
	}
	addTestFlags(cmd, f)
	return cmd
}

func runTest(cmd *cobra.Command, g *globalFlags, f *testFlags) error {
	cfg, err := f.loadConfig(cmd, g)
	if err != nil {
		return err
	}

	rates := []int{cfg.Test.RPS}
	if f.profile != "" {
		if !orchestrator.HasProfile(f.profile) {
			return fmt.Errorf("unknown profile %q (available: %s)", f.profile, strings.Join(orchestrator.ProfileNames(), ", "))
		}
		p := orchestrator.GetProfile(f.profile)
		if !cmd.Flags().Changed("rps") {
			rates = p.Rates()
			cfg.Test.RPS = rates[0]
		}
		if !cmd.Flags().Changed("duration") {
			cfg.Test.Duration = p.Duration.String()
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	tc, targets, err := selection(cfg)
	if err != nil {
		return err
	}
	duration, _ := cfg.TestDuration()

	logger, err := g.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	progress := g.progress()

	loader, store, err := f.loader(logger)
	if err != nil {
		return err
	}
	deps := orchestrator.Deps{Loader: loader, Store: store, Progress: progress, Logger: logger}
	if f.validate {
		deps.Validator = f.validator(logger)
	}

	ctx := cmd.Context()
	generators, closeGenerators, err := buildGenerators(ctx, cfg, f, logger)
	if err != nil {
		return err
	}
	defer closeGenerators()

	baseID := cfg.Test.TestID
	if baseID == "" {
		baseID = defaultTestID(time.Now())
	}
	var warmup *orchestrator.Warmup
	if cfg.Test.Warmup {
		d, _ := time.ParseDuration(cfg.Test.WarmupDuration)
		warmup = &orchestrator.Warmup{Duration: d, RPSPercent: cfg.Test.WarmupRPSPercent}
	}

	var testIDs []string
	for i, rps := range rates {
		testID := baseID
		if len(rates) > 1 {
			testID = fmt.Sprintf("%s-%drps", baseID, rps)
		}
		ocfg := orchestrator.Config{
			TestID:          testID,
			RPS:             rps,
			Duration:        duration,
			Traffic:         tc,
			Targets:         targets,
			OutputDir:       cfg.Results.OutputDir,
			Validate:        f.validate,
			Repeat:          f.repeat,
			Monitor:         cfg.Monitoring.Enabled,
			MonitorInterval: cfg.MonitoringInterval(),
			Aggregate:       cfg.Results.AutoAggregate,
			DryRun:          f.dryRun,
			TestConfig: map[string]interface{}{
				"rps":        rps,
				"duration":   cfg.Test.Duration,
				"ecosystems": cfg.Registries.Ecosystems,
				"cache_hit":  cfg.Registries.CacheHitPercent,
			},
		}
		// Only the first step warms up; later steps follow a loaded firewall.
		if i == 0 {
			ocfg.Warmup = warmup
		}

		out, err := orchestrator.New(ocfg, generators, deps).Run(ctx)
		if out != nil {
			if err := printOutcome(cmd, out); err != nil {
				return err
			}
			testIDs = append(testIDs, out.TestID)
		}
		if err != nil {
			return err
		}
		if out.Interrupted {
			break
		}
	}

	if len(testIDs) > 1 && cfg.Results.AutoAggregate && !f.dryRun {
		agg := &aggregator.Aggregator{Dir: cfg.Results.OutputDir, Logger: logger}
		all, err := agg.AggregateTests(context.WithoutCancel(ctx), testIDs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nRPS levels:")
		output.WriteLevels(cmd.OutOrStdout(), aggregator.Levels(all))
	}
	return nil
}

func printOutcome(cmd *cobra.Command, out *orchestrator.Outcome) error {
	w := cmd.OutOrStdout()
	ids := make([]string, 0, len(out.CommandLines))
	for id := range out.CommandLines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "[%s] %s\n", id, out.CommandLines[id])
	}
	if out.Preview != nil {
		fmt.Fprintf(w, "Traffic preview: %s\n", out.Preview)
	}
	if out.Report != nil {
		if err := output.WriteText(w, out.Report); err != nil {
			return err
		}
		fmt.Fprintf(w, "\nReport: %s\n", out.ReportPath)
	}
	if out.Interrupted {
		fmt.Fprintf(w, "Test %s was interrupted; partial results were kept.\n", out.TestID)
	}
	return nil
}

// buildGenerators returns one local generator, or one remote generator per
// configured SSH host. The returned func releases connections.
func buildGenerators(ctx context.Context, cfg *config.Config, f *testFlags, logger *zap.Logger) ([]orchestrator.Generator, func(), error) {
	if cfg.Infrastructure.Type != config.InfraSSH {
		security := executor.NewSecurityChecker()
		if filepath.IsAbs(f.k6Binary) {
			security = executor.NewSecurityCheckerWithPaths(filepath.Dir(f.k6Binary))
		}
		runner := &k6.Runner{
			Exec:   executor.NewProcessExecutor(security, logger),
			Binary: f.k6Binary,
			Logger: logger,
		}
		if !f.dryRun && !runner.Exec.Available(f.k6Binary) {
			return nil, nil, fmt.Errorf("k6 binary %q not found; install k6 or pass --k6-binary", f.k6Binary)
		}
		return []orchestrator.Generator{orchestrator.LocalGenerator(f.loadGenID, runner)}, func() {}, nil
	}

	ssh := cfg.Infrastructure.SSH
	pool := remote.NewPool(remote.Options{KnownHosts: ssh.KnownHosts}, logger)
	closePool := func() {
		if err := pool.Close(); err != nil {
			logger.Debug("closing ssh connections", zap.Error(err))
		}
	}
	gens := make([]orchestrator.Generator, 0, len(ssh.LoadGenerators))
	for i, h := range ssh.LoadGenerators {
		id := h.Name
		if id == "" {
			id = fmt.Sprintf("gen-%d", i+1)
		}
		gen := &remote.Generator{Binary: f.k6Binary, Logger: logger.With(zap.String("load_gen", id))}
		if !f.dryRun {
			client, err := pool.Connect(ctx, h)
			if err != nil {
				closePool()
				return nil, nil, fmt.Errorf("load generator %s: %w", id, err)
			}
			gen.Client = client
		}
		gens = append(gens, orchestrator.RemoteGenerator(id, gen))
	}
	return gens, closePool, nil
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	f := &testFlags{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Discover package versions and write the metadata cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd, g)
			if err != nil {
				return err
			}
			tc, targets, err := selection(cfg)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			loader, store, err := f.loader(logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			w := cmd.OutOrStdout()
			for _, eco := range tc.Ecosystems() {
				records, cached, err := loader.Load(ctx, eco, targets[eco], nil)
				if err != nil {
					return fmt.Errorf("%s: %w", eco, err)
				}
				source := "fetched"
				if cached {
					source = "cached"
				}
				fmt.Fprintf(w, "%s: %d packages (%s) -> %s\n", eco, len(records), source, store.MetadataPath(eco))
			}
			return nil
		},
	}
	addRegistryFlags(cmd, f)
	addPackageFlags(cmd, f)
	return cmd
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	f := &testFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate cached package versions against the registry",
		Long: `Probe every cached package version against the registry and write the
validation cache used by 'test --validate --repeat'. Ecosystems without a
metadata cache are fetched first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd, g)
			if err != nil {
				return err
			}
			tc, targets, err := selection(cfg)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			loader, store, err := f.loader(logger)
			if err != nil {
				return err
			}
			loader.Repeat = true
			v := f.validator(logger)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			w := cmd.OutOrStdout()
			for _, eco := range tc.Ecosystems() {
				records, _, err := loader.Load(ctx, eco, targets[eco], nil)
				if err != nil {
					return fmt.Errorf("%s: %w", eco, err)
				}
				valid, invalid := v.ValidatePackages(ctx, eco, targets[eco], records)
				path, err := store.SaveValidation(eco, valid, invalid)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d valid, %d invalid -> %s\n", eco, len(valid), len(invalid), path)
				if ctx.Err() != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "interrupted")
					return nil
				}
			}
			return nil
		},
	}
	addRegistryFlags(cmd, f)
	addPackageFlags(cmd, f)
	return cmd
}
