package k6

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/executor"
)

// Script is the static load script. It reads its parameters from
// PARAMS_FILE at init time.
//
//go:embed script.js
var Script []byte

// ScriptName is the file name the script is written under.
const ScriptName = "script.js"

// DefaultBinary is looked up in the executor's allowed paths.
const DefaultBinary = "k6"

// ParamsName is the parameter file name for a test.
func ParamsName(testID string) string { return testID + "_params.json" }

// Bundle is a script plus its parameter file on disk.
type Bundle struct {
	Dir        string
	ScriptPath string
	ParamsPath string
}

// WriteBundle writes the script and parameter object into dir.
func WriteBundle(dir string, p Params) (Bundle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Bundle{}, err
	}
	b := Bundle{
		Dir:        dir,
		ScriptPath: filepath.Join(dir, ScriptName),
		ParamsPath: filepath.Join(dir, ParamsName(p.TestID)),
	}
	if err := os.WriteFile(b.ScriptPath, Script, 0644); err != nil {
		return Bundle{}, fmt.Errorf("write script: %w", err)
	}
	if err := WriteParams(b.ParamsPath, p); err != nil {
		return Bundle{}, fmt.Errorf("write params: %w", err)
	}
	return b, nil
}

// Args returns the k6 arguments that write JSON output to resultsPath.
func Args(scriptPath, resultsPath string) []string {
	return []string{"run", "--out", "json=" + resultsPath, scriptPath}
}

// CommandLine renders the full invocation for display, with credentials
// masked.
func CommandLine(binary string, p Params, b Bundle, resultsDir, loadGenID string) string {
	var parts []string
	for _, kv := range p.Env(loadGenID, b.ParamsPath) {
		k, v, _ := strings.Cut(kv, "=")
		if isSecretVar(k) {
			v = "***"
		}
		parts = append(parts, k+"="+v)
	}
	parts = append(parts, binary)
	parts = append(parts, Args(b.ScriptPath, ResultsPath(resultsDir, p.TestID, loadGenID))...)
	return strings.Join(parts, " ")
}

func isSecretVar(k string) bool {
	return strings.HasSuffix(k, "_TOKEN") || strings.HasSuffix(k, "_PASSWORD")
}

// Result describes one finished generator run.
type Result struct {
	LoadGenID   string
	ResultsPath string
	ExitCode    int
	Duration    time.Duration
	Interrupted bool
	Summary     executor.Summary
}

// ErrFailed is returned when k6 exits non-zero without being interrupted.
var ErrFailed = errors.New("k6 run failed")

// Runner runs k6 through an executor, on this host or a remote one.
type Runner struct {
	Exec   executor.Executor
	Binary string
	Logger *zap.Logger
}

// Run executes one generator and blocks until k6 exits or ctx is done.
// resultsDir must exist on the host the executor runs on. An interrupted
// run keeps whatever output k6 flushed.
func (r *Runner) Run(ctx context.Context, p Params, b Bundle, resultsDir, loadGenID string) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	res := &Result{LoadGenID: loadGenID, ResultsPath: ResultsPath(resultsDir, p.TestID, loadGenID)}

	logger.Info("starting k6",
		zap.String("test_id", p.TestID),
		zap.String("load_gen", loadGenID),
		zap.Int("rps", p.TargetRPS),
		zap.String("duration", p.Duration),
		zap.Int("vus", p.VUs),
		zap.Int("max_vus", p.MaxVUs))

	raw, err := r.Exec.Run(ctx, executor.Command{
		Tool: binary,
		Args: Args(b.ScriptPath, res.ResultsPath),
		Env:  p.Env(loadGenID, b.ParamsPath),
		Dir:  b.Dir,
	})
	if err != nil {
		return nil, err
	}
	res.ExitCode = raw.ExitCode
	res.Duration = raw.Duration
	res.Interrupted = ctx.Err() != nil
	res.Summary = executor.ParseSummary(raw.Stdout)

	fields := []zap.Field{zap.String("load_gen", loadGenID), zap.Int("exit_code", raw.ExitCode), zap.Duration("elapsed", raw.Duration)}
	if n, ok := res.Summary.Count("http_reqs"); ok {
		fields = append(fields, zap.Float64("http_reqs", n))
	}
	if rate, ok := res.Summary.Rate("http_reqs"); ok {
		fields = append(fields, zap.Float64("achieved_rps", rate))
	}
	if p95, ok := res.Summary.Millis("http_req_duration", "p(95)"); ok {
		fields = append(fields, zap.Float64("p95_ms", p95))
	}
	logger.Info("k6 finished", fields...)

	if raw.ExitCode != 0 && !res.Interrupted {
		logger.Warn("k6 stderr", zap.String("load_gen", loadGenID), zap.String("stderr", tail(raw.Stderr, 2048)))
		return res, fmt.Errorf("%w: %s exited with code %d", ErrFailed, loadGenID, raw.ExitCode)
	}
	return res, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
