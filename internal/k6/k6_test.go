package k6

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/executor"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/traffic"
)

func TestVUSizing(t *testing.T) {
	tests := []struct {
		rps, vus, maxVUs int
	}{
		{1, 50, 100},
		{3, 50, 100},
		{7, 52, 210},
		{100, 750, 3000},
		{1001, 7507, 30030},
	}
	for _, tt := range tests {
		if got := VUs(tt.rps); got != tt.vus {
			t.Errorf("VUs(%d) = %d, want %d", tt.rps, got, tt.vus)
		}
		if got := MaxVUs(tt.rps); got != tt.maxVUs {
			t.Errorf("MaxVUs(%d) = %d, want %d", tt.rps, got, tt.maxVUs)
		}
	}
}

func testParams(t *testing.T, validated bool) Params {
	t.Helper()
	cfg, err := traffic.NewConfig(traffic.Options{
		Ecosystems:       []string{"npm", "maven"},
		Ratios:           map[string]int{"npm": 70, "maven": 30},
		CacheHitPercent:  30,
		ErrorRatePercent: 12.5,
	})
	require.NoError(t, err)

	npm := []model.PackageRecord{{Name: "react", Versions: []string{"18.2.0"}}, {Name: "nope"}}
	maven := []model.PackageRecord{{Name: "com.google.guava:guava", Versions: []string{"32.0.0"}}}
	universe := traffic.Universe{model.Maven: traffic.NewPool(maven)}
	if validated {
		universe[model.NPM] = traffic.NewValidatedPool(npm[:1], npm[1:])
	} else {
		universe[model.NPM] = traffic.NewPool(npm)
	}

	return NewParams(Input{
		TestID:   "t1",
		RPS:      100,
		Duration: 90 * time.Second,
		Traffic:  cfg,
		Universe: universe,
		URLs: map[model.Ecosystem]string{
			model.NPM:   "https://fw.example/npm/",
			model.Maven: "https://fw.example/maven",
			model.PyPI:  "https://fw.example/pypi",
		},
		Auth: map[model.Ecosystem]registry.Auth{
			model.NPM:   {Token: "npm-secret"},
			model.Maven: {Token: "ignored", Username: "u", Password: "p"},
		},
	})
}

func TestNewParams(t *testing.T) {
	p := testParams(t, false)

	assert.Equal(t, "90s", p.Duration)
	assert.Equal(t, 750, p.VUs)
	assert.Equal(t, 3000, p.MaxVUs)
	assert.Equal(t, []model.Ecosystem{model.NPM, model.Maven}, p.Ecosystems)
	assert.Equal(t, "https://fw.example/npm", p.URLs[model.NPM], "trailing slash trimmed")
	assert.NotContains(t, p.URLs, model.PyPI, "unselected ecosystem URL dropped")
	assert.False(t, p.UseValidation)
	assert.Len(t, p.Packages[model.NPM].All, 2)
	assert.Empty(t, p.Packages[model.NPM].Valid)

	guava := p.Packages[model.Maven].All[0]
	assert.Equal(t, "com.google.guava", guava.Group)
	assert.Equal(t, "guava", guava.Artifact)
	assert.Empty(t, guava.Name)
	assert.Equal(t, []string{}, p.Packages[model.NPM].All[1].Versions, "nil versions serialize as []")
}

func TestNewParamsValidated(t *testing.T) {
	p := testParams(t, true)
	assert.True(t, p.UseValidation)
	assert.Equal(t, "react", p.Packages[model.NPM].Valid[0].Name)
	assert.Equal(t, "nope", p.Packages[model.NPM].Invalid[0].Name)
	assert.Empty(t, p.Packages[model.NPM].All)
	assert.Len(t, p.Packages[model.Maven].All, 1, "unvalidated ecosystem keeps its full universe")
}

func TestEnvContract(t *testing.T) {
	p := testParams(t, false)
	env := p.EnvMap("gen-2", "/tmp/t1_params.json")

	want := map[string]string{
		"TEST_ID":        "t1",
		"LOAD_GEN_ID":    "gen-2",
		"TARGET_RPS":     "100",
		"DURATION":       "90s",
		"VUS":            "750",
		"MAX_VUS":        "3000",
		"CACHE_HIT_PCT":  "30",
		"NPM_RATIO":      "70",
		"PYPI_RATIO":     "0",
		"MAVEN_RATIO":    "30",
		"METADATA_ONLY":  "false",
		"ERROR_RATE":     "12.5",
		"PARAMS_FILE":    "/tmp/t1_params.json",
		"NPM_URL":        "https://fw.example/npm",
		"MAVEN_URL":      "https://fw.example/maven",
		"NPM_TOKEN":      "npm-secret",
		"MAVEN_USERNAME": "u",
		"MAVEN_PASSWORD": "p",
	}
	assert.Equal(t, want, env)

	list := p.Env("gen-2", "")
	for i := 1; i < len(list); i++ {
		if list[i-1] > list[i] {
			t.Fatalf("Env not sorted at %d: %q > %q", i, list[i-1], list[i])
		}
	}
	for _, kv := range list {
		if strings.HasPrefix(kv, "PARAMS_FILE=") {
			t.Error("PARAMS_FILE set without a params path")
		}
	}
}

func TestParamsFileHasNoCredentials(t *testing.T) {
	p := testParams(t, false)
	dir := t.TempDir()
	b, err := WriteBundle(dir, p)
	require.NoError(t, err)

	data, err := os.ReadFile(b.ParamsPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "npm-secret")
	assert.NotContains(t, string(data), `"p"`)

	script, err := os.ReadFile(b.ScriptPath)
	require.NoError(t, err)
	assert.Equal(t, Script, script)

	back, err := ReadParams(b.ParamsPath)
	require.NoError(t, err)
	assert.Equal(t, p.TestID, back.TestID)
	assert.Equal(t, p.Ratios, back.Ratios)
	assert.Equal(t, p.Packages, back.Packages)
	assert.Empty(t, back.Auth)
}

func TestScriptContract(t *testing.T) {
	s := string(Script)
	for _, want := range []string{
		"import http from 'k6/http'",
		"from 'k6/metrics'",
		"export function setup()",
		"export default function",
		"export const options",
		"__ENV.PARAMS_FILE",
		"constant-arrival-rate",
		"'metadata_request_duration'",
		"'download_request_duration'",
		"'response_bytes'",
		"'cache_hits'",
		"'status_timeout'",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestCommandLineMasksSecrets(t *testing.T) {
	p := testParams(t, false)
	b := Bundle{Dir: "/w", ScriptPath: "/w/script.js", ParamsPath: "/w/t1_params.json"}
	line := CommandLine("k6", p, b, "/results", "gen-1")

	assert.Contains(t, line, "NPM_TOKEN=***")
	assert.Contains(t, line, "MAVEN_PASSWORD=***")
	assert.NotContains(t, line, "npm-secret")
	assert.True(t, strings.HasSuffix(line, "k6 run --out json=/results/t1_gen-1_k6_results.json /w/script.js"), line)
}

// fakeExec records the command and replays canned output.
type fakeExec struct {
	got  executor.Command
	out  executor.RawOutput
	err  error
	wait bool
}

func (f *fakeExec) Run(ctx context.Context, c executor.Command) (*executor.RawOutput, error) {
	f.got = c
	if f.wait {
		<-ctx.Done()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.out
	return &out, nil
}

func (f *fakeExec) Available(string) bool { return true }

func TestRunnerRun(t *testing.T) {
	p := testParams(t, false)
	dir := t.TempDir()
	b, err := WriteBundle(filepath.Join(dir, "work"), p)
	require.NoError(t, err)

	fx := &fakeExec{out: executor.RawOutput{Stdout: "     http_reqs......: 9000  100.0/s\n"}}
	r := &Runner{Exec: fx}
	res, err := r.Run(context.Background(), p, b, filepath.Join(dir, "results"), "gen-1")
	require.NoError(t, err)

	assert.Equal(t, "k6", fx.got.Tool)
	assert.Equal(t, []string{"run", "--out", "json=" + res.ResultsPath, b.ScriptPath}, fx.got.Args)
	assert.Contains(t, fx.got.Env, "LOAD_GEN_ID=gen-1")
	assert.Contains(t, fx.got.Env, "PARAMS_FILE="+b.ParamsPath)
	assert.Equal(t, filepath.Join(dir, "results", "t1_gen-1_k6_results.json"), res.ResultsPath)
	rate, ok := res.Summary.Rate("http_reqs")
	assert.True(t, ok)
	assert.Equal(t, 100.0, rate)
}

func TestRunnerNonZeroExit(t *testing.T) {
	p := testParams(t, false)
	fx := &fakeExec{out: executor.RawOutput{ExitCode: 107, Stderr: "script error"}}
	r := &Runner{Exec: fx, Binary: "/opt/k6/k6"}
	res, err := r.Run(context.Background(), p, Bundle{}, t.TempDir(), "gen-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.Equal(t, 107, res.ExitCode)
	assert.Equal(t, "/opt/k6/k6", fx.got.Tool)
}

func TestRunnerInterruptedIsNotFailure(t *testing.T) {
	p := testParams(t, false)
	fx := &fakeExec{wait: true, out: executor.RawOutput{ExitCode: 105}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := (&Runner{Exec: fx}).Run(ctx, p, Bundle{}, t.TempDir(), "gen-1")
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
}

func TestRunnerExecError(t *testing.T) {
	p := testParams(t, false)
	fx := &fakeExec{err: errors.New("tool \"k6\" not found")}
	_, err := (&Runner{Exec: fx}).Run(context.Background(), p, Bundle{}, t.TempDir(), "gen-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrFailed))
}

func TestFormatDuration(t *testing.T) {
	var buf bytes.Buffer
	for _, d := range []time.Duration{time.Second, 90 * time.Second, 10 * time.Minute, 1500 * time.Millisecond} {
		buf.WriteString(FormatDuration(d) + " ")
	}
	assert.Equal(t, "1s 90s 600s 1s ", buf.String())
}

// The script carries its own copy of the selection policy; these checks pin
// it to the Go traffic model.
func TestScriptMatchesTrafficModel(t *testing.T) {
	s := string(Script)

	t.Run("top tier size", func(t *testing.T) {
		require.Contains(t, s, "return n <= 0 ? 0 : Math.floor((n + 4) / 5);")
		for n := 0; n <= 1000; n++ {
			want := 0
			if n > 0 {
				want = (n + 4) / 5
			}
			if got := traffic.TopTierSize(n); got != want {
				t.Fatalf("TopTierSize(%d) = %d, script gives %d", n, got, want)
			}
		}
	})

	t.Run("walk order", func(t *testing.T) {
		order := make([]string, len(model.Ecosystems))
		for i, eco := range model.Ecosystems {
			order[i] = "'" + string(eco) + "'"
		}
		assert.Contains(t, s, "const WALK_ORDER = ["+strings.Join(order, ", ")+"];")
	})

	t.Run("gap falls back to first selected ecosystem", func(t *testing.T) {
		walk := scriptFunction(t, s, "selectEcosystem")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(walk), "return ECOSYSTEMS[0];\n}"), walk)
	})

	t.Run("metadata share", func(t *testing.T) {
		assert.Contains(t, s, "Math.random() < METADATA_SHARE ? 'metadata' : 'download'")
		assert.InDelta(t, 0.4, traffic.MetadataShare, 1e-9)
		assert.Contains(t, s, "PARAMS.metadata_share || 0.4")
	})

	t.Run("error draw precedes valid partition", func(t *testing.T) {
		sel := scriptFunction(t, s, "selectPackage")
		draw := strings.Index(sel, "Math.random() * 100 < ERROR_RATE")
		invalid := strings.Index(sel, "randomChoice(set.invalid)")
		valid := strings.Index(sel, "tiered(set.valid)")
		require.True(t, draw >= 0 && invalid >= 0 && valid >= 0, sel)
		assert.Less(t, draw, invalid)
		assert.Less(t, invalid, valid)
	})

	t.Run("fallback versions", func(t *testing.T) {
		assert.Contains(t, s, "ecosystem === 'npm' ? '"+model.NPM.FallbackVersion()+"' : '"+model.PyPI.FallbackVersion()+"'")
		assert.Equal(t, model.PyPI.FallbackVersion(), model.Maven.FallbackVersion())
	})
}

// scriptFunction returns the source of a top-level function in the script.
func scriptFunction(t *testing.T, script, name string) string {
	t.Helper()
	start := strings.Index(script, "function "+name+"(")
	require.GreaterOrEqual(t, start, 0, "script has no function %s", name)
	end := strings.Index(script[start:], "\n}\n")
	require.GreaterOrEqual(t, end, 0)
	return script[start : start+end+3]
}

func TestScriptStatusBucketsMatchAggregator(t *testing.T) {
	rec := scriptFunction(t, string(Script), "recordStatus")
	success := strings.Index(rec, "status < 400")
	require.GreaterOrEqual(t, success, 0, "responses below 400 must count as status_2xx:\n%s", rec)
	assert.Less(t, strings.Index(rec, "status === 0"), success, "timeouts are checked first")
	assert.NotContains(t, rec, "status >= 200 && status < 300")
}
