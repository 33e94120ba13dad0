package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/k6"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
)

// Generator runs one load generator to completion and leaves its result
// file in resultsDir on this host.
type Generator interface {
	ID() string
	Run(ctx context.Context, p k6.Params, b k6.Bundle, resultsDir string) (*k6.Result, error)
}

type localGenerator struct {
	id     string
	runner *k6.Runner
}

// LocalGenerator runs k6 on this host through runner.
func LocalGenerator(id string, runner *k6.Runner) Generator {
	return &localGenerator{id: id, runner: runner}
}

func (g *localGenerator) ID() string { return g.id }

func (g *localGenerator) Run(ctx context.Context, p k6.Params, b k6.Bundle, resultsDir string) (*k6.Result, error) {
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(resultsDir)
	if err != nil {
		return nil, err
	}
	return g.runner.Run(ctx, p, b, abs, g.id)
}

type remoteGenerator struct {
	id  string
	gen *remote.Generator
}

// RemoteGenerator runs k6 over SSH and fetches the result file back.
func RemoteGenerator(id string, gen *remote.Generator) Generator {
	return &remoteGenerator{id: id, gen: gen}
}

func (g *remoteGenerator) ID() string { return g.id }

func (g *remoteGenerator) Run(ctx context.Context, p k6.Params, b k6.Bundle, resultsDir string) (*k6.Result, error) {
	return g.gen.Run(ctx, p, b, g.id, resultsDir)
}
