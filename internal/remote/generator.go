package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/k6"
)

// DefaultWorkDir is where bundles and results live on a generator.
const DefaultWorkDir = "/tmp/socketload"

// downloadTimeout bounds fetching results after an interrupted run.
const downloadTimeout = 5 * time.Minute

// Generator runs k6 on one remote host.
type Generator struct {
	Client  *Client
	WorkDir string
	Binary  string
	Logger  *zap.Logger
}

// Run uploads the bundle, runs k6 and downloads the result file into
// localResultsDir. Results are fetched even when ctx was cancelled so an
// interrupted test can still be aggregated.
func (g *Generator) Run(ctx context.Context, p k6.Params, local k6.Bundle, loadGenID, localResultsDir string) (*k6.Result, error) {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workDir := g.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}
	workDir = path.Join(workDir, p.TestID)

	remoteBundle := k6.Bundle{
		Dir:        workDir,
		ScriptPath: path.Join(workDir, k6.ScriptName),
		ParamsPath: path.Join(workDir, k6.ParamsName(p.TestID)),
	}
	if err := g.Client.UploadFile(ctx, local.ScriptPath, remoteBundle.ScriptPath); err != nil {
		return nil, err
	}
	if err := g.Client.UploadFile(ctx, local.ParamsPath, remoteBundle.ParamsPath); err != nil {
		return nil, err
	}

	runner := &k6.Runner{Exec: &Executor{Client: g.Client}, Binary: g.Binary, Logger: logger}
	res, runErr := runner.Run(ctx, p, remoteBundle, workDir, loadGenID)
	if res == nil {
		return nil, runErr
	}

	if err := os.MkdirAll(localResultsDir, 0755); err != nil {
		return res, err
	}
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
	defer cancel()
	localPath := filepath.Join(localResultsDir, path.Base(res.ResultsPath))
	if err := g.Client.DownloadFile(dlCtx, res.ResultsPath, localPath); err != nil {
		return res, fmt.Errorf("fetch results from %s: %w", g.Client.Host().Key(), err)
	}
	logger.Info("fetched results", zap.String("host", g.Client.Host().Key()), zap.String("path", localPath))
	res.ResultsPath = localPath
	return res, runErr
}
