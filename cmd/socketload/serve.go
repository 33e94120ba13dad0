package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/archive"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/output"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/promexport"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		resultsDir string
		addr       string
		cacheTTL   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve aggregated results over HTTP and as Prometheus metrics",
		Long: `Start an HTTP server over the results directory:

  GET /api/v1/tests                        tests with result files
  GET /api/v1/tests/{id}/report            full report
  GET /api/v1/tests/{id}/stats             aggregated statistics
  GET /api/v1/tests/{id}/system            load generator resources
  GET /api/v1/tests/{id}/anomalies         health score and anomalies
  GET /metrics                             gauges of every report served so far`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.resultsDir(resultsDir)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			srv := promexport.NewServer(dir, reportBuilder(dir, logger), cacheTTL, logger)
			logger.Info("serving results", zap.String("addr", addr), zap.String("dir", dir))
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	cmd.Flags().StringVar(&addr, "addr", ":9400", "Listen address")
	cmd.Flags().DurationVar(&cacheTTL, "cache-ttl", 30*time.Second, "How long an aggregated report is reused")
	return cmd
}

func newArchiveCmd(g *globalFlags) *cobra.Command {
	var (
		resultsDir string
		opts       archive.ClientOptions
		bucket     string
		prefix     string
		compress   bool
		attempts   uint
	)
	cmd := &cobra.Command{
		Use:   "archive <test-id>",
		Short: "Upload a test's result files and report to S3-compatible storage",
		Long: `Upload every result file, system metrics file and saved report of a test
to s3://{bucket}/{prefix}/{test-id}/. Credentials come from the standard AWS
chain (environment, shared config, instance role) unless given as flags.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.resultsDir(resultsDir)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger.Debug("archive target",
				zap.String("bucket", bucket),
				zap.String("endpoint", opts.Endpoint),
				zap.String("access_key", output.MaskSecret(opts.AccessKey, 4)))

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			client, err := archive.NewClient(ctx, opts)
			if err != nil {
				return err
			}
			a := &archive.Archiver{
				Client:   client,
				Bucket:   bucket,
				Prefix:   prefix,
				Compress: compress,
				Attempts: attempts,
				Logger:   logger,
			}
			objs, err := a.Archive(ctx, dir, args[0])
			if errors.Is(err, aggregator.ErrNoResults) {
				return noResults(cmd, dir, args[0])
			}
			for _, o := range objs {
				fmt.Fprintf(cmd.OutOrStdout(), "s3://%s/%s\n", bucket, o.Key)
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	fl.StringVar(&bucket, "bucket", "", "Destination bucket")
	fl.StringVar(&prefix, "prefix", "socketload", "Key prefix")
	fl.BoolVar(&compress, "compress", true, "Gzip files before upload")
	fl.UintVar(&attempts, "attempts", 3, "Upload attempts per file")
	fl.StringVar(&opts.Region, "region", "", "AWS region (default us-east-1)")
	fl.StringVar(&opts.Endpoint, "endpoint", "", "Custom S3 endpoint (MinIO, R2, ...)")
	fl.BoolVar(&opts.PathStyle, "path-style", false, "Use path-style addressing")
	fl.StringVar(&opts.AccessKey, "access-key", "", "Access key id")
	fl.StringVar(&opts.SecretKey, "secret-key", "", "Secret access key")
	_ = cmd.MarkFlagRequired("bucket")
	return cmd
}
