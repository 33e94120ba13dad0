// Package archive uploads the files of a finished test to S3-compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// PutObjectAPI is the part of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientOptions configures the S3 client. Empty credentials fall back to the
// default AWS chain (environment, shared config, instance role).
type ClientOptions struct {
	Region    string
	Endpoint  string // custom endpoint for S3-compatible stores
	PathStyle bool
	AccessKey string
	SecretKey string
}

// NewClient builds an S3 client.
func NewClient(ctx context.Context, opts ClientOptions) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Object is one uploaded file.
type Object struct {
	Path string `json:"path"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Archiver uploads a test's files under {Prefix}/{testID}/.
type Archiver struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	// Compress gzips files that are not compressed already and appends
	// ".gz" to their key.
	Compress bool
	Attempts uint
	Logger   *zap.Logger
}

// Files lists what belongs to testID in dir: result files, system metric
// files and the aggregated report.
func Files(dir, testID string) ([]string, error) {
	files, err := aggregator.FindResults(dir, testID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w for %s in %s", aggregator.ErrNoResults, testID, dir)
	}
	system, err := filepath.Glob(model.SystemMetricsGlob(dir, testID))
	if err != nil {
		return nil, err
	}
	files = append(files, model.FilterTestFiles(system, testID)...)
	report := filepath.Join(dir, model.ReportFileName(testID))
	if _, err := os.Stat(report); err == nil {
		files = append(files, report)
	}
	sort.Strings(files)
	return files, nil
}

// Key is the object key of a local file.
func (a *Archiver) Key(testID, file string) string {
	name := filepath.Base(file)
	if a.Compress && !strings.HasSuffix(name, ".gz") {
		name += ".gz"
	}
	return path.Join(a.Prefix, testID, name)
}

// Archive uploads every file of testID in dir. Uploads are sequential; a
// failure stops the run and reports what was uploaded so far.
func (a *Archiver) Archive(ctx context.Context, dir, testID string) ([]Object, error) {
	if a.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	files, err := Files(dir, testID)
	if err != nil {
		return nil, err
	}
	logger := a.logger()

	var uploaded []Object
	for _, f := range files {
		obj, err := a.upload(ctx, testID, f)
		if err != nil {
			return uploaded, err
		}
		logger.Info("archived",
			zap.String("file", f),
			zap.String("bucket", a.Bucket),
			zap.String("key", obj.Key),
			zap.Int64("bytes", obj.Size))
		uploaded = append(uploaded, obj)
	}
	return uploaded, nil
}

func (a *Archiver) upload(ctx context.Context, testID, file string) (Object, error) {
	key := a.Key(testID, file)
	body, size, cleanup, err := a.body(file)
	if err != nil {
		return Object{}, err
	}
	defer cleanup()

	contentType := "application/json"
	if strings.HasSuffix(key, ".gz") {
		contentType = "application/gzip"
	}

	attempts := a.Attempts
	if attempts == 0 {
		attempts = 3
	}
	err = retry.Do(
		func() error {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return err
			}
			_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(a.Bucket),
				Key:           aws.String(key),
				Body:          body,
				ContentLength: aws.Int64(size),
				ContentType:   aws.String(contentType),
				Metadata:      map[string]string{"test-id": testID},
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.logger().Warn("upload failed, retrying", zap.String("key", key), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Object{Path: file, Key: key, Size: size}, nil
}

// body opens file for upload, gzipping it into a temporary file first when
// compression applies. The returned reader is seekable for retries.
func (a *Archiver) body(file string) (io.ReadSeeker, int64, func(), error) {
	src, err := os.Open(file)
	if err != nil {
		return nil, 0, nil, err
	}
	if !a.Compress || strings.HasSuffix(file, ".gz") {
		fi, err := src.Stat()
		if err != nil {
			src.Close()
			return nil, 0, nil, err
		}
		return src, fi.Size(), func() { src.Close() }, nil
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "socketload-archive-*.gz")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, src); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("compress %s: %w", file, err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("compress %s: %w", file, err)
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return tmp, size, cleanup, nil
}

func (a *Archiver) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
