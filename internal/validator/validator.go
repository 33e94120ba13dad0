// Package validator probes candidate packages against a registry and splits
// a package list into the ones that are safe to put in the traffic mix
// (metadata and a concrete artifact both resolve) and the ones that are not.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// StatusTransportError is recorded when a probe never got an HTTP response.
const StatusTransportError = 0

// Config controls probing.
type Config struct {
	Timeout     time.Duration // per probe
	MaxAttempts int           // candidate versions tried per package
	Concurrency int           // packages validated in parallel
	RPS         float64       // probe rate cap across all workers, 0 = unlimited
	PyPIJSONAPI bool          // use /pypi/{name}/json instead of the simple index
	CacheTTL    time.Duration // lifetime of cached metadata documents
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		Concurrency: 8,
		CacheTTL:    10 * time.Minute,
	}
}

// Validator classifies packages. It is safe for concurrent use.
type Validator struct {
	cfg      Config
	secure   *http.Client
	insecure *http.Client
	limiter  *rate.Limiter
	docs     *gocache.Cache
	logger   *zap.Logger
}

// New returns a validator. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger) *Validator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		cfg:      cfg,
		secure:   registry.NewHTTPClient(cfg.Timeout, true),
		insecure: registry.NewHTTPClient(cfg.Timeout, false),
		docs:     gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:   logger,
	}
	if cfg.RPS > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return v
}

// Candidates returns the versions Validate will try for pkg, in order.
func (v *Validator) Candidates(eco model.Ecosystem, pkg model.PackageRecord) []string {
	if len(pkg.Versions) == 0 {
		return []string{eco.FallbackVersion()}
	}
	n := len(pkg.Versions)
	if n > v.cfg.MaxAttempts {
		n = v.cfg.MaxAttempts
	}
	return pkg.Versions[:n]
}

// Validate tries up to MaxAttempts versions of pkg and returns the result
// of the first version whose metadata and artifact both resolve, or the
// result of the last version tried. Network faults never surface as errors;
// they are recorded as status 0.
func (v *Validator) Validate(ctx context.Context, eco model.Ecosystem, target registry.Target, pkg model.PackageRecord) model.ValidationResult {
	var res model.ValidationResult
	for i, version := range v.Candidates(eco, pkg) {
		res = v.probe(ctx, eco, target, pkg, version)
		res.Attempts = i + 1
		if res.Valid() {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return res
}

func (v *Validator) probe(ctx context.Context, eco model.Ecosystem, target registry.Target, pkg model.PackageRecord, version string) model.ValidationResult {
	switch eco {
	case model.NPM:
		return v.probeNPM(ctx, target, pkg.Name, version)
	case model.PyPI:
		if v.cfg.PyPIJSONAPI {
			return v.probePyPIJSON(ctx, target, pkg.Name, version)
		}
		return v.probePyPISimple(ctx, target, pkg.Name, version)
	case model.Maven:
		return v.probeMaven(ctx, target, pkg, version)
	}
	return model.ValidationResult{Package: pkg.ID(), Version: version, Ecosystem: eco, Error: "unknown ecosystem"}
}

// ValidatePackages validates every package and partitions them, keeping the
// input order inside each partition. Each returned record carries its
// ValidationResult. Maven records without a parseable group:artifact are
// invalid without any probe.
func (v *Validator) ValidatePackages(ctx context.Context, eco model.Ecosystem, target registry.Target, pkgs []model.PackageRecord) (valid, invalid []model.PackageRecord) {
	results := make([]model.PackageRecord, len(pkgs))
	var done int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for i, pkg := range pkgs {
		i, pkg := i, pkg
		if eco == model.Maven {
			if _, _, err := pkg.Coordinates(); err != nil {
				pkg.Validation = &model.ValidationResult{
					Package:   pkg.ID(),
					Ecosystem: eco,
					Error:     err.Error(),
				}
				results[i] = pkg
				continue
			}
		}
		g.Go(func() error {
			res := v.Validate(gctx, eco, target, pkg)
			pkg.Validation = &res
			results[i] = pkg
			if !res.Valid() {
				v.logFailure(res)
			}
			if n := atomic.AddInt32(&done, 1); n%10 == 0 {
				v.logger.Debug("validation progress",
					zap.String("ecosystem", eco.String()),
					zap.Int32("done", n),
					zap.Int("total", len(pkgs)))
			}
			return nil
		})
	}
	_ = g.Wait()

	valid = []model.PackageRecord{}
	invalid = []model.PackageRecord{}
	for _, rec := range results {
		if rec.Validation.Valid() {
			valid = append(valid, rec)
		} else {
			invalid = append(invalid, rec)
		}
	}
	v.logger.Info("validation complete",
		zap.String("ecosystem", eco.String()),
		zap.Int("valid", len(valid)),
		zap.Int("invalid", len(invalid)))
	return valid, invalid
}

func (v *Validator) logFailure(res model.ValidationResult) {
	fields := []zap.Field{
		zap.String("ecosystem", res.Ecosystem.String()),
		zap.String("package", res.Package),
		zap.String("version", res.Version),
	}
	if !res.MetadataValid {
		fields = append(fields, zap.Intp("metadata_status", res.MetadataStatus), zap.String("url", res.MetadataURL))
		v.logger.Debug("metadata check failed", fields...)
		return
	}
	fields = append(fields, zap.Intp("download_status", res.DownloadStatus))
	if res.DownloadURL != nil {
		fields = append(fields, zap.String("url", *res.DownloadURL))
	}
	v.logger.Debug("download check failed", fields...)
}

// --- HTTP ---

type document struct {
	status int
	body   []byte
}

func (v *Validator) client(target registry.Target) *http.Client {
	if target.VerifyTLS {
		return v.secure
	}
	return v.insecure
}

func (v *Validator) wait(ctx context.Context) error {
	if v.limiter == nil {
		return nil
	}
	return v.limiter.Wait(ctx)
}

// cacheKey identifies a document by URL and by how it was fetched: a
// response obtained without certificate checks or with other credentials
// is never served to a different target.
func cacheKey(eco model.Ecosystem, target registry.Target, url string) string {
	key := url + "|tls=" + strconv.FormatBool(target.VerifyTLS)
	if authz := target.Auth.Authorization(eco); authz != "" {
		sum := sha256.Sum256([]byte(authz))
		key += "|auth=" + hex.EncodeToString(sum[:8])
	}
	return key
}

// fetch GETs a metadata document. Responses are cached per cacheKey so the
// version attempts of one package share a single request. Transport
// failures are not cached.
func (v *Validator) fetch(ctx context.Context, eco model.Ecosystem, target registry.Target, url string) (document, error) {
	key := cacheKey(eco, target, url)
	if cached, ok := v.docs.Get(key); ok {
		return cached.(document), nil
	}
	if err := v.wait(ctx); err != nil {
		return document{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return document{}, err
	}
	req.Header = registry.Headers(eco, target.Auth)
	resp, err := v.client(target).Do(req)
	if err != nil {
		return document{}, err
	}
	defer resp.Body.Close()

	doc := document{status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		if doc.body, err = io.ReadAll(resp.Body); err != nil {
			return document{}, err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	v.docs.SetDefault(key, doc)
	return doc, nil
}

// head probes an artifact URL, following redirects.
func (v *Validator) head(ctx context.Context, eco model.Ecosystem, target registry.Target, url string) (int, error) {
	if err := v.wait(ctx); err != nil {
		return StatusTransportError, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return StatusTransportError, err
	}
	req.Header = registry.Headers(eco, target.Auth)
	resp, err := v.client(target).Do(req)
	if err != nil {
		return StatusTransportError, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }
