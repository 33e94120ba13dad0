package packages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// FetcherConfig tunes version discovery.
type FetcherConfig struct {
	Timeout     time.Duration // per request
	MaxVersions int           // versions kept per package
	Attempts    uint          // tries per package on transport errors and 5xx
	Concurrency int           // packages fetched in parallel
	RPS         float64       // request rate cap, 0 = unlimited
}

// DefaultFetcherConfig matches the discovery limits of the load generators.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:     30 * time.Second,
		MaxVersions: 5,
		Attempts:    3,
		Concurrency: 8,
	}
}

// Fetcher discovers recent versions of packages from a registry.
type Fetcher struct {
	cfg      FetcherConfig
	secure   *http.Client
	insecure *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewFetcher builds a fetcher. Zero config fields take their defaults.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	def := DefaultFetcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = def.MaxVersions
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		secure:   registry.NewHTTPClient(cfg.Timeout, true),
		insecure: registry.NewHTTPClient(cfg.Timeout, false),
		logger:   logger,
	}
	if cfg.RPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return f
}

// Fetch returns one record per name, in input order. A package whose
// versions cannot be discovered gets the ecosystem fallback version.
// Malformed Maven coordinates are dropped.
func (f *Fetcher) Fetch(ctx context.Context, eco model.Ecosystem, target registry.Target, names []string) ([]model.PackageRecord, error) {
	results := make([]*model.PackageRecord, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, name := range names {
		i, name := i, name
		if eco == model.Maven {
			if _, _, err := model.ParseCoordinates(name); err != nil {
				f.logger.Warn("dropping package", zap.String("ecosystem", eco.String()), zap.Error(err))
				continue
			}
		}
		g.Go(func() error {
			rec := f.fetchOne(gctx, eco, target, name)
			results[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]model.PackageRecord, 0, len(names))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, eco model.Ecosystem, target registry.Target, name string) model.PackageRecord {
	var (
		versions []string
		err      error
	)
	switch eco {
	case model.NPM:
		versions, err = f.npmVersions(ctx, target, name)
	case model.PyPI:
		versions, err = f.pypiVersions(ctx, target, name)
	case model.Maven:
		versions, err = f.mavenVersions(ctx, target, name)
	default:
		err = fmt.Errorf("unknown ecosystem %q", eco)
	}
	if err != nil {
		f.logger.Debug("version discovery failed, using fallback",
			zap.String("ecosystem", eco.String()),
			zap.String("package", name),
			zap.Error(err))
		return fallbackRecord(eco, name)
	}
	if len(versions) == 0 {
		versions = []string{eco.FallbackVersion()}
	}
	return newRecord(eco, name, versions)
}

func (f *Fetcher) npmVersions(ctx context.Context, target registry.Target, name string) ([]string, error) {
	body, err := f.get(ctx, model.NPM, target, registry.NPMPackageURL(target.BaseURL, name))
	if err != nil {
		return nil, err
	}
	keys, err := objectKeys(body, "versions")
	if err != nil {
		return nil, err
	}
	return firstN(keys, f.cfg.MaxVersions), nil
}

func (f *Fetcher) pypiVersions(ctx context.Context, target registry.Target, name string) ([]string, error) {
	body, err := f.get(ctx, model.PyPI, target, registry.PyPIJSONURL(target.BaseURL, name))
	if err != nil {
		return nil, err
	}
	keys, err := objectKeys(body, "releases")
	if err != nil {
		return nil, err
	}
	return lastN(keys, f.cfg.MaxVersions), nil
}

var mavenVersionRe = regexp.MustCompile(`<version>([^<]+)</version>`)

func (f *Fetcher) mavenVersions(ctx context.Context, target registry.Target, coords string) ([]string, error) {
	group, artifact, err := model.ParseCoordinates(coords)
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, model.Maven, target, registry.MavenMetadataURL(target.BaseURL, group, artifact))
	if err != nil {
		return nil, err
	}
	return lastN(MavenVersions(body), f.cfg.MaxVersions), nil
}

// MavenVersions lists every <version> element of a maven-metadata.xml in
// document order.
func MavenVersions(doc []byte) []string {
	var versions []string
	for _, m := range mavenVersionRe.FindAllSubmatch(doc, -1) {
		versions = append(versions, string(m[1]))
	}
	return versions
}

type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.url, e.status)
}

// get fetches url, retrying transport errors and 5xx responses.
func (f *Fetcher) get(ctx context.Context, eco model.Ecosystem, target registry.Target, url string) ([]byte, error) {
	client := f.secure
	if !target.VerifyTLS {
		client = f.insecure
	}
	headers := registry.Headers(eco, target.Auth)

	var body []byte
	err := retry.Do(
		func() error {
			if f.limiter != nil {
				if err := f.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header = headers.Clone()
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, resp.Body)
				return &statusError{url: url, status: resp.StatusCode}
			}
			body, err = io.ReadAll(resp.Body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.cfg.Attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.status >= 500
			}
			return ctx.Err() == nil
		}),
	)
	return body, err
}

// objectKeys returns the keys of the top-level object field, in document
// order. A missing field yields no keys.
func objectKeys(doc []byte, field string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if key != field {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			// null or a non-object: no versions
			if ok {
				return nil, fmt.Errorf("field %q is not an object", field)
			}
			return nil, nil
		}
		var keys []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			if k, ok := tok.(string); ok {
				keys = append(keys, k)
			}
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
		return keys, nil
	}
	return nil, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func skipValue(dec *json.Decoder) error {
	var raw json.RawMessage
	return dec.Decode(&raw)
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lastN(s []string, n int) []string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
