package validator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// fakeRegistry serves a tiny npm, PyPI and Maven layout and counts hits per path.
type fakeRegistry struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (f *fakeRegistry) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{hits: map[string]int{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/npm/react", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":{
			"17.0.0":{"dist":{"tarball":"%[1]s/tarballs/gone.tgz"}},
			"18.0.0":{"dist":{"tarball":"%[1]s/redirect/react-18.0.0.tgz"}},
			"19.0.0":{"dist":{}}}}`, f.srv.URL)
	})
	mux.HandleFunc("/npm/garbled", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})
	mux.HandleFunc("/redirect/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/tarballs/react-18.0.0.tgz", http.StatusFound)
	})
	mux.HandleFunc("/tarballs/react-18.0.0.tgz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "want HEAD", http.StatusMethodNotAllowed)
			return
		}
	})
	mux.HandleFunc("/pypi/simple/requests/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<a href="/files/requests-2.30.0.tar.gz">requests-2.30.0.tar.gz</a>
<a href="/files/Requests-2.31.0-py3-none-any.whl">Requests-2.31.0-py3-none-any.whl</a>
</body></html>`))
	})
	mux.HandleFunc("/pypi/pypi/requests/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"releases":{"2.31.0":[{"url":""},{"url":"%s/files/Requests-2.31.0-py3-none-any.whl"}],"2.0.0":[]}}`, f.srv.URL)
	})
	mux.HandleFunc("/files/Requests-2.31.0-py3-none-any.whl", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/maven/junit/junit/maven-metadata.xml", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != registry.MavenUserAgent {
			http.Error(w, "bad agent", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`<metadata><versioning><versions><version>4.13</version></versions></versioning></metadata>`))
	})
	mux.HandleFunc("/maven/junit/junit/4.13/junit-4.13.jar", func(w http.ResponseWriter, r *http.Request) {})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) target(path string) registry.Target {
	return registry.Target{BaseURL: f.srv.URL + path, VerifyTLS: true}
}

func newTestValidator(cfg Config) *Validator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return New(cfg, nil)
}

func TestValidateNPMTriesVersionsInOrder(t *testing.T) {
	reg := newFakeRegistry(t)
	v := newTestValidator(Config{})

	res := v.Validate(context.Background(), model.NPM, reg.target("/npm"),
		model.PackageRecord{Name: "react", Versions: []string{"17.0.0", "18.0.0", "19.0.0"}})

	assert.True(t, res.Valid())
	assert.Equal(t, "18.0.0", res.Version)
	assert.Equal(t, 2, res.Attempts)
	require.NotNil(t, res.DownloadStatus)
	assert.Equal(t, 200, *res.DownloadStatus)
	assert.Equal(t, 1, reg.count("/npm/react"), "packument fetched once across attempts")
	assert.Equal(t, 1, reg.count("/tarballs/gone.tgz"))
}

func TestValidateKeepsLastAttempt(t *testing.T) {
	reg := newFakeRegistry(t)
	v := newTestValidator(Config{MaxAttempts: 2})

	res := v.Validate(context.Background(), model.NPM, reg.target("/npm"),
		model.PackageRecord{Name: "react", Versions: []string{"17.0.0", "19.0.0", "18.0.0"}})

	assert.False(t, res.Valid())
	assert.Equal(t, "19.0.0", res.Version)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.MetadataValid)
	assert.Nil(t, res.DownloadURL, "version without a tarball has no download probe")
	assert.Nil(t, res.DownloadStatus)
}

func TestValidateNPMMissingAndGarbled(t *testing.T) {
	reg := newFakeRegistry(t)
	v := newTestValidator(Config{})

	res := v.Validate(context.Background(), model.NPM, reg.target("/npm"), model.PackageRecord{Name: "nope"})
	assert.False(t, res.MetadataValid)
	require.NotNil(t, res.MetadataStatus)
	assert.Equal(t, 404, *res.MetadataStatus)
	assert.Equal(t, "latest", res.Version)

	res = v.Validate(context.Background(), model.NPM, reg.target("/npm"), model.PackageRecord{Name: "garbled", Versions: []string{"1.0.0"}})
	assert.True(t, res.MetadataValid)
	assert.False(t, res.DownloadValid)
	assert.NotEmpty(t, res.Error)
}

func TestValidateTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := newTestValidator(Config{Timeout: 500 * time.Millisecond})
	res := v.Validate(context.Background(), model.NPM, registry.Target{BaseURL: url, VerifyTLS: true},
		model.PackageRecord{Name: "react", Versions: []string{"18.0.0"}})

	assert.False(t, res.Valid())
	require.NotNil(t, res.MetadataStatus)
	assert.Equal(t, StatusTransportError, *res.MetadataStatus)
	assert.NotEmpty(t, res.Error)
}

func TestValidatePyPI(t *testing.T) {
	reg := newFakeRegistry(t)
	ctx := context.Background()
	pkg := model.PackageRecord{Name: "requests", Versions: []string{"2.31.0"}}

	t.Run("simple index", func(t *testing.T) {
		res := newTestValidator(Config{}).Validate(ctx, model.PyPI, reg.target("/pypi"), pkg)
		assert.True(t, res.Valid(), "%+v", res)
		require.NotNil(t, res.DownloadURL)
		assert.Equal(t, reg.srv.URL+"/files/Requests-2.31.0-py3-none-any.whl", *res.DownloadURL)
		assert.Equal(t, reg.srv.URL+"/pypi/simple/requests/", res.MetadataURL)
	})

	t.Run("simple index without matching file", func(t *testing.T) {
		res := newTestValidator(Config{}).Validate(ctx, model.PyPI, reg.target("/pypi"),
			model.PackageRecord{Name: "requests", Versions: []string{"9.9.9"}})
		assert.True(t, res.MetadataValid)
		assert.False(t, res.DownloadValid)
		assert.Nil(t, res.DownloadURL)
	})

	t.Run("json api", func(t *testing.T) {
		res := newTestValidator(Config{PyPIJSONAPI: true}).Validate(ctx, model.PyPI, reg.target("/pypi"), pkg)
		assert.True(t, res.Valid(), "%+v", res)
		assert.Equal(t, reg.srv.URL+"/pypi/pypi/requests/json", res.MetadataURL)
	})
}

func TestSimpleLinkPattern(t *testing.T) {
	re := SimpleLinkPattern("zope.interface", "5.0")
	assert.True(t, re.MatchString(`href="https://x/zope.interface-5.0.tar.gz"`))
	assert.False(t, re.MatchString(`href="https://x/zopeXinterface-5.0.tar.gz"`), "dots are literal")
	assert.False(t, re.MatchString(`href="https://x/zope.interface-5.0.zip"`))
}

func TestValidateMaven(t *testing.T) {
	reg := newFakeRegistry(t)
	v := newTestValidator(Config{})

	res := v.Validate(context.Background(), model.Maven, reg.target("/maven"),
		model.PackageRecord{Group: "junit", Artifact: "junit", Versions: []string{"4.12", "4.13"}})
	assert.True(t, res.Valid())
	assert.Equal(t, "junit:junit", res.Package)
	assert.Equal(t, "4.13", res.Version)
	assert.Equal(t, 1, reg.count("/maven/junit/junit/maven-metadata.xml"), "metadata shared across versions")
	require.NotNil(t, res.DownloadURL)
	assert.Equal(t, reg.srv.URL+"/maven/junit/junit/4.13/junit-4.13.jar", *res.DownloadURL)
}

func TestValidatePackagesPartitions(t *testing.T) {
	reg := newFakeRegistry(t)
	v := newTestValidator(Config{Concurrency: 4})

	pkgs := []model.PackageRecord{
		{Name: "broken", Versions: []string{"1"}},
		{Name: "junit:junit", Versions: []string{"4.13"}},
		{Group: "org.example", Artifact: "absent", Versions: []string{"1"}},
	}
	valid, invalid := v.ValidatePackages(context.Background(), model.Maven, reg.target("/maven"), pkgs)

	require.Len(t, valid, 1)
	assert.Equal(t, "junit:junit", valid[0].Name)
	require.NotNil(t, valid[0].Validation)
	assert.True(t, valid[0].Validation.Valid())

	require.Len(t, invalid, 2)
	assert.Equal(t, "broken", invalid[0].Name, "input order kept")
	assert.Nil(t, invalid[0].Validation.MetadataStatus, "malformed coordinate is never probed")
	assert.Equal(t, "absent", invalid[1].Artifact)
	assert.Equal(t, 0, reg.count("/maven/broken/maven-metadata.xml"))

	assert.Empty(t, pkgs[0].Validation, "input not mutated")
}

func TestValidatePackagesEmpty(t *testing.T) {
	v := newTestValidator(Config{})
	valid, invalid := v.ValidatePackages(context.Background(), model.NPM, registry.Target{}, nil)
	assert.NotNil(t, valid)
	assert.NotNil(t, invalid)
	assert.Empty(t, valid)
	assert.Empty(t, invalid)
}

func TestCandidates(t *testing.T) {
	v := newTestValidator(Config{MaxAttempts: 2})
	tests := []struct {
		eco  model.Ecosystem
		in   []string
		want []string
	}{
		{model.NPM, nil, []string{"latest"}},
		{model.PyPI, nil, []string{"1.0.0"}},
		{model.Maven, []string{"a"}, []string{"a"}},
		{model.NPM, []string{"a", "b", "c"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := v.Candidates(tt.eco, model.PackageRecord{Versions: tt.in})
		assert.Equal(t, tt.want, got, "%s %v", tt.eco, tt.in)
	}
}

// npmHandler serves one package whose tarball lives on the same server.
// When token is set, requests without "Bearer token" get 401.
func npmHandler(base func() string, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/npm/left-pad", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":{"1.3.0":{"dist":{"tarball":"%s/tarballs/left-pad-1.3.0.tgz"}}}}`, base())
	})
	mux.HandleFunc("/tarballs/left-pad-1.3.0.tgz", func(w http.ResponseWriter, r *http.Request) {})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func TestValidateRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	v := newTestValidator(Config{Timeout: 100 * time.Millisecond, MaxAttempts: 1})
	start := time.Now()
	res := v.Validate(context.Background(), model.NPM, registry.Target{BaseURL: srv.URL + "/npm", VerifyTLS: true},
		model.PackageRecord{Name: "left-pad", Versions: []string{"1.3.0"}})

	assert.Less(t, time.Since(start), 3*time.Second, "validation must be bounded by the timeout")
	assert.False(t, res.Valid())
	require.NotNil(t, res.MetadataStatus)
	assert.Equal(t, StatusTransportError, *res.MetadataStatus)
	assert.NotEmpty(t, res.Error)
}

func TestValidateTLSVerification(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewTLSServer(npmHandler(func() string { return srv.URL }, ""))
	t.Cleanup(srv.Close)

	pkg := model.PackageRecord{Name: "left-pad", Versions: []string{"1.3.0"}}
	secure := registry.Target{BaseURL: srv.URL + "/npm", VerifyTLS: true}
	insecure := registry.Target{BaseURL: srv.URL + "/npm", VerifyTLS: false}
	ctx := context.Background()

	t.Run("verify on rejects self-signed certificate", func(t *testing.T) {
		res := newTestValidator(Config{}).Validate(ctx, model.NPM, secure, pkg)
		assert.False(t, res.Valid())
		require.NotNil(t, res.MetadataStatus)
		assert.Equal(t, StatusTransportError, *res.MetadataStatus)
	})

	t.Run("verify off reaches the registry", func(t *testing.T) {
		res := newTestValidator(Config{}).Validate(ctx, model.NPM, insecure, pkg)
		assert.True(t, res.Valid(), "error: %s", res.Error)
		require.NotNil(t, res.DownloadStatus)
		assert.Equal(t, 200, *res.DownloadStatus)
	})

	t.Run("insecure document is not reused for a verifying target", func(t *testing.T) {
		v := newTestValidator(Config{})
		first := v.Validate(ctx, model.NPM, insecure, pkg)
		require.True(t, first.Valid())

		res := v.Validate(ctx, model.NPM, secure, pkg)
		assert.False(t, res.MetadataValid)
		require.NotNil(t, res.MetadataStatus)
		assert.Equal(t, StatusTransportError, *res.MetadataStatus)
	})
}

func TestValidateDocumentCachePerCredentials(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(npmHandler(func() string { return srv.URL }, "s3cret"))
	t.Cleanup(srv.Close)

	pkg := model.PackageRecord{Name: "left-pad", Versions: []string{"1.3.0"}}
	anon := registry.Target{BaseURL: srv.URL + "/npm", VerifyTLS: true}
	authed := registry.Target{BaseURL: srv.URL + "/npm", VerifyTLS: true, Auth: registry.Auth{Token: "s3cret"}}
	v := newTestValidator(Config{})

	res := v.Validate(context.Background(), model.NPM, anon, pkg)
	require.NotNil(t, res.MetadataStatus)
	assert.Equal(t, http.StatusUnauthorized, *res.MetadataStatus)

	res = v.Validate(context.Background(), model.NPM, authed, pkg)
	assert.True(t, res.Valid(), "error: %s", res.Error)
}

func TestCacheKey(t *testing.T) {
	url := "https://registry.example/npm/react"
	base := registry.Target{VerifyTLS: true}
	keys := map[string]string{
		"verify":   cacheKey(model.NPM, base, url),
		"insecure": cacheKey(model.NPM, registry.Target{}, url),
		"token a":  cacheKey(model.NPM, registry.Target{VerifyTLS: true, Auth: registry.Auth{Token: "a"}}, url),
		"token b":  cacheKey(model.NPM, registry.Target{VerifyTLS: true, Auth: registry.Auth{Token: "b"}}, url),
	}
	seen := map[string]string{}
	for name, k := range keys {
		if other, dup := seen[k]; dup {
			t.Errorf("%s and %s share cache key %q", name, other, k)
		}
		seen[k] = name
		assert.NotContains(t, k, "Bearer", "credentials must not appear in the key")
	}
	assert.Equal(t, keys["verify"], cacheKey(model.NPM, base, url))
}
