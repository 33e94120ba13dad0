// Package registry knows how each ecosystem's client talks to a registry:
// identity headers, credentials and URL layout. It is shared by the
// metadata fetcher, the validator and the k6 parameter builder so the
// probes look like the traffic the load test sends.
package registry

import (
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Client identities sent as User-Agent, one per ecosystem.
const (
	NPMUserAgent   = "npm/10.0.0 node/v20.0.0"
	PyPIUserAgent  = "pip/23.0 CPython/3.11.0"
	MavenUserAgent = "Apache-Maven/3.9.0 (Java 17.0.0)"
)

// Auth holds the credentials for one registry. Token wins over
// username/password when both are set; Maven only uses basic auth.
type Auth struct {
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Empty reports whether no credential is configured.
func (a Auth) Empty() bool {
	return a.Token == "" && a.Username == "" && a.Password == ""
}

// Authorization returns the Authorization header value for eco, or "".
func (a Auth) Authorization(eco model.Ecosystem) string {
	switch eco {
	case model.NPM:
		if a.Token != "" {
			return "Bearer " + a.Token
		}
	case model.PyPI:
		if a.Token != "" {
			return basic("__token__", a.Token)
		}
	}
	if a.Username != "" && a.Password != "" {
		return basic(a.Username, a.Password)
	}
	return ""
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Headers returns the request headers a real client of eco would send.
func Headers(eco model.Ecosystem, auth Auth) http.Header {
	h := http.Header{}
	switch eco {
	case model.NPM:
		h.Set("User-Agent", NPMUserAgent)
		h.Set("Accept", "application/json")
	case model.PyPI:
		// Some registries reject anything narrower than */* on the simple index.
		h.Set("User-Agent", PyPIUserAgent)
		h.Set("Accept", "*/*")
	case model.Maven:
		h.Set("User-Agent", MavenUserAgent)
		h.Set("Accept", "application/xml")
	}
	if v := auth.Authorization(eco); v != "" {
		h.Set("Authorization", v)
	}
	return h
}

// Target is one registry endpoint as seen by a network-calling function.
// VerifyTLS is threaded explicitly; there is no process-wide switch.
type Target struct {
	BaseURL   string
	Auth      Auth
	VerifyTLS bool
}

// NewHTTPClient returns a client with the given per-request timeout.
// With verifyTLS false, certificate verification is skipped for this
// client only.
func NewHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via --insecure
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// --- URL layout ---

// TrimBase strips trailing slashes from a registry base URL.
func TrimBase(base string) string { return strings.TrimRight(base, "/") }

// JoinBase combines a shared base URL with a per-ecosystem path.
// The path gets a leading slash when it lacks one.
func JoinBase(base, path string) string {
	base = TrimBase(base)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// NPMPackageURL is the packument URL.
func NPMPackageURL(base, name string) string {
	return TrimBase(base) + "/" + name
}

// PyPISimpleURL is the PEP 503 project page.
func PyPISimpleURL(base, name string) string {
	return TrimBase(base) + "/simple/" + name + "/"
}

// PyPIJSONURL is the warehouse JSON API document.
func PyPIJSONURL(base, name string) string {
	return TrimBase(base) + "/pypi/" + name + "/json"
}

// MavenArtifactBase is {base}/{group path}/{artifact}.
func MavenArtifactBase(base, group, artifact string) string {
	return TrimBase(base) + "/" + strings.ReplaceAll(group, ".", "/") + "/" + artifact
}

// MavenMetadataURL is the artifact's version listing.
func MavenMetadataURL(base, group, artifact string) string {
	return MavenArtifactBase(base, group, artifact) + "/maven-metadata.xml"
}

// MavenJarURL is the primary jar of one version.
func MavenJarURL(base, group, artifact, version string) string {
	return MavenArtifactBase(base, group, artifact) + "/" + version + "/" + artifact + "-" + version + ".jar"
}

// ResolveLink turns an href found on a PyPI simple page into an absolute URL.
// Absolute links are kept, host-relative links reuse the registry's scheme
// and host, anything else is relative to the project page.
func ResolveLink(base, name, href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	base = TrimBase(base)
	if strings.HasPrefix(href, "/") {
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			return base + href
		}
		return u.Scheme + "://" + u.Host + href
	}
	return base + "/simple/" + name + "/" + href
}
