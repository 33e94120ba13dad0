package traffic

import (
	"fmt"
	"strings"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// URL returns the address the k6 script requests for req.
//
// npm requests the packument for both kinds and PyPI the simple index for
// both kinds; Maven metadata is maven-metadata.xml and downloads fetch the
// jar. This is the request mix the script sends.
func URL(req Request, baseURL string) (string, error) {
	switch req.Ecosystem {
	case model.NPM:
		return registry.NPMPackageURL(baseURL, req.Package.ID()), nil
	case model.PyPI:
		return registry.PyPISimpleURL(baseURL, req.Package.ID()), nil
	case model.Maven:
		group, artifact, err := req.Package.Coordinates()
		if err != nil {
			return "", err
		}
		if req.Kind == Metadata {
			return registry.MavenMetadataURL(baseURL, group, artifact), nil
		}
		return registry.MavenJarURL(baseURL, group, artifact, req.Version), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEcosystem, req.Ecosystem)
}

// PreviewSize is how many requests a dry run draws to show the mix.
const PreviewSize = 1000

// Preview draws n requests for a dry run. Requests whose ecosystem has no
// packages are skipped.
func (m *Model) Preview(n int) []Request {
	out := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		if req, ok := m.Next(); ok {
			out = append(out, req)
		}
	}
	return out
}

// Mix tallies a sample of requests by ecosystem and kind.
type Mix struct {
	Total     int                     `json:"total"`
	Ecosystem map[model.Ecosystem]int `json:"ecosystem"`
	Metadata  int                     `json:"metadata"`
	Download  int                     `json:"download"`
	Injected  int                     `json:"injected"`
	TopTier   int                     `json:"top_tier"`
}

// Tally counts reqs.
func Tally(reqs []Request) Mix {
	mix := Mix{Ecosystem: make(map[model.Ecosystem]int)}
	for _, r := range reqs {
		mix.Total++
		mix.Ecosystem[r.Ecosystem]++
		if r.Kind == Metadata {
			mix.Metadata++
		} else {
			mix.Download++
		}
		if r.Injected {
			mix.Injected++
		}
		if r.TopTier {
			mix.TopTier++
		}
	}
	return mix
}

func (m Mix) pct(n int) float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(n) / float64(m.Total) * 100
}

// String renders the mix on one line, ecosystems in walk order.
func (m Mix) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d requests:", m.Total)
	for _, eco := range model.Ecosystems {
		if n, ok := m.Ecosystem[eco]; ok {
			fmt.Fprintf(&b, " %s %.1f%%", eco, m.pct(n))
		}
	}
	fmt.Fprintf(&b, ", metadata %.1f%%, download %.1f%%, top tier %.1f%%, injected errors %.1f%%",
		m.pct(m.Metadata), m.pct(m.Download), m.pct(m.TopTier), m.pct(m.Injected))
	return b.String()
}
