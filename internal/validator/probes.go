package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
)

// checkMetadata fills in the metadata half of res. It returns the document
// body when the registry answered 200.
func (v *Validator) checkMetadata(ctx context.Context, res *model.ValidationResult, target registry.Target, url string) ([]byte, bool) {
	res.MetadataURL = url
	doc, err := v.fetch(ctx, res.Ecosystem, target, url)
	if err != nil {
		res.MetadataStatus = intPtr(StatusTransportError)
		res.Error = err.Error()
		return nil, false
	}
	res.MetadataStatus = intPtr(doc.status)
	if doc.status != http.StatusOK {
		return nil, false
	}
	res.MetadataValid = true
	return doc.body, true
}

// checkDownload fills in the download half of res.
func (v *Validator) checkDownload(ctx context.Context, res *model.ValidationResult, target registry.Target, url string) error {
	res.DownloadURL = strPtr(url)
	status, err := v.head(ctx, res.Ecosystem, target, url)
	res.DownloadStatus = intPtr(status)
	if err != nil {
		res.Error = err.Error()
		return err
	}
	res.DownloadValid = status == http.StatusOK
	return nil
}

type npmPackument struct {
	Versions map[string]struct {
		Dist struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	} `json:"versions"`
}

func (v *Validator) probeNPM(ctx context.Context, target registry.Target, name, version string) model.ValidationResult {
	res := model.ValidationResult{Package: name, Version: version, Ecosystem: model.NPM}
	body, ok := v.checkMetadata(ctx, &res, target, registry.NPMPackageURL(target.BaseURL, name))
	if !ok {
		return res
	}
	var doc npmPackument
	if err := json.Unmarshal(body, &doc); err != nil {
		res.Error = fmt.Sprintf("decode packument: %v", err)
		return res
	}
	tarball := doc.Versions[version].Dist.Tarball
	if tarball == "" {
		return res
	}
	_ = v.checkDownload(ctx, &res, target, tarball)
	return res
}

// SimpleLinkPattern matches a PEP 503 anchor for a name-version sdist or wheel.
func SimpleLinkPattern(name, version string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)href="([^"]+` + regexp.QuoteMeta(name) + `-` + regexp.QuoteMeta(version) + `[^"]*\.(tar\.gz|whl))"`)
}

func (v *Validator) probePyPISimple(ctx context.Context, target registry.Target, name, version string) model.ValidationResult {
	res := model.ValidationResult{Package: name, Version: version, Ecosystem: model.PyPI}
	body, ok := v.checkMetadata(ctx, &res, target, registry.PyPISimpleURL(target.BaseURL, name))
	if !ok {
		return res
	}
	m := SimpleLinkPattern(name, version).FindSubmatch(body)
	if m == nil {
		return res
	}
	_ = v.checkDownload(ctx, &res, target, registry.ResolveLink(target.BaseURL, name, string(m[1])))
	return res
}

type pypiProject struct {
	Releases map[string][]struct {
		URL string `json:"url"`
	} `json:"releases"`
}

func (v *Validator) probePyPIJSON(ctx context.Context, target registry.Target, name, version string) model.ValidationResult {
	res := model.ValidationResult{Package: name, Version: version, Ecosystem: model.PyPI}
	body, ok := v.checkMetadata(ctx, &res, target, registry.PyPIJSONURL(target.BaseURL, name))
	if !ok {
		return res
	}
	var doc pypiProject
	if err := json.Unmarshal(body, &doc); err != nil {
		res.Error = fmt.Sprintf("decode project: %v", err)
		return res
	}
	// One file is enough; a transport failure moves on to the next file.
	for _, file := range doc.Releases[version] {
		if file.URL == "" {
			continue
		}
		if err := v.checkDownload(ctx, &res, target, file.URL); err == nil {
			break
		}
	}
	return res
}

// probeMaven checks maven-metadata.xml, which is the same document for every
// version, then the version's jar.
func (v *Validator) probeMaven(ctx context.Context, target registry.Target, pkg model.PackageRecord, version string) model.ValidationResult {
	res := model.ValidationResult{Package: pkg.ID(), Version: version, Ecosystem: model.Maven}
	group, artifact, err := pkg.Coordinates()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Package = group + ":" + artifact
	if _, ok := v.checkMetadata(ctx, &res, target, registry.MavenMetadataURL(target.BaseURL, group, artifact)); !ok {
		return res
	}
	_ = v.checkDownload(ctx, &res, target, registry.MavenJarURL(target.BaseURL, group, artifact, version))
	return res
}
