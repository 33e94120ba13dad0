package packages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

const listSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "npm":   {"type": "array", "items": {"type": "string", "minLength": 1}},
    "pypi":  {"type": "array", "items": {"type": "string", "minLength": 1}},
    "maven": {"type": "array", "items": {"type": "string", "pattern": "^[^:\\s]+:[^:\\s]+$"}}
  }
}`

var listSchemaLoader = gojsonschema.NewStringLoader(listSchema)

// List is a user-supplied set of package names per ecosystem, most popular first.
type List map[model.Ecosystem][]string

// Names returns the names for eco, or nil.
func (l List) Names(eco model.Ecosystem) []string {
	return l[eco]
}

// LoadList reads a packages file. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON. The document is checked against the
// packages schema before use.
func LoadList(path string) (List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packages file: %w", err)
	}
	return ParseList(data, isYAML(path))
}

// ParseList decodes and validates a packages document.
func ParseList(data []byte, yamlDoc bool) (List, error) {
	var doc interface{}
	if yamlDoc {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse packages yaml: %w", err)
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse packages json: %w", err)
	}

	res, err := gojsonschema.Validate(listSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate packages file: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid packages file: %s", strings.Join(msgs, "; "))
	}

	raw := map[string][]string{}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	list := List{}
	for key, names := range raw {
		eco, _ := model.ParseEcosystem(key)
		list[eco] = names
	}
	return list, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
