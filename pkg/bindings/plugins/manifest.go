package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ManifestFile is the optional per-directory plugin manifest.
const ManifestFile = "plugins.json"

// DefaultPriority orders files not given a priority.
const DefaultPriority = 100

const manifestSchemaURL = "https://scenerun.local/schemas/plugins.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "strict": {"type": "boolean"},
    "defaults": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "priority": {"type": "integer"}
      }
    },
    "allowed_files": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "blocked_files": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "plugins": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["file"],
        "properties": {
          "file": {"type": "string", "minLength": 1},
          "enabled": {"type": "boolean"},
          "priority": {"type": "integer"}
        }
      }
    }
  }
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("plugins.json schema load failed: %v", err))
	}
	return c.MustCompile(manifestSchemaURL)
}

// Manifest controls which files of a directory load and in what order.
type Manifest struct {
	Strict       bool            `json:"strict"`
	Defaults     ManifestDefault `json:"defaults"`
	AllowedFiles []string        `json:"allowed_files"`
	BlockedFiles []string        `json:"blocked_files"`
	Plugins      []ManifestEntry `json:"plugins"`
}

// ManifestDefault applies to files without their own entry.
type ManifestDefault struct {
	Enabled  *bool `json:"enabled"`
	Priority *int  `json:"priority"`
}

// ManifestEntry overrides settings for one file.
type ManifestEntry struct {
	File     string `json:"file"`
	Enabled  *bool  `json:"enabled"`
	Priority *int   `json:"priority"`
}

// fileDecision is the outcome of applying a manifest to one file name.
type fileDecision struct {
	priority int
	skip     string
}

// ParseManifest validates and decodes a plugins.json document.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &m, nil
}

// readManifest loads dir/plugins.json. A missing file yields nil, nil.
func readManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseManifest(data)
}

func (m *Manifest) entry(name string) (ManifestEntry, bool) {
	for _, e := range m.Plugins {
		if e.File == name {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// decide applies the manifest to a file name. A nil manifest enables every
// file at DefaultPriority.
func (m *Manifest) decide(name string) fileDecision {
	d := fileDecision{priority: DefaultPriority}
	if m == nil {
		return d
	}

	if matchAny(m.BlockedFiles, name) {
		d.skip = "blocked by " + ManifestFile
		return d
	}
	if len(m.AllowedFiles) > 0 && !matchAny(m.AllowedFiles, name) {
		d.skip = "not in allowed_files"
		return d
	}

	enabled := true
	if m.Defaults.Enabled != nil {
		enabled = *m.Defaults.Enabled
	}
	if m.Defaults.Priority != nil {
		d.priority = *m.Defaults.Priority
	}

	e, listed := m.entry(name)
	if m.Strict && !listed {
		d.skip = "not listed in " + ManifestFile
		return d
	}
	if listed {
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		if e.Priority != nil {
			d.priority = *e.Priority
		}
	}
	if !enabled {
		d.skip = "disabled"
	}
	return d
}

// missing lists entries naming files absent from the directory.
func (m *Manifest) missing(present map[string]bool) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, e := range m.Plugins {
		if !present[e.File] {
			out = append(out, e.File)
		}
	}
	return out
}

// matchAny reports whether name matches one of the patterns. Entries are
// plain names or doublestar globs such as "*.wasm".
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
