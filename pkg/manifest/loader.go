package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/scenerun/scenerun/pkg/engine"
)

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the format from a file extension. Unknown extensions are YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".cue":
		return FormatCUE
	default:
		return FormatYAML
	}
}

// LoadFile reads, parses and validates the manifest at path.
func LoadFile(path string) (*engine.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInvalidManifestError([]string{fmt.Sprintf("read manifest: %v", err)}).
			WithResource(path)
	}
	scene, err := Load(data, FormatFromPath(path))
	if err != nil {
		if e, ok := err.(*engine.EngineError); ok {
			return nil, e.WithResource(path)
		}
		return nil, err
	}
	return scene, nil
}

// Load parses and validates manifest bytes in the given format.
func Load(data []byte, format Format) (*engine.Scene, error) {
	scene, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if err := Validate(scene); err != nil {
		return nil, err
	}
	return scene, nil
}

// Parse decodes manifest bytes without validating them.
func Parse(data []byte, format Format) (*engine.Scene, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, engine.NewInvalidManifestError([]string{"manifest is empty"})
	}

	scene := &engine.Scene{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, scene); err != nil {
			return nil, parseError(format, err)
		}
	case FormatCUE:
		exported, err := exportCUE(data)
		if err != nil {
			return nil, parseError(format, err)
		}
		if err := json.Unmarshal(exported, scene); err != nil {
			return nil, parseError(format, err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, scene); err != nil {
			return nil, parseError(FormatYAML, err)
		}
	default:
		return nil, engine.NewInvalidManifestError([]string{fmt.Sprintf("unsupported manifest format: %s", format)})
	}
	return scene, nil
}

// exportCUE evaluates a CUE manifest and exports it as concrete JSON.
func exportCUE(data []byte) ([]byte, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename("manifest.cue"))
	if err := val.Err(); err != nil {
		return nil, err
	}
	return val.MarshalJSON()
}

func parseError(format Format, err error) *engine.EngineError {
	return engine.NewInvalidManifestError([]string{fmt.Sprintf("parse %s: %v", format, err)})
}
