package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks the decoder by file extension; anything but .yaml/.yml is JSON.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// coerceToJSONBytes rewrites YAML input as JSON so both formats go through
// the same strict decoder. JSON input is returned unchanged.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := formatOf(path)
	if format == "json" {
		return data, format, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(jsonable(doc))
	if err != nil {
		return nil, format, fmt.Errorf("yaml to json: %w", err)
	}
	return out, format, nil
}

// jsonable stringifies non-string map keys (e.g. `1: x`), which yaml allows
// and encoding/json rejects.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = jsonable(x)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[fmt.Sprint(k)] = jsonable(x)
		}
		return m
	case []any:
		for i, x := range t {
			t[i] = jsonable(x)
		}
		return t
	default:
		return v
	}
}
