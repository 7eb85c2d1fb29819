package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads a Config from path, picking the decoder by file
// extension (.yaml, .yml or .json).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("config %s: extension %q not supported (want .yaml, .yml or .json)", path, ext)
	}
}

// FromYAML decodes a yaml document into a Config.
func FromYAML(data []byte) (Config, error) {
	return decode(data, yaml.Unmarshal, "yaml")
}

// FromJSON decodes a json document into a Config.
func FromJSON(data []byte) (Config, error) {
	return decode(data, json.Unmarshal, "json")
}

func decode(data []byte, unmarshal func([]byte, any) error, format string) (Config, error) {
	var m map[string]any
	if err := unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("decode %s config: %w", format, err)
	}
	return New(m), nil
}

// Merge layers overlay on top of base and returns the combined Config.
// Nested maps merge recursively; any other overlay value replaces the
// base value. Neither input is modified.
func Merge(base, overlay Config) Config {
	return New(mergeMaps(base.data, overlay.data))
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		om, okOver := v.(map[string]any)
		bm, okBase := out[k].(map[string]any)
		if okOver && okBase {
			out[k] = mergeMaps(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}
