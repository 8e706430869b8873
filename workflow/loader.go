package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a definition document. Files ending in .json are decoded as
// JSON, everything else as YAML.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeJSON(data)
	}
	return DecodeYAML(data)
}

func DecodeJSON(data []byte) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode json: %w", err)
	}
	normalizeConfigs(&def)
	return def, nil
}

func DecodeYAML(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode yaml: %w", err)
	}
	normalizeConfigs(&def)
	return def, nil
}

// normalizeConfigs turns json.Number values into int or float64 so configs
// compare the same regardless of the source format.
func normalizeConfigs(def *Definition) {
	for i := range def.Steps {
		for j := range def.Steps[i].Automations {
			cfg := def.Steps[i].Automations[j].Config
			for k, v := range cfg {
				if n, ok := v.(json.Number); ok {
					if iv, err := n.Int64(); err == nil {
						cfg[k] = int(iv)
					} else if fv, err := n.Float64(); err == nil {
						cfg[k] = fv
					}
				}
			}
		}
	}
}
