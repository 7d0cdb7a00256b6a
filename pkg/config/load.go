package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a flat YAML settings file:
//
//	store_dir: /var/lib/graphdb
//	ha.server_id: 1
//	ha.initial_hosts: [10.0.0.1:5001, 10.0.0.2:5001]
//	ha.pull_interval: 5s
//
// Overrides are applied on top of the file before validation.
func Load(path string, overrides map[string]string) (Config, error) {
	params := make(map[string]string)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if params, err = ParseYAML(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for k, v := range overrides {
		params[k] = v
	}
	return FromMap(params)
}

// ParseYAML flattens a YAML document into setting strings. Sequences become
// comma separated lists.
func ParseYAML(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			params[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("%w: %s must be a scalar or a list", ErrInvalidValue, k)
		default:
			params[k] = fmt.Sprint(val)
		}
	}
	return params, nil
}
