package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value using a dot-notation path such as
// "dispatch.default_timeout" or "policy.windows.0.name". A "window:NAME"
// address returns that window's settings.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity resolves type:name addresses. Only windows are addressable.
func (c *Config) GetEntity(address string) (any, error) {
	kind, name, _ := strings.Cut(address, ":")
	switch kind {
	case "window":
		if name == "" {
			return c.Policy.Windows, nil
		}
		for _, w := range c.Policy.Windows {
			if w.Name == name {
				return w, nil
			}
		}
		return nil, fmt.Errorf("window %q not found", name)
	default:
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		switch node := current.(type) {
		case map[string]any:
			val, exists := node[part]
			if !exists {
				return nil, fmt.Errorf("path %q: key %q not found", path, part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index %q out of range", path, part)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q breaks at %q (not a map or list)", path, part)
		}
	}

	return current, nil
}
