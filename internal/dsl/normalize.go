package dsl

import (
	"fmt"
	"slices"
	"strings"
)

// normalize canonicalizes names and references before validation so that
// lookups elsewhere can compare strings directly.
func normalize(cfg *Config) error {
	cfg.Policy.Mode = strings.ToLower(strings.TrimSpace(cfg.Policy.Mode))
	cfg.Server.Transport = strings.ToLower(strings.TrimSpace(cfg.Server.Transport))
	for key, ref := range cfg.Policy.Routes {
		cfg.Policy.Routes[key] = strings.TrimSpace(ref)
	}

	for i := range cfg.ChainTemplates {
		tpl := &cfg.ChainTemplates[i]
		tpl.Name = strings.TrimSpace(tpl.Name)
		for j := range tpl.Steps {
			tpl.Steps[j].Role = strings.TrimSpace(tpl.Steps[j].Role)
		}
	}

	for i := range cfg.Connectors {
		conn := &cfg.Connectors[i]
		conn.Name = connectorName(conn.Name)
		conn.Type = strings.ToLower(strings.TrimSpace(conn.Type))
		conn.Method = strings.ToUpper(strings.TrimSpace(conn.Method))
	}

	for i := range cfg.Intents {
		intent := &cfg.Intents[i]
		intent.Name = strings.TrimSpace(intent.Name)
		intent.Connectors = uniqueNames(intent.Connectors, connectorName)
		for j := range intent.Steps {
			step := &intent.Steps[j]
			step.ID = strings.TrimSpace(step.ID)
			step.Connector = connectorName(step.Connector)
			step.Requires = uniqueNames(step.Requires, strings.TrimSpace)
			payload, err := payloadObject(step.Payload)
			if err != nil {
				return fmt.Errorf("intents[%d].steps[%d].payload: %w", i, j, err)
			}
			step.Payload = payload
		}
	}
	return nil
}

func connectorName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// uniqueNames applies clean to every item and drops empties and repeats, keeping order.
func uniqueNames(items []string, clean func(string) string) []string {
	if len(items) == 0 {
		return items
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = clean(item)
		if item == "" || slices.Contains(out, item) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// payloadObject converts a decoded YAML payload into values encoding/json accepts.
func payloadObject(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	out, err := jsonValue(payload)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func jsonValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			converted, err := jsonValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = converted
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			switch key.(type) {
			case string, int, int64, uint64, float64, bool:
			default:
				return nil, fmt.Errorf("unsupported key type %T", key)
			}
			name := fmt.Sprint(key)
			if _, dup := out[name]; dup {
				return nil, fmt.Errorf("key %q appears twice", name)
			}
			converted, err := jsonValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			converted, err := jsonValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = converted
		}
		return out, nil
	default:
		return value, nil
	}
}
