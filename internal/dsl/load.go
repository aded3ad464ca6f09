package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/governance-plane/internal/render"
)

// Load parses YAML bytes into Config and validates it. Unknown fields are rejected.
func Load(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile renders the config template at path and loads the result.
func LoadFile(path string) (*Config, error) {
	data, err := render.RenderFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// LoadTemplate renders raw as a config template and loads the result.
func LoadTemplate(name string, raw []byte) (*Config, error) {
	data, err := render.RenderBytes(name, raw)
	if err != nil {
		return nil, err
	}
	return Load(data)
}
