// Package render expands configuration files written as text/template
// documents before they are decoded as YAML.
package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/codex-k8s/governance-plane/internal/maputil"
)

// Renderer expands configuration templates. The zero value reads the process
// environment and the local filesystem.
type Renderer struct {
	// Lookup resolves environment variables.
	Lookup func(key string) (string, bool)
	// ReadFile loads files referenced through the file helper.
	ReadFile func(path string) ([]byte, error)
}

// Report lists the variables and files a render referenced.
type Report struct {
	Used    []string
	Missing []string
	Files   []string
}

// tracker collects references during one render.
type tracker struct {
	used    map[string]struct{}
	missing map[string]struct{}
	files   map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{
		used:    map[string]struct{}{},
		missing: map[string]struct{}{},
		files:   map[string]struct{}{},
	}
}

func (t *tracker) add(set map[string]struct{}, key string) {
	set[key] = struct{}{}
}

func (t *tracker) report() Report {
	return Report{
		Used:    maputil.SortedKeys(t.used),
		Missing: maputil.SortedKeys(t.missing),
		Files:   maputil.SortedKeys(t.files),
	}
}

func (r Renderer) lookup(key string) (string, bool) {
	if r.Lookup != nil {
		return r.Lookup(key)
	}
	return os.LookupEnv(key)
}

func (r Renderer) readFile(path string) ([]byte, error) {
	if r.ReadFile != nil {
		return r.ReadFile(path)
	}
	return os.ReadFile(path)
}

// Render expands raw and reports every referenced variable and file. Unset
// variables read through env fail the render as a group.
func (r Renderer) Render(name string, raw []byte) ([]byte, Report, error) {
	if strings.TrimSpace(name) == "" {
		name = "config"
	}
	t := newTracker()
	tmpl, err := template.New(name).Funcs(r.funcs(t)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, Report{}, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	execErr := tmpl.Execute(&buf, map[string]any{})
	report := t.report()
	if len(report.Missing) > 0 {
		return nil, report, fmt.Errorf("missing env vars: %s", strings.Join(report.Missing, ", "))
	}
	if execErr != nil {
		return nil, report, fmt.Errorf("render template: %w", execErr)
	}
	return buf.Bytes(), report, nil
}

// RenderFile loads and renders a configuration template file.
func RenderFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return RenderBytes(path, raw)
}

// RenderBytes renders raw with the process environment.
func RenderBytes(name string, raw []byte) ([]byte, error) {
	out, _, err := Renderer{}.Render(name, raw)
	return out, err
}
