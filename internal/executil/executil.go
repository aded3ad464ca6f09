// Package executil renders plan step templates and runs connector and hook
// commands.
package executil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"text/template"
)

// MaxOutput bounds the captured command output.
const MaxOutput = 64 << 10

// TemplateData defines the fields available to plan and command templates.
type TemplateData struct {
	// Args are action parameters or the step payload.
	Args map[string]any
	// Connector is the target connector name.
	Connector string
	// StepID is the plan step id.
	StepID string
	// ApprovalID is the owning approval, empty before hand-off.
	ApprovalID string
	// CorrelationID links the dispatch attempt to callbacks and logs.
	CorrelationID string
}

func (d TemplateData) arg(name string) any {
	if v, ok := d.Args[name]; ok && v != nil {
		return v
	}
	return ""
}

func toJSON(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parsed caches templates by source text. Plans are rebuilt per request from
// the same handful of specs.
var parsed sync.Map

func compile(text string) (*template.Template, error) {
	if cached, ok := parsed.Load(text); ok {
		return cached.(*template.Template), nil
	}
	tmpl, err := template.New("value").Funcs(template.FuncMap{
		"arg":  TemplateData{}.arg,
		"json": toJSON,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template parse: %w", err)
	}
	parsed.Store(text, tmpl)
	return tmpl, nil
}

// RenderTemplate renders text with data. Missing args render as empty strings
// rather than "<no value>".
func RenderTemplate(text string, data TemplateData) (string, error) {
	tmpl, err := compile(text)
	if err != nil {
		return "", err
	}
	// arg is bound per call, so execute a clone.
	bound, err := tmpl.Clone()
	if err != nil {
		return "", fmt.Errorf("template clone: %w", err)
	}
	var buf bytes.Buffer
	if err := bound.Funcs(template.FuncMap{"arg": data.arg}).Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template render: %w", err)
	}
	return buf.String(), nil
}

// Command is a command line whose parts are templates.
type Command struct {
	// Name is the executable, or a bash script when Args is empty.
	Name string
	Args []string
	Env  map[string]string
}

// Result is a finished command.
type Result struct {
	// Output is the combined stdout and stderr, cut at MaxOutput.
	Output    string
	ExitCode  int
	Truncated bool
}

// Build renders c into an exec.Cmd that inherits the process environment.
func (c Command) Build(ctx context.Context, data TemplateData) (*exec.Cmd, error) {
	name, err := RenderTemplate(c.Name, data)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, len(c.Args))
	for _, arg := range c.Args {
		rendered, err := RenderTemplate(arg, data)
		if err != nil {
			return nil, err
		}
		args = append(args, rendered)
	}

	var cmd *exec.Cmd
	if len(args) == 0 {
		cmd = exec.CommandContext(ctx, "bash", "-c", name)
	} else {
		cmd = exec.CommandContext(ctx, name, args...)
	}
	cmd.Env = os.Environ()
	for key, value := range c.Env {
		rendered, err := RenderTemplate(value, data)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, key+"="+rendered)
	}
	return cmd, nil
}

// Run executes c. A non-zero exit is reported both in Result.ExitCode and as an error.
func (c Command) Run(ctx context.Context, data TemplateData) (Result, error) {
	cmd, err := c.Build(ctx, data)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	out := &capped{limit: MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	err = cmd.Run()

	res := Result{Output: out.buf.String(), ExitCode: -1, Truncated: out.truncated}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}

// capped keeps the first limit bytes and discards the rest.
type capped struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}
