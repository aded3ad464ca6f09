package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/executil"
)

// Step readiness states.
const (
	StatusReady   = "ready"
	StatusBlocked = "blocked"
)

// ErrUnknownIntent is returned when no spec exists for an intent.
var ErrUnknownIntent = errors.New("unknown intent")

// Step is one connector-bound unit of an execution plan. Steps are never mutated after Build.
type Step struct {
	// ID identifies the step within its plan.
	ID string `json:"id"`
	// Description is the human-readable summary.
	Description string `json:"description"`
	// Connector is the target connector name.
	Connector string `json:"connector"`
	// Status is "ready" or "blocked".
	Status string `json:"status"`
	// Payload is the connector-specific body.
	Payload map[string]any `json:"payload,omitempty"`
	// BlockedReason explains a blocked step.
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// StepSpec declares how to build one plan step.
type StepSpec struct {
	ID          string
	Description string
	Connector   string
	// Requires lists action parameters that must be present for the step to be ready.
	Requires []string
	// Payload values may contain templates such as {{ arg "ref" }}.
	Payload map[string]any
}

// IntentSpec declares an intent the engine accepts.
type IntentSpec struct {
	Name        string
	Description string
	// Governed intents require human approval before dispatch.
	Governed bool
	// Connectors lists connectors the intent touches besides its steps.
	Connectors []string
	Steps      []StepSpec
}

// TouchedConnectors returns the sorted union of declared and step connectors.
func (s IntentSpec) TouchedConnectors() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, name := range s.Connectors {
		add(name)
	}
	for _, step := range s.Steps {
		add(step.Connector)
	}
	sort.Strings(out)
	return out
}

// Builder produces plans from intent specs.
type Builder struct {
	intents map[string]IntentSpec
}

// NewBuilder indexes specs by lower-cased name.
func NewBuilder(specs []IntentSpec) *Builder {
	b := &Builder{intents: make(map[string]IntentSpec, len(specs))}
	for _, spec := range specs {
		b.intents[strings.ToLower(strings.TrimSpace(spec.Name))] = spec
	}
	return b
}

// Intent returns the spec for name.
func (b *Builder) Intent(name string) (IntentSpec, bool) {
	if b == nil {
		return IntentSpec{}, false
	}
	spec, ok := b.intents[strings.ToLower(strings.TrimSpace(name))]
	return spec, ok
}

// Intents returns all specs sorted by name.
func (b *Builder) Intents() []IntentSpec {
	if b == nil {
		return nil
	}
	out := make([]IntentSpec, 0, len(b.intents))
	for _, spec := range b.intents {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build renders the plan for intent with the given action parameters.
func (b *Builder) Build(intent string, params map[string]any) ([]Step, error) {
	spec, ok := b.Intent(intent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intent)
	}
	steps := make([]Step, 0, len(spec.Steps))
	for i, stepSpec := range spec.Steps {
		id := stepSpec.ID
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		step := Step{ID: id, Connector: stepSpec.Connector, Status: StatusReady}
		data := executil.TemplateData{Args: params, Connector: stepSpec.Connector, StepID: id}

		var missing []string
		for _, name := range stepSpec.Requires {
			if value, ok := params[name]; !ok || value == nil || value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			step.Status = StatusBlocked
			step.BlockedReason = "missing parameters: " + strings.Join(missing, ", ")
		}

		description, err := executil.RenderTemplate(stepSpec.Description, data)
		if err != nil {
			return nil, fmt.Errorf("step %s description: %w", id, err)
		}
		step.Description = description

		if step.Status == StatusReady {
			payload, err := renderValue(stepSpec.Payload, data)
			if err != nil {
				return nil, fmt.Errorf("step %s payload: %w", id, err)
			}
			if m, ok := payload.(map[string]any); ok {
				step.Payload = m
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func renderValue(value any, data executil.TemplateData) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		return executil.RenderTemplate(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// Encode serializes steps for persistence.
func Encode(steps []Step) (json.RawMessage, error) {
	if steps == nil {
		steps = []Step{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return data, nil
}

// Decode parses a persisted plan.
func Decode(raw json.RawMessage) ([]Step, error) {
	var steps []Step
	if len(raw) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return steps, nil
}
