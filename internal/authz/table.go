package authz

import (
	"sort"
	"strings"
)

// Intents handled by the control plane itself.
const (
	IntentStepDecide     = "chain.step.decide"
	IntentApprovalDecide = "approval.decide"
	IntentDispatch       = "approval.dispatch"
)

// Table maps intents, connectors and approval roles to permissions.
type Table struct {
	// Intents maps an intent name to its permissions.
	Intents map[string][]string
	// Connectors maps a connector name to the permissions needed to touch it.
	Connectors map[string][]string
	// Roles maps a chain step role to the permissions needed to decide it.
	Roles map[string][]string
}

// DefaultTable returns the built-in permission table.
func DefaultTable() Table {
	return Table{
		Intents: map[string][]string{
			"deployment.release":  {"deploy:release"},
			"deployment.rollback": {"deploy:rollback"},
			"config.update":       {"config:write"},
			"records.export":      {"records:export"},
			"access.grant":        {"access:admin"},
			"connector.rotate":    {"connector:admin", "secrets:write"},
			IntentApprovalDecide:  {"approval:decide"},
			IntentDispatch:        {"approval:dispatch"},
		},
		Connectors: map[string][]string{},
		Roles:      map[string][]string{},
	}
}

// Merge returns a copy of t with entries from other added or replaced.
func (t Table) Merge(other Table) Table {
	out := Table{
		Intents:    copyTable(t.Intents),
		Connectors: copyTable(t.Connectors),
		Roles:      copyTable(t.Roles),
	}
	for key, value := range other.Intents {
		out.Intents[normalize(key)] = append([]string(nil), value...)
	}
	for key, value := range other.Connectors {
		out.Connectors[normalize(key)] = append([]string(nil), value...)
	}
	for key, value := range other.Roles {
		out.Roles[normalize(key)] = append([]string(nil), value...)
	}
	return out
}

// Required computes the lower-cased, de-duplicated permission set for a request.
// An intent missing from the table requires "intent:<name>" so the set is never empty.
func (t Table) Required(intent string, connectors []string, approvalRole string) []string {
	var perms []string
	if role := normalize(approvalRole); role != "" {
		if listed, ok := lookup(t.Roles, role); ok && len(listed) > 0 {
			perms = append(perms, listed...)
		} else {
			perms = append(perms, "approve:"+role)
		}
	} else {
		name := normalize(intent)
		if listed, ok := lookup(t.Intents, name); ok && len(listed) > 0 {
			perms = append(perms, listed...)
		} else {
			perms = append(perms, "intent:"+name)
		}
	}
	for _, connector := range connectors {
		if listed, ok := lookup(t.Connectors, normalize(connector)); ok {
			perms = append(perms, listed...)
		}
	}
	return normalizeSet(perms)
}

func lookup(table map[string][]string, key string) ([]string, bool) {
	if table == nil {
		return nil, false
	}
	if value, ok := table[key]; ok {
		return value, true
	}
	for name, value := range table {
		if normalize(name) == key {
			return value, true
		}
	}
	return nil, false
}

func copyTable(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for key, value := range in {
		out[normalize(key)] = append([]string(nil), value...)
	}
	return out
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = normalize(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
