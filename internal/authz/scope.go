package authz

import (
	"fmt"
	"strings"
)

// ParseScope builds a Scope from entries like "*", "intent:config.update",
// "permission:deploy:release" or "connector:github".
func ParseScope(entries []string) (Scope, error) {
	var scope Scope
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			scope.Wildcard = true
			continue
		}
		kind, value, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(value) == "" {
			return Scope{}, fmt.Errorf("invalid scope entry %q", entry)
		}
		switch normalize(kind) {
		case "intent":
			scope.Intents = append(scope.Intents, normalize(value))
		case "permission":
			scope.Permissions = append(scope.Permissions, normalize(value))
		case "connector":
			scope.Connectors = append(scope.Connectors, normalize(value))
		default:
			return Scope{}, fmt.Errorf("unknown scope kind %q", kind)
		}
	}
	return scope, nil
}
