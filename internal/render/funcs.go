package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

func (r Renderer) funcs(t *tracker) template.FuncMap {
	lookup := func(key string) (string, bool) {
		t.add(t.used, key)
		return r.lookup(key)
	}
	return template.FuncMap{
		// env records unset variables and renders them empty; Render fails afterwards.
		"env": func(key string) string {
			value, ok := lookup(key)
			if !ok {
				t.add(t.missing, key)
			}
			return value
		},
		"envOr": func(key, def string) string {
			if value, ok := lookup(key); ok {
				return value
			}
			return def
		},
		// file inlines a secret or certificate mounted on disk, minus the trailing newline.
		"file": func(path string) (string, error) {
			t.add(t.files, path)
			raw, err := r.readFile(path)
			if err != nil {
				return "", fmt.Errorf("file %s: %w", path, err)
			}
			return strings.TrimRight(string(raw), "\r\n"), nil
		},
		"default": func(def, value string) string {
			if value == "" {
				return def
			}
			return value
		},
		"required": func(msg, value string) (string, error) {
			if strings.TrimSpace(value) == "" {
				return "", errors.New(msg)
			}
			return value, nil
		},
		"bool": func(value string) (bool, error) {
			if value == "" {
				return false, nil
			}
			return strconv.ParseBool(value)
		},
		"quote": strconv.Quote,
		"split": func(sep, value string) []string {
			if value == "" {
				return nil
			}
			parts := strings.Split(value, sep)
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		},
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
		"lower":      strings.ToLower,
		"upper":      strings.ToUpper,
		"trimPrefix": strings.TrimPrefix,
		"trimSuffix": strings.TrimSuffix,
		"replace":    strings.ReplaceAll,
	}
}
