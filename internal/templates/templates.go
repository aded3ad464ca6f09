// Package templates holds operator-facing messages in every supported language.
package templates

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

//go:embed data/*.json
var catalogs embed.FS

// Supported languages.
const (
	LangEN = "en"
	LangRU = "ru"
)

// Renderer renders localized messages by key.
type Renderer interface {
	Render(key string, data any) (string, error)
}

type catalog map[string]*template.Template

var (
	parseOnce sync.Once
	parsed    map[string]catalog
	parseErr  error
)

// parseAll reads every embedded catalog once per process.
func parseAll() (map[string]catalog, error) {
	parseOnce.Do(func() {
		parsed = map[string]catalog{}
		for _, lang := range []string{LangEN, LangRU} {
			c, err := parseCatalog(lang)
			if err != nil {
				parseErr = err
				return
			}
			parsed[lang] = c
		}
	})
	return parsed, parseErr
}

func parseCatalog(lang string) (catalog, error) {
	raw, err := catalogs.ReadFile("data/" + lang + ".json")
	if err != nil {
		return nil, fmt.Errorf("read %s messages: %w", lang, err)
	}
	var messages map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode %s messages: %w", lang, err)
	}
	out := make(catalog, len(messages))
	for key, text := range messages {
		tmpl, err := template.New(key).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s message %s: %w", lang, key, err)
		}
		out[key] = tmpl
	}
	return out, nil
}

// Bundle renders messages in one language, falling back to English per key.
type Bundle struct {
	lang     string
	primary  catalog
	fallback catalog
}

// Load returns the bundle for lang. Unknown languages get English.
func Load(lang string) (*Bundle, error) {
	all, err := parseAll()
	if err != nil {
		return nil, err
	}
	lang = NormalizeLang(lang)
	return &Bundle{lang: lang, primary: all[lang], fallback: all[LangEN]}, nil
}

// NormalizeLang maps unknown or empty languages to English.
func NormalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if base, _, ok := strings.Cut(lang, "-"); ok {
		lang = base
	}
	if lang == LangRU {
		return LangRU
	}
	return LangEN
}

// Lang returns the bundle language.
func (b *Bundle) Lang() string {
	if b == nil {
		return LangEN
	}
	return b.lang
}

// Render renders the message for key.
func (b *Bundle) Render(key string, data any) (string, error) {
	if b == nil {
		return "", fmt.Errorf("messages not loaded")
	}
	tmpl, ok := b.primary[key]
	if !ok {
		if tmpl, ok = b.fallback[key]; !ok {
			return "", fmt.Errorf("unknown message %q", key)
		}
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("message %s: %w", key, err)
	}
	return out.String(), nil
}

// Text renders key through r, or returns fallback when r is nil or fails.
func Text(r Renderer, key string, data any, fallback string) string {
	if r == nil {
		return fallback
	}
	if out, err := r.Render(key, data); err == nil {
		return out
	}
	return fallback
}
