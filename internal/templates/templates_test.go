package templates_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/templates"
)

func TestLoadAndRender(t *testing.T) {
	b, err := templates.Load("RU")
	require.NoError(t, err)
	assert.Equal(t, templates.LangRU, b.Lang())

	out, err := b.Render("approval.expired", map[string]any{"ApprovalID": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "Срок согласования a1 истёк", out)

	_, err = b.Render("nope", nil)
	assert.Error(t, err)
}

func TestUnknownLanguageFallsBackToEnglish(t *testing.T) {
	b, err := templates.Load("de")
	require.NoError(t, err)
	assert.Equal(t, templates.LangEN, b.Lang())
	assert.Equal(t, "Step legal approved", templates.Text(b, "step.decided", map[string]any{"Role": "legal", "Status": "approved"}, "x"))
}

func TestTextFallback(t *testing.T) {
	assert.Equal(t, "fallback", templates.Text(nil, "step.decided", nil, "fallback"))
	b, err := templates.Load("en")
	require.NoError(t, err)
	assert.Equal(t, "fallback", templates.Text(b, "missing.key", nil, "fallback"))
}

func TestCatalogsHaveTheSameKeys(t *testing.T) {
	keys := func(path string) map[string]struct{} {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		var messages map[string]string
		require.NoError(t, json.Unmarshal(raw, &messages))
		out := map[string]struct{}{}
		for key := range messages {
			out[key] = struct{}{}
		}
		return out
	}
	assert.Equal(t, keys("data/en.json"), keys("data/ru.json"))
}

func TestNormalizeLang(t *testing.T) {
	for in, want := range map[string]string{"": "en", "RU": "ru", "ru-RU": "ru", "en-GB": "en", "fr": "en"} {
		assert.Equal(t, want, templates.NormalizeLang(in), in)
	}
}

func TestNilBundle(t *testing.T) {
	var b *templates.Bundle
	assert.Equal(t, templates.LangEN, b.Lang())
	_, err := b.Render("step.decided", nil)
	assert.Error(t, err)
}
