package timeutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

func TestParseDurationOrDefault(t *testing.T) {
	assert.Equal(t, 5*time.Second, timeutil.ParseDurationOrDefault("", 5*time.Second))
	assert.Equal(t, 5*time.Second, timeutil.ParseDurationOrDefault("soon", 5*time.Second))
	assert.Equal(t, time.Minute, timeutil.ParseDurationOrDefault("1m", 5*time.Second))
}

func TestFormatAndParse(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2026-03-01T11:00:00Z", timeutil.Format(ts))
	assert.Equal(t, "", timeutil.Format(time.Time{}))
	assert.Equal(t, "", timeutil.FormatPtr(nil))

	parsed, err := timeutil.ParseOptional("2026-03-01T11:00:00Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
	none, err := timeutil.ParseOptional(" ")
	require.NoError(t, err)
	assert.Nil(t, none)
	_, err = timeutil.ParseOptional("yesterday")
	assert.Error(t, err)
}
