package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, `
unknown_section = "value"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownKey_Typo(t *testing.T) {
	path := writeTestConfig(t, "lease_tll = \"5m\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_ttl")
}

func TestLoad_UnknownKey_InsideTable(t *testing.T) {
	path := writeTestConfig(t, "[collab]\nlease_ttl = \"5m\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a top-level key")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"debounc", "debounce", 1},
		{"lease_tll", "lease_ttl", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch(t *testing.T) {
	known := []string{"lease_ttl", "log_level", "log_file"}
	assert.Equal(t, "log_file", closestMatch("log_fil", known))
	assert.Equal(t, "", closestMatch("completely_unrelated", known))
}
