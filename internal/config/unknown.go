package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid flat top-level keys in the config file. They
// correspond to fields in the embedded sub-config structs.
var knownKeys = map[string]bool{
	// Sync settings
	"backend_url": true, "backend_token": true, "workspace_dir": true, "state_dir": true,
	"sync_enabled": true, "auto_sync_interval_seconds": true, "conflict_strategy": true,
	"debounce": true, "sync_workers": true, "remote_notifications": true,
	// Retry settings
	"request_retries": true, "max_attempts": true, "base_backoff": true, "max_backoff": true,
	// Collaboration settings
	"lease_ttl": true, "idle_timeout": true, "reap_interval": true,
	// Review settings
	"trust_sync_resolution": true, "default_reviewer": true, "auto_apply_on_approve": true,
	// Provider settings
	"provider": true, "provider_model": true, "provider_api_key_env": true,
	"provider_timeout": true, "provider_max_retries": true, "provider_max_tokens": true,
	// Logging settings
	"log_level": true, "log_file": true, "log_format": true, "log_retention_days": true,
	// Network settings
	"connect_timeout": true, "data_timeout": true, "user_agent": true,
	// Local API
	"listen_addr": true,
}

// knownKeysList is sorted for deterministic suggestions when two candidates
// have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// buildKeyError reports the leaf of a dotted key because a table header like
// [sync] is the common mistake when every key is top-level.
func buildKeyError(keyStr string) error {
	parts := strings.Split(keyStr, ".")
	fieldName := parts[len(parts)-1]

	if suggestion := closestMatch(fieldName, knownKeysList); suggestion != "" {
		if len(parts) > 1 && suggestion == fieldName {
			return fmt.Errorf("unknown config key %q: %q must be a top-level key, not inside [%s]",
				keyStr, fieldName, strings.Join(parts[:len(parts)-1], "."))
		}

		return fmt.Errorf("unknown config key %q, did you mean %q?", keyStr, suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
