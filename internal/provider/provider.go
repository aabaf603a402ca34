// Package provider generates draft suggestions for a collaboration session
// target. Suggestions are proposals only: they become drafts in a session
// and reach the authoritative store through the change pipeline.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tonimelisma/sailsync/internal/state"
)

// Provider names.
const (
	NameHeuristic = "heuristic"
	NameAnthropic = "anthropic"
)

// defaultMaxItems caps suggestions per request.
const defaultMaxItems = 20

// ErrNoAPIKey is returned when the configured key variable is empty.
var ErrNoAPIKey = errors.New("provider: api key not set")

// Request is the context a provider suggests from.
type Request struct {
	EditionID  string
	TargetType state.TargetType
	TargetID   string
	Title      string
	Text       string // current value of the target
	Context    string // sibling node text, blank-line separated
	MaxItems   int
}

// Suggestion is one proposed field-level mutation.
type Suggestion struct {
	Table      string
	ID         string
	Column     string
	Operation  state.Operation
	Value      json.RawMessage
	Confidence *float64
	Notes      string
}

// Provider produces suggestions.
type Provider interface {
	Name() string
	Suggest(ctx context.Context, req Request) ([]Suggestion, error)
}

// Config selects and tunes a provider.
type Config struct {
	Provider   string
	Model      string
	APIKeyEnv  string
	MaxRetries int
	MaxTokens  int
}

// New returns the configured provider. The Anthropic provider reads its key
// from the environment variable named by APIKeyEnv.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case "", NameHeuristic:
		return NewHeuristic(), nil
	case NameAnthropic:
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: %s is empty", ErrNoAPIKey, cfg.APIKeyEnv)
		}

		return NewAnthropic(key, cfg, logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Provider)
	}
}

func maxItems(req Request) int {
	if req.MaxItems <= 0 {
		return defaultMaxItems
	}

	return req.MaxItems
}

func float(f float64) *float64 {
	return &f
}
