package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

const defaultAnthropicMaxTokens = 2048

const extractionSystemPrompt = `You extract named entities from manuscript text for an editorial database.
Respond with a JSON array only. Each element has the keys
"canonical_name" (string), "entity_type" (one of character, location, item, organization, concept),
"aliases" (array of strings), "first_mention_text" (string, verbatim from the text) and
"confidence" (number between 0 and 1). Return [] when nothing qualifies.`

// Anthropic suggests entities with a Claude model through the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewAnthropic creates an Anthropic provider. Extra options are appended
// after the configured ones.
func NewAnthropic(apiKey string, cfg Config, logger *slog.Logger, opts ...option.RequestOption) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}

	all := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	all = append(all, opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &Anthropic{
		client:    anthropic.NewClient(all...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Name implements Provider.
func (*Anthropic) Name() string { return NameAnthropic }

type extracted struct {
	CanonicalName    string   `json:"canonical_name"`
	EntityType       string   `json:"entity_type"`
	Aliases          []string `json:"aliases"`
	FirstMentionText string   `json:"first_mention_text"`
	Confidence       *float64 `json:"confidence"`
}

// Suggest implements Provider.
func (a *Anthropic) Suggest(ctx context.Context, req Request) ([]Suggestion, error) {
	if req.Text == "" {
		return nil, nil
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: extractionSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(req))),
		},
	})
	if err != nil {
		return nil, classify(req.TargetID, err)
	}

	var text strings.Builder

	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	a.logger.Debug("provider response",
		slog.String("target_id", req.TargetID),
		slog.Int64("input_tokens", msg.Usage.InputTokens),
		slog.Int64("output_tokens", msg.Usage.OutputTokens),
	)

	var items []extracted
	if err := decodeJSONReply(text.String(), &items); err != nil {
		return nil, err
	}

	limit := maxItems(req)
	out := make([]Suggestion, 0, min(len(items), limit))

	for _, it := range items {
		if len(out) == limit {
			break
		}

		if it.CanonicalName == "" {
			continue
		}

		v := entityValue{
			EditionID:        req.EditionID,
			CanonicalName:    it.CanonicalName,
			EntityType:       it.EntityType,
			Aliases:          it.Aliases,
			FirstMentionText: it.FirstMentionText,
		}

		if v.Aliases == nil {
			v.Aliases = []string{}
		}

		if req.TargetType == state.TargetNode {
			v.SourceNodeID = req.TargetID
		}

		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("provider: encoding suggestion: %w", err)
		}

		out = append(out, Suggestion{
			Table:      EntityTable,
			ID:         EntityID(req.EditionID, it.CanonicalName),
			Operation:  state.OpInsert,
			Value:      data,
			Confidence: it.Confidence,
			Notes:      a.model,
		})
	}

	return out, nil
}

func userPrompt(req Request) string {
	var b strings.Builder

	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", req.Title)
	}

	fmt.Fprintf(&b, "Text:\n%s\n", req.Text)

	if req.Context != "" {
		fmt.Fprintf(&b, "\nSurrounding text, for context only:\n%s\n", req.Context)
	}

	return b.String()
}

// decodeJSONReply parses a model reply that may wrap its JSON in a fenced
// code block.
func decodeJSONReply(reply string, v any) error {
	reply = strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(reply), v); err == nil {
		return nil
	}

	var kept []string

	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}

		kept = append(kept, line)
	}

	if err := json.Unmarshal([]byte(strings.Join(kept, "\n")), v); err != nil {
		return syncerr.New(syncerr.ErrFatal, "provider.decode", "", fmt.Errorf("unparseable reply: %w", err))
	}

	return nil
}

// classify maps SDK errors onto the taxonomy. Rate limits, server errors,
// and network failures are transport failures; the SDK has already retried
// them.
func classify(target string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return syncerr.New(syncerr.ErrTransport, "provider.suggest", target, err)
		}

		return syncerr.New(syncerr.ErrFatal, "provider.suggest", target, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return syncerr.New(syncerr.ErrTransport, "provider.suggest", target, err)
}
