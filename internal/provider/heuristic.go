package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tonimelisma/sailsync/internal/state"
)

// EntityTable is the authoritative table entity suggestions insert into.
const EntityTable = "entities"

var entityTypes = []string{"character", "location", "item", "organization", "concept"}

var (
	cjkRun      = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,5}`)
	titlePhrase = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})\b`)
)

const heuristicConfidence = 0.5

// Heuristic is an offline provider that proposes entities from CJK runs and
// capitalized phrases. Output is deterministic for a given text.
type Heuristic struct{}

// NewHeuristic returns the heuristic provider.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name implements Provider.
func (*Heuristic) Name() string { return NameHeuristic }

type entityValue struct {
	EditionID        string   `json:"edition_id,omitempty"`
	CanonicalName    string   `json:"canonical_name"`
	EntityType       string   `json:"entity_type"`
	Aliases          []string `json:"aliases"`
	FirstMentionText string   `json:"first_mention_text"`
	StartChar        *int     `json:"start_char"`
	EndChar          *int     `json:"end_char"`
	SourceNodeID     string   `json:"source_node_id,omitempty"`
}

// Suggest implements Provider.
func (*Heuristic) Suggest(_ context.Context, req Request) ([]Suggestion, error) {
	if req.Text == "" {
		return nil, nil
	}

	names := candidates(req.Text, maxItems(req))
	types := stableTypes(req.Text, len(names))

	out := make([]Suggestion, 0, len(names))

	for i, name := range names {
		v := entityValue{
			EditionID:        req.EditionID,
			CanonicalName:    name,
			EntityType:       types[i],
			Aliases:          aliases(name),
			FirstMentionText: name,
		}

		if req.TargetType == state.TargetNode {
			v.SourceNodeID = req.TargetID
		}

		if b := strings.Index(req.Text, name); b >= 0 {
			start := utf8.RuneCountInString(req.Text[:b])
			end := start + utf8.RuneCountInString(name)
			v.StartChar, v.EndChar = &start, &end
		}

		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("provider: encoding suggestion: %w", err)
		}

		out = append(out, Suggestion{
			Table:      EntityTable,
			ID:         EntityID(req.EditionID, name),
			Operation:  state.OpInsert,
			Value:      data,
			Confidence: float(heuristicConfidence),
			Notes:      "heuristic: " + types[i],
		})
	}

	return out, nil
}

// EntityID derives a stable entity ID so repeated suggestions for the same
// name in an edition target the same row.
func EntityID(editionID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(editionID+"/"+name)).String()
}

// candidates returns unique CJK runs then capitalized phrases, in order of
// appearance within each group.
func candidates(text string, limit int) []string {
	seen := make(map[string]bool)

	var out []string

	add := func(s string) {
		if !seen[s] && len(out) < limit {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, m := range cjkRun.FindAllString(text, -1) {
		add(m)
	}

	for _, m := range titlePhrase.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	return out
}

// stableTypes picks an entity type per candidate from a generator seeded by
// the text hash.
func stableTypes(text string, n int) []string {
	sum := sha256.Sum256([]byte(text))
	rnd := rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))

	out := make([]string, n)
	for i := range out {
		out[i] = entityTypes[rnd.IntN(len(entityTypes))]
	}

	return out
}

func aliases(name string) []string {
	runes := []rune(name)
	if len(runes) <= 2 {
		return []string{}
	}

	return []string{string(runes[:2])}
}
