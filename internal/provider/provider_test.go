package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

func TestHeuristic_Suggest(t *testing.T) {
	text := "Captain Ahab met Ishmael in New Bedford. 白鲸号 sailed at dawn."
	req := Request{EditionID: "ed-1", TargetType: state.TargetNode, TargetID: "n1", Text: text}

	got, err := NewHeuristic().Suggest(context.Background(), req)
	require.NoError(t, err)

	names := make([]string, 0, len(got))
	for _, s := range got {
		var v entityValue
		require.NoError(t, json.Unmarshal(s.Value, &v))
		names = append(names, v.CanonicalName)

		assert.Equal(t, EntityTable, s.Table)
		assert.Equal(t, state.OpInsert, s.Operation)
		assert.Equal(t, "n1", v.SourceNodeID)
		assert.Contains(t, entityTypes, v.EntityType)
		require.NotNil(t, s.Confidence)
	}

	assert.Equal(t, []string{"白鲸号", "Captain Ahab", "Ishmael", "New Bedford"}, names)

	again, err := NewHeuristic().Suggest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, got, again, "output is deterministic")
}

func TestHeuristic_Offsets(t *testing.T) {
	got, err := NewHeuristic().Suggest(context.Background(), Request{Text: "港口 Harbor"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	var v entityValue
	require.NoError(t, json.Unmarshal(got[1].Value, &v))
	assert.Equal(t, "Harbor", v.CanonicalName)
	require.NotNil(t, v.StartChar)
	assert.Equal(t, 3, *v.StartChar)
	assert.Equal(t, 9, *v.EndChar)
	assert.Equal(t, []string{"Ha"}, v.Aliases)
}

func TestHeuristic_LimitAndEmpty(t *testing.T) {
	got, err := NewHeuristic().Suggest(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = NewHeuristic().Suggest(context.Background(), Request{Text: "Alpha and Beta and Gamma", MaxItems: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEntityID_Stable(t *testing.T) {
	assert.Equal(t, EntityID("ed-1", "Ahab"), EntityID("ed-1", "Ahab"))
	assert.NotEqual(t, EntityID("ed-1", "Ahab"), EntityID("ed-2", "Ahab"))
}

func TestNew(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, NameHeuristic, p.Name())

	t.Setenv("SAILSYNC_TEST_KEY", "")

	_, err = New(Config{Provider: NameAnthropic, APIKeyEnv: "SAILSYNC_TEST_KEY"}, nil)
	require.ErrorIs(t, err, ErrNoAPIKey)

	t.Setenv("SAILSYNC_TEST_KEY", "sk-test")

	p, err = New(Config{Provider: NameAnthropic, APIKeyEnv: "SAILSYNC_TEST_KEY", Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, NameAnthropic, p.Name())

	_, err = New(Config{Provider: "oracle"}, nil)
	require.Error(t, err)
}

func TestDecodeJSONReply(t *testing.T) {
	var v []map[string]any

	require.NoError(t, decodeJSONReply(`[{"a":1}]`, &v))
	assert.Len(t, v, 1)

	require.NoError(t, decodeJSONReply("Here you go:\n```json\n[{\"a\":1},{\"a\":2}]\n```", &v))
	assert.Len(t, v, 2)

	err := decodeJSONReply("no json here", &v)
	require.ErrorIs(t, err, syncerr.ErrFatal)
}

func messageServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-Api-Key"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "Ahab")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)

		if status != http.StatusOK {
			io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
			return
		}

		resp := map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": reply}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		}
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestAnthropic(srv *httptest.Server) *Anthropic {
	return NewAnthropic("sk-test", Config{Model: "claude-test"}, slog.Default(), option.WithBaseURL(srv.URL))
}

func TestAnthropic_Suggest(t *testing.T) {
	reply := "```json\n" + `[{"canonical_name":"Ahab","entity_type":"character","aliases":["Captain"],"first_mention_text":"Ahab","confidence":0.9},{"canonical_name":""}]` + "\n```"
	srv := messageServer(t, http.StatusOK, reply)

	got, err := newTestAnthropic(srv).Suggest(context.Background(), Request{
		EditionID: "ed-1", TargetType: state.TargetNode, TargetID: "n1", Text: "Ahab paced the deck.",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, EntityID("ed-1", "Ahab"), got[0].ID)
	require.NotNil(t, got[0].Confidence)
	assert.InDelta(t, 0.9, *got[0].Confidence, 1e-9)

	var v entityValue
	require.NoError(t, json.Unmarshal(got[0].Value, &v))
	assert.Equal(t, "character", v.EntityType)
	assert.Equal(t, "n1", v.SourceNodeID)
}

func TestAnthropic_ErrorClassification(t *testing.T) {
	req := Request{TargetID: "n1", Text: "Ahab"}

	_, err := newTestAnthropic(messageServer(t, http.StatusBadRequest, "")).Suggest(context.Background(), req)
	require.ErrorIs(t, err, syncerr.ErrFatal)

	_, err = newTestAnthropic(messageServer(t, http.StatusServiceUnavailable, "")).Suggest(context.Background(), req)
	require.ErrorIs(t, err, syncerr.ErrTransport)
}
