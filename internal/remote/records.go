package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

type mutationJSON struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Column    string          `json:"column,omitempty"`
	Operation string          `json:"operation"`
	Value     json.RawMessage `json:"value,omitempty"`
	Expected  json.RawMessage `json:"expected,omitempty"`
	// ExpectAbsent distinguishes "expected absent" from "no expectation".
	ExpectAbsent bool `json:"expect_absent,omitempty"`
}

type applyRequest struct {
	Mutations []mutationJSON `json:"mutations"`
}

// FetchRecord returns the columns of one authoritative record. A missing
// record returns an error matching syncerr.ErrNotFound.
func (c *Client) FetchRecord(ctx context.Context, table, id string) (map[string]json.RawMessage, error) {
	path := "/api/v1/records/" + url.PathEscape(table) + "/" + url.PathEscape(id)

	var row map[string]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &row); err != nil {
		return nil, fmt.Errorf("remote: fetching record %s/%s: %w", table, id, err)
	}

	return row, nil
}

// ApplyMutations sends a batch the backend applies all-or-nothing. Each
// mutation carries the value the caller validated, so the backend rejects
// the batch with 412 if another writer got in between.
func (c *Client) ApplyMutations(ctx context.Context, muts []changes.Mutation) error {
	req := applyRequest{Mutations: make([]mutationJSON, 0, len(muts))}

	for _, m := range muts {
		req.Mutations = append(req.Mutations, mutationJSON{
			Table:        m.Table,
			ID:           m.ID,
			Column:       m.Column,
			Operation:    string(m.Operation),
			Value:        m.Value,
			Expected:     m.Expected,
			ExpectAbsent: m.Expected == nil,
		})
	}

	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/records/apply", req, nil); err != nil {
		return fmt.Errorf("remote: applying %d mutations: %w", len(muts), err)
	}

	return nil
}

// Authority adapts a Client to the change pipeline's view of the
// authoritative store.
type Authority struct {
	client *Client
}

// NewAuthority wraps a client.
func NewAuthority(c *Client) *Authority {
	return &Authority{client: c}
}

// Current returns the authoritative value at ref. A whole-row ref (empty
// Column) returns the row as a JSON object. Absent rows and absent columns
// return nil without error.
func (a *Authority) Current(ctx context.Context, ref changes.FieldRef) (json.RawMessage, error) {
	row, err := a.client.FetchRecord(ctx, ref.Table, ref.ID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if ref.Column == "" {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("remote: encoding record %s/%s: %w", ref.Table, ref.ID, err)
		}

		return data, nil
	}

	v, ok := row[ref.Column]
	if !ok {
		return nil, nil
	}

	return v, nil
}

// Apply forwards the batch to the backend.
func (a *Authority) Apply(ctx context.Context, muts []changes.Mutation) error {
	return a.client.ApplyMutations(ctx, muts)
}
