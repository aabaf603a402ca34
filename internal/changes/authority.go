package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"

	"github.com/tonimelisma/sailsync/internal/state"
)

// FieldRef addresses one value in the authoritative store. An empty Column
// addresses the whole row.
type FieldRef struct {
	Table  string
	ID     string
	Column string
}

func (r FieldRef) String() string {
	if r.Column == "" {
		return r.Table + "/" + r.ID
	}

	return r.Table + "/" + r.ID + "." + r.Column
}

// Mutation is one write in an atomic batch. Expected is the value the
// pipeline validated immediately before sending; nil means "absent".
type Mutation struct {
	Table     string
	ID        string
	Column    string
	Operation state.Operation
	Value     json.RawMessage
	Expected  json.RawMessage
}

// Authority is the remote system of record. Apply must be all-or-nothing:
// either every mutation lands or none does.
type Authority interface {
	// Current returns the value at ref, or nil when it is absent.
	Current(ctx context.Context, ref FieldRef) (json.RawMessage, error)
	Apply(ctx context.Context, muts []Mutation) error
}

func itemRef(it *state.ChangeItem) FieldRef {
	return FieldRef{Table: it.TargetTable, ID: it.TargetID, Column: it.Column}
}

// forward returns the mutation that applies it.
func forward(it *state.ChangeItem) Mutation {
	return Mutation{
		Table:     it.TargetTable,
		ID:        it.TargetID,
		Column:    it.Column,
		Operation: it.Operation,
		Value:     it.NewValue,
		Expected:  it.OldValue,
	}
}

// inverse returns the mutation that undoes it.
func inverse(it *state.ChangeItem) Mutation {
	m := Mutation{
		Table:    it.TargetTable,
		ID:       it.TargetID,
		Column:   it.Column,
		Value:    it.OldValue,
		Expected: it.NewValue,
	}

	switch it.Operation {
	case state.OpInsert:
		m.Operation = state.OpDelete
		m.Value = nil
	case state.OpDelete:
		m.Operation = state.OpInsert
	default:
		m.Operation = state.OpUpdate
	}

	return m
}

// jsonEqual compares two JSON documents structurally. nil (absent) only
// equals nil; the JSON literal null is a present value.
func jsonEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if bytes.Equal(a, b) {
		return true
	}

	var av, bv any

	if err := decodeNumber(a, &av); err != nil {
		return false
	}

	if err := decodeNumber(b, &bv); err != nil {
		return false
	}

	return reflect.DeepEqual(av, bv)
}

func decodeNumber(data []byte, v *any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	return dec.Decode(v)
}

// display renders a JSON value for error messages.
func display(v json.RawMessage) string {
	if v == nil {
		return "<absent>"
	}

	const maxLen = 120
	if len(v) > maxLen {
		return string(v[:maxLen]) + "..."
	}

	return string(v)
}
