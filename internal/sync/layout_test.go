package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"First Light", "First-Light"},
		{"  a / b : c  ", "a-b-c"},
		{"Chapter 1. The Sea", "Chapter-1-The-Sea"},
		{"第一章 出航", "第一章-出航"},
		{"???", ""},
		{"café", "café"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, slug(tt.in), tt.in)
	}
}

func TestLayoutTree(t *testing.T) {
	nodes := []*remote.Node{
		{ID: "vol-0001", Title: "Volume One", OrderIndex: 1},
		{ID: "ch-aaaa1111", ParentID: "vol-0001", Title: "Arrival", OrderIndex: 1},
		{ID: "ch-bbbb2222", ParentID: "vol-0001", Title: "Arrival", OrderIndex: 1},
		{ID: "ch-untitled", ParentID: "vol-0001", Title: "", OrderIndex: 2},
		{ID: "sec-1", ParentID: "ch-aaaa1111", Title: "Dock", OrderIndex: 1},
	}

	paths := LayoutTree("ed-1", nodes)

	assert.Equal(t, map[string]string{
		"vol-0001":    "ed-1/001-Volume-One.md",
		"ch-aaaa1111": "ed-1/001-Volume-One/001-Arrival.md",
		"ch-bbbb2222": "ed-1/001-Volume-One/001-Arrival-ch-bbbb2.md",
		"ch-untitled": "ed-1/001-Volume-One/002-ch-untit.md",
		"sec-1":       "ed-1/001-Volume-One/001-Arrival/001-Dock.md",
	}, paths)
}

func TestAggregate(t *testing.T) {
	recs := func(statuses ...state.Status) []*state.Record {
		out := make([]*state.Record, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, &state.Record{Status: s})
		}

		return out
	}

	assert.Equal(t, OverallSynced, Aggregate(nil, nil).Overall)
	assert.Equal(t, OverallSynced, Aggregate(recs(state.StatusSynced, state.StatusSynced), nil).Overall)
	assert.Equal(t, OverallPending, Aggregate(recs(state.StatusSynced, state.StatusPendingUpload), nil).Overall)
	assert.Equal(t, OverallPending, Aggregate(recs(state.StatusPushing), nil).Overall)

	sum := Aggregate(
		recs(state.StatusModified, state.StatusConflict, state.StatusSynced, state.StatusModified),
		[]*state.QueueEntry{{NodeID: "a", Exhausted: true}, {NodeID: "b"}},
	)
	assert.Equal(t, OverallConflict, sum.Overall)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Counts[state.StatusModified])
	assert.Equal(t, 1, sum.NeedsAttention)
}

func TestRebuildManifests(t *testing.T) {
	f := newFixture(t)
	f.seed()

	f.write("s1", "edited\n")
	f.sync("s1")

	editions, err := f.engine.RebuildManifests(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ed-1"}, editions)

	m, err := f.engine.ReadManifest("ed-1")
	require.NoError(t, err)
	require.Len(t, m.Nodes, 3)

	byID := make(map[string]*ManifestEntry)
	for _, n := range m.Nodes {
		byID[n.ID] = n
	}

	assert.Equal(t, "ed-1/001-Opening/001-First-Light.md", byID["s1"].FilePath)
	assert.Equal(t, "ch1", byID["s1"].ParentID)
	assert.Equal(t, state.StatusSynced, byID["s1"].SyncStatus)
	assert.Equal(t, "chapter", byID["ch1"].NodeType)

	_, err = f.engine.ReadManifest("other")
	require.Error(t, err)
}

func TestRunWatch_SyncsNotifiedNodes(t *testing.T) {
	f := newFixture(t)
	f.seed()

	local := make(chan detector.Change, 1)
	events := make(chan remote.Event, 1)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)

	go func() {
		done <- f.engine.RunWatch(ctx, WatchOpts{Interval: time.Hour, Local: local, Remote: events})
	}()

	f.write("s1", "typed while watching\n")
	local <- detector.Change{NodeID: "s1"}

	f.remote.edit("s2", "pushed by a colleague\n")
	events <- remote.Event{NodeID: "s2"}

	require.Eventually(t, func() bool {
		return f.remote.content("s1") == "typed while watching\n" && f.read("s2") == "pushed by a colleague\n"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
