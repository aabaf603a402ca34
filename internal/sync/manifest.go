package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/tonimelisma/sailsync/internal/state"
)

// ManifestName is the per-edition index file written next to the node files.
const ManifestName = ".sailsync-manifest.json"

// ManifestEntry describes one materialized node.
type ManifestEntry struct {
	ID              string       `json:"id"`
	FilePath        string       `json:"file_path"`
	Title           string       `json:"title"`
	NodeType        string       `json:"node_type"`
	ParentID        string       `json:"parent_id,omitempty"`
	OrderIndex      int          `json:"order_index"`
	RemoteUpdatedAt time.Time    `json:"remote_updated_at"`
	LocalUpdatedAt  time.Time    `json:"local_updated_at"`
	SyncStatus      state.Status `json:"sync_status"`
}

// Manifest is the edition index. It is derived from the record store and
// can always be rebuilt from it.
type Manifest struct {
	EditionID   string           `json:"edition_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Nodes       []*ManifestEntry `json:"nodes"`
}

func manifestPath(editionID string) string {
	return path.Join(nfcNormalize(editionID), ManifestName)
}

// WriteManifest regenerates the manifest of an edition from its records.
func (e *Engine) WriteManifest(ctx context.Context, editionID string) error {
	records, err := e.store.ListByEdition(ctx, editionID)
	if err != nil {
		return err
	}

	m := &Manifest{
		EditionID:   editionID,
		GeneratedAt: e.nowFunc().UTC(),
		Nodes:       make([]*ManifestEntry, 0, len(records)),
	}

	for _, r := range records {
		m.Nodes = append(m.Nodes, &ManifestEntry{
			ID:              r.NodeID,
			FilePath:        r.LocalPath,
			Title:           r.Title,
			NodeType:        r.NodeType,
			ParentID:        r.ParentID,
			OrderIndex:      r.OrderIndex,
			RemoteUpdatedAt: r.RemoteUpdatedAt,
			LocalUpdatedAt:  r.LocalUpdatedAt,
			SyncStatus:      r.Status,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding manifest: %w", err)
	}

	return writeAtomic(e.absPath(manifestPath(editionID)), append(data, '\n'))
}

// ReadManifest loads an edition manifest. A missing manifest returns
// fs.ErrNotExist.
func (e *Engine) ReadManifest(editionID string) (*Manifest, error) {
	data, err := os.ReadFile(e.absPath(manifestPath(editionID)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sync: manifest for %s: %w", editionID, fs.ErrNotExist)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sync: decoding manifest: %w", err)
	}

	return &m, nil
}

// Editions returns the IDs of every edition that has local records, in
// first-seen order.
func (e *Engine) Editions(ctx context.Context) ([]string, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var editions []string

	seen := make(map[string]bool)

	for _, r := range records {
		if !seen[r.EditionID] {
			seen[r.EditionID] = true
			editions = append(editions, r.EditionID)
		}
	}

	return editions, nil
}

// RebuildManifests rewrites the manifest of every edition that has records
// and returns the edition IDs.
func (e *Engine) RebuildManifests(ctx context.Context) ([]string, error) {
	editions, err := e.Editions(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range editions {
		if err := e.WriteManifest(ctx, id); err != nil {
			return nil, err
		}
	}

	return editions, nil
}
