package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// Node is a tree-structured text unit as the authoritative store reports
// it. RemoteUpdatedAt is the version token for optimistic pushes.
type Node struct {
	ID              string    `json:"id"`
	EditionID       string    `json:"edition_id"`
	ParentID        string    `json:"parent_id,omitempty"`
	Title           string    `json:"title"`
	NodeType        string    `json:"node_type"`
	OrderIndex      int       `json:"order_index"`
	Depth           int       `json:"depth"`
	Content         string    `json:"content"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

type pushRequest struct {
	Content               string     `json:"content"`
	ExpectedRemoteVersion *time.Time `json:"expected_remote_version,omitempty"`
	Force                 bool       `json:"force"`
}

type treeResponse struct {
	Nodes []*Node `json:"nodes"`
}

func nodePath(id string) string {
	return "/api/v1/nodes/" + url.PathEscape(id)
}

// FetchNode returns the current content and version of a node.
func (c *Client) FetchNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	if err := c.doJSON(ctx, http.MethodGet, nodePath(id), nil, &n); err != nil {
		return nil, fmt.Errorf("remote: fetching node %s: %w", id, err)
	}

	return &n, nil
}

// PushNode writes content if the node's remote version still equals
// expected. A mismatch returns an error matching syncerr.ErrVersionConflict.
func (c *Client) PushNode(ctx context.Context, id, content string, expected time.Time) (*Node, error) {
	req := pushRequest{Content: content, ExpectedRemoteVersion: &expected}

	var n Node
	if err := c.doJSON(ctx, http.MethodPut, nodePath(id), req, &n); err != nil {
		return nil, fmt.Errorf("remote: pushing node %s: %w", id, err)
	}

	return &n, nil
}

// ForcePushNode writes content without a version check.
func (c *Client) ForcePushNode(ctx context.Context, id, content string) (*Node, error) {
	req := pushRequest{Content: content, Force: true}

	var n Node
	if err := c.doJSON(ctx, http.MethodPut, nodePath(id), req, &n); err != nil {
		return nil, fmt.Errorf("remote: force-pushing node %s: %w", id, err)
	}

	return &n, nil
}

// FetchTree returns every node of an edition ordered by depth, then by
// order index, so parents always precede their children.
func (c *Client) FetchTree(ctx context.Context, editionID string) ([]*Node, error) {
	var resp treeResponse

	path := "/api/v1/editions/" + url.PathEscape(editionID) + "/tree"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("remote: fetching tree of %s: %w", editionID, err)
	}

	sort.SliceStable(resp.Nodes, func(i, j int) bool {
		a, b := resp.Nodes[i], resp.Nodes[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}

		return a.OrderIndex < b.OrderIndex
	})

	return resp.Nodes, nil
}
