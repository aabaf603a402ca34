package sync

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/sailsync/internal/remote"
)

// Layout constants.
const (
	fileExt       = ".md"
	maxSlugLength = 80
	shortIDLength = 8
)

// nfcNormalize applies Unicode NFC normalization so file names written on
// macOS (NFD) and Linux compare equal.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}

// slug turns a node title into a safe file name component.
func slug(title string) string {
	title = nfcNormalize(strings.TrimSpace(title))

	var b strings.Builder

	lastDash := false

	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)

			lastDash = false
		case r == '-' || r == '_' || unicode.IsSpace(r) || strings.ContainsRune(`/\:*?"<>|.`, r):
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')

				lastDash = true
			}
		}
	}

	s := strings.TrimRight(b.String(), "-")

	if runes := []rune(s); len(runes) > maxSlugLength {
		s = strings.TrimRight(string(runes[:maxSlugLength]), "-")
	}

	return s
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}

	return id
}

// LayoutTree assigns a workspace-relative path to every node of an edition
// tree. Nodes must be ordered parents first, as FetchTree returns them. A
// node's file is "<order>-<slug>.md" inside its parent's directory, which is
// the parent's file name without the extension. Sibling name collisions get
// the node ID appended.
func LayoutTree(editionID string, nodes []*remote.Node) map[string]string {
	paths := make(map[string]string, len(nodes))
	dirs := make(map[string]string, len(nodes))
	taken := make(map[string]bool, len(nodes))

	root := nfcNormalize(editionID)

	for _, n := range nodes {
		dir := root
		if p, ok := dirs[n.ParentID]; ok && n.ParentID != "" {
			dir = p
		}

		name := slug(n.Title)
		if name == "" {
			name = shortID(n.ID)
		}

		base := fmt.Sprintf("%03d-%s", n.OrderIndex, name)

		p := path.Join(dir, base+fileExt)
		if taken[p] {
			base += "-" + shortID(n.ID)
			p = path.Join(dir, base+fileExt)
		}

		taken[p] = true
		paths[n.ID] = p
		dirs[n.ID] = path.Join(dir, base)
	}

	return paths
}
