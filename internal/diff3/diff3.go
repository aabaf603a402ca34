// Package diff3 computes line-level two-way and three-way diffs of text
// documents and merges them. It has no knowledge of files, records, or
// rendering; callers get a structured region list.
package diff3

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind classifies a merge region.
type Kind string

// Region kinds.
const (
	Unchanged  Kind = "unchanged"   // all sides agree
	LocalOnly  Kind = "local_only"  // only the local side changed
	RemoteOnly Kind = "remote_only" // only the remote side changed
	BothSame   Kind = "both_same"   // both sides made the same change
	Conflict   Kind = "conflict"    // the sides changed differently
)

// Region is one contiguous span of the merge. Each side slice holds whole
// lines including their terminators. Base is nil in a two-way result.
type Region struct {
	Kind   Kind     `json:"kind"`
	Base   []string `json:"base,omitempty"`
	Local  []string `json:"local"`
	Remote []string `json:"remote"`
}

// Result is a structured diff. Degraded is set when no common ancestor was
// available and the diff is two-way only; every difference is then a
// conflict since neither side can be attributed.
type Result struct {
	Degraded  bool     `json:"degraded"`
	Regions   []Region `json:"regions"`
	Conflicts int      `json:"conflicts"`
}

// Labels for conflict markers.
const (
	LocalLabel  = "local"
	BaseLabel   = "base"
	RemoteLabel = "remote"
)

// SplitLines splits s into lines, keeping each line's "\n". A final line
// without a terminator is kept as is.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}

	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

// match maps each line of a to the line of b it is paired with, or -1.
func match(a, b string) []int {
	dmp := diffmatchpatch.New()

	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	m := make([]int, len(SplitLines(a)))
	for i := range m {
		m[i] = -1
	}

	var i, j int

	for _, d := range diffs {
		n := len(SplitLines(d.Text))

		switch d.Type {
		case diffmatchpatch.DiffEqual:
			for range n {
				m[i] = j
				i++
				j++
			}
		case diffmatchpatch.DiffDelete:
			i += n
		case diffmatchpatch.DiffInsert:
			j += n
		}
	}

	return m
}

// ThreeWay diffs local and remote against their common ancestor base.
func ThreeWay(base, local, remote string) *Result {
	b, l, r := SplitLines(base), SplitLines(local), SplitLines(remote)
	ml, mr := match(base, local), match(base, remote)

	res := &Result{}

	var i, j, k int

	for i < len(b) || j < len(l) || k < len(r) {
		// Stable run: the base line is unchanged on both sides.
		start := i
		for i < len(b) && ml[i] == j && mr[i] == k {
			i++
			j++
			k++
		}

		if i > start {
			res.add(Region{Kind: Unchanged, Base: b[start:i], Local: l[j-(i-start) : j], Remote: r[k-(i-start) : k]})
			continue
		}

		// Find the next base line both sides kept.
		ni, nj, nk := len(b), len(l), len(r)

		for x := i; x < len(b); x++ {
			if ml[x] >= 0 && mr[x] >= 0 {
				ni, nj, nk = x, ml[x], mr[x]
				break
			}
		}

		res.add(classify(b[i:ni], l[j:nj], r[k:nk]))
		i, j, k = ni, nj, nk
	}

	return res
}

func classify(base, local, remote []string) Region {
	reg := Region{Base: base, Local: local, Remote: remote}

	switch {
	case equal(local, remote):
		reg.Kind = BothSame
	case equal(local, base):
		reg.Kind = RemoteOnly
	case equal(remote, base):
		reg.Kind = LocalOnly
	default:
		reg.Kind = Conflict
	}

	return reg
}

// TwoWay diffs local against remote without an ancestor. The result is
// marked Degraded.
func TwoWay(local, remote string) *Result {
	l, r := SplitLines(local), SplitLines(remote)
	m := match(local, remote)

	res := &Result{Degraded: true}

	var i, j int

	for i < len(l) || j < len(r) {
		start := i
		for i < len(l) && m[i] == j {
			i++
			j++
		}

		if i > start {
			res.add(Region{Kind: Unchanged, Local: l[start:i], Remote: r[j-(i-start) : j]})
			continue
		}

		ni, nj := len(l), len(r)

		for x := i; x < len(l); x++ {
			if m[x] >= 0 {
				ni, nj = x, m[x]
				break
			}
		}

		res.add(Region{Kind: Conflict, Local: l[i:ni], Remote: r[j:nj]})
		i, j = ni, nj
	}

	return res
}

func (r *Result) add(reg Region) {
	if reg.Kind == Conflict {
		r.Conflicts++
	}

	r.Regions = append(r.Regions, reg)
}

// Clean reports whether the merge has no conflicting regions.
func (r *Result) Clean() bool {
	return r.Conflicts == 0
}

// Merged returns the automatic merge. It reports false when conflicts
// remain; the returned text then carries conflict markers.
func (r *Result) Merged() (string, bool) {
	var sb strings.Builder

	for _, reg := range r.Regions {
		switch reg.Kind {
		case Unchanged, LocalOnly, BothSame:
			writeLines(&sb, reg.Local)
		case RemoteOnly:
			writeLines(&sb, reg.Remote)
		case Conflict:
			r.writeConflict(&sb, reg)
		}
	}

	return sb.String(), r.Clean()
}

func (r *Result) writeConflict(sb *strings.Builder, reg Region) {
	sb.WriteString("<<<<<<< " + LocalLabel + "\n")
	writeTerminated(sb, reg.Local)

	if !r.Degraded {
		sb.WriteString("||||||| " + BaseLabel + "\n")
		writeTerminated(sb, reg.Base)
	}

	sb.WriteString("=======\n")
	writeTerminated(sb, reg.Remote)
	sb.WriteString(">>>>>>> " + RemoteLabel + "\n")
}

func writeLines(sb *strings.Builder, lines []string) {
	for _, l := range lines {
		sb.WriteString(l)
	}
}

// writeTerminated writes lines making sure the last one ends in "\n" so a
// following marker starts on its own line.
func writeTerminated(sb *strings.Builder, lines []string) {
	writeLines(sb, lines)

	if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
		sb.WriteString("\n")
	}
}

// Merge is ThreeWay followed by Merged.
func Merge(base, local, remote string) (string, bool) {
	return ThreeWay(base, local, remote).Merged()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
