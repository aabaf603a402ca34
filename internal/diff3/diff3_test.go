package diff3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(r *Result) []Kind {
	out := make([]Kind, 0, len(r.Regions))
	for _, reg := range r.Regions {
		out = append(out, reg.Kind)
	}

	return out
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Equal(t, []string{"a\n", "b"}, SplitLines("a\nb"))
	assert.Equal(t, []string{"a\n", "b\n"}, SplitLines("a\nb\n"))
	assert.Equal(t, []string{"\n", "\n"}, SplitLines("\n\n"))
}

func TestThreeWay_Identical(t *testing.T) {
	r := ThreeWay("a\nb\n", "a\nb\n", "a\nb\n")
	assert.False(t, r.Degraded)
	assert.Equal(t, []Kind{Unchanged}, kinds(r))

	merged, clean := r.Merged()
	assert.True(t, clean)
	assert.Equal(t, "a\nb\n", merged)
}

func TestThreeWay_NonOverlappingEditsMerge(t *testing.T) {
	base := "one\ntwo\nthree\nfour\nfive\n"
	local := "ONE\ntwo\nthree\nfour\nfive\n"
	remote := "one\ntwo\nthree\nfour\nFIVE\nsix\n"

	r := ThreeWay(base, local, remote)
	assert.Equal(t, []Kind{LocalOnly, Unchanged, RemoteOnly}, kinds(r))

	merged, clean := r.Merged()
	assert.True(t, clean)
	assert.Equal(t, "ONE\ntwo\nthree\nfour\nFIVE\nsix\n", merged)
}

func TestThreeWay_SameChangeBothSides(t *testing.T) {
	r := ThreeWay("a\nb\nc\n", "a\nX\nc\n", "a\nX\nc\n")
	assert.Equal(t, []Kind{Unchanged, BothSame, Unchanged}, kinds(r))

	merged, clean := r.Merged()
	assert.True(t, clean)
	assert.Equal(t, "a\nX\nc\n", merged)
}

func TestThreeWay_ConflictMarkers(t *testing.T) {
	r := ThreeWay("a\nb\nc\n", "a\nlocal\nc\n", "a\nremote\nc\n")
	require.Equal(t, 1, r.Conflicts)
	assert.Equal(t, []Kind{Unchanged, Conflict, Unchanged}, kinds(r))

	conflict := r.Regions[1]
	assert.Equal(t, []string{"b\n"}, conflict.Base)
	assert.Equal(t, []string{"local\n"}, conflict.Local)
	assert.Equal(t, []string{"remote\n"}, conflict.Remote)

	merged, clean := r.Merged()
	assert.False(t, clean)
	assert.Equal(t, "a\n<<<<<<< local\nlocal\n||||||| base\nb\n=======\nremote\n>>>>>>> remote\nc\n", merged)
}

func TestThreeWay_InsertionsAtSamePointConflict(t *testing.T) {
	r := ThreeWay("a\n", "a\nx\n", "a\ny\n")
	assert.Equal(t, []Kind{Unchanged, Conflict}, kinds(r))
}

func TestThreeWay_EmptyBase(t *testing.T) {
	r := ThreeWay("", "new\n", "")
	assert.Equal(t, []Kind{LocalOnly}, kinds(r))

	merged, clean := r.Merged()
	assert.True(t, clean)
	assert.Equal(t, "new\n", merged)
}

func TestThreeWay_MissingTrailingNewline(t *testing.T) {
	r := ThreeWay("a\nb", "a\nL", "a\nR")
	merged, clean := r.Merged()
	assert.False(t, clean)
	assert.Equal(t, "a\n<<<<<<< local\nL\n||||||| base\nb\n=======\nR\n>>>>>>> remote\n", merged)
}

func TestTwoWay_IsDegraded(t *testing.T) {
	r := TwoWay("a\nlocal\nc\n", "a\nremote\nc\n")
	assert.True(t, r.Degraded)
	assert.Equal(t, []Kind{Unchanged, Conflict, Unchanged}, kinds(r))
	assert.Nil(t, r.Regions[1].Base)

	merged, clean := r.Merged()
	assert.False(t, clean)
	assert.Equal(t, "a\n<<<<<<< local\nlocal\n=======\nremote\n>>>>>>> remote\nc\n", merged)
}

func TestTwoWay_Equal(t *testing.T) {
	r := TwoWay("same\n", "same\n")
	assert.True(t, r.Clean())
}

func TestMerge(t *testing.T) {
	merged, clean := Merge("x\ny\n", "x\ny\nlocal tail\n", "remote head\nx\ny\n")
	assert.True(t, clean)
	assert.Equal(t, "remote head\nx\ny\nlocal tail\n", merged)
}
