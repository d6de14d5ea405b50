package sync

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hash(s string) Hash {
	return sha256.Sum256([]byte(s))
}

func TestTree_EmptyRoot(t *testing.T) {
	assert.Equal(t, Hash{}, NewTree().Root())
}

func TestTree_InsertOrderDoesNotMatter(t *testing.T) {
	a := NewTree()
	b := NewTree()

	jan := GroupKey{Entity: "cp-1", Period: "2025-01"}
	feb := GroupKey{Entity: "cp-2", Period: "2025-02"}

	a.Insert(jan, hash("inv-1"))
	a.Insert(jan, hash("inv-2"))
	a.Insert(feb, hash("inv-3"))

	b.Insert(feb, hash("inv-3"))
	b.Insert(jan, hash("inv-2"))
	b.Insert(jan, hash("inv-1"))

	assert.NotEqual(t, Hash{}, a.Root())
	assert.Equal(t, a.Root(), b.Root())
}

func TestTree_RemoveRestoresRoot(t *testing.T) {
	tree := NewTree()
	key := GroupKey{Entity: "cp-1", Period: "2025-01"}
	tree.Insert(key, hash("inv-1"))
	before := tree.Root()

	tree.Insert(key, hash("inv-2"))
	assert.NotEqual(t, before, tree.Root())

	tree.Remove(key, hash("inv-2"))
	assert.Equal(t, before, tree.Root())

	tree.Remove(key, hash("inv-1"))
	assert.Equal(t, Hash{}, tree.Root())
	assert.Equal(t, 0, tree.GroupCount())

	// Removing what is not there is a no-op.
	tree.Remove(key, hash("missing"))
	tree.Remove(GroupKey{Entity: "nobody"}, hash("missing"))
}

func TestTree_DuplicateInsert(t *testing.T) {
	tree := NewTree()
	key := GroupKey{Entity: "cp-1", Period: "2025-01"}

	tree.Insert(key, hash("inv-1"))
	root := tree.Root()
	tree.Insert(key, hash("inv-1"))

	assert.Equal(t, root, tree.Root())
	assert.Equal(t, 1, tree.Size())
}

func TestTree_SizeAndGroups(t *testing.T) {
	tree := NewTree()
	tree.Insert(GroupKey{Entity: "cp-1", Period: "2025-01"}, hash("1"))
	tree.Insert(GroupKey{Entity: "cp-1", Period: "2025-01"}, hash("2"))
	tree.Insert(GroupKey{Entity: "cp-1", Period: "2025-02"}, hash("3"))
	tree.Insert(GroupKey{Entity: "cp-2", Period: "2025-01"}, hash("4"))

	assert.Equal(t, 4, tree.Size())
	assert.Equal(t, 3, tree.GroupCount())

	leaves := tree.Leaves(GroupKey{Entity: "cp-1", Period: "2025-01"})
	assert.ElementsMatch(t, []Hash{hash("1"), hash("2")}, leaves)
	assert.True(t, bytes.Compare(leaves[0][:], leaves[1][:]) < 0)
	assert.Nil(t, tree.Leaves(GroupKey{Entity: "cp-9", Period: "2025-01"}))
}

func TestTree_Diff(t *testing.T) {
	shared := GroupKey{Entity: "cp-1", Period: "2025-01"}
	changed := GroupKey{Entity: "cp-1", Period: "2025-02"}
	localOnlyKey := GroupKey{Entity: "cp-2", Period: "2025-01"}
	remoteOnlyKey := GroupKey{Entity: "cp-3", Period: "2025-03"}

	local := NewTree()
	local.Insert(shared, hash("a"))
	local.Insert(changed, hash("b"))
	local.Insert(localOnlyKey, hash("c"))

	remote := NewTree()
	remote.Insert(shared, hash("a"))
	remote.Insert(changed, hash("b-modified"))
	remote.Insert(remoteOnlyKey, hash("d"))

	localOnly, remoteOnly, divergent := local.Diff(remote)
	assert.Equal(t, []GroupKey{localOnlyKey}, localOnly)
	assert.Equal(t, []GroupKey{remoteOnlyKey}, remoteOnly)
	assert.Equal(t, []GroupKey{changed}, divergent)

	// The view from the other side mirrors it.
	remoteOnly, localOnly, divergent = remote.Diff(local)
	assert.Equal(t, []GroupKey{localOnlyKey}, localOnly)
	assert.Equal(t, []GroupKey{remoteOnlyKey}, remoteOnly)
	assert.Equal(t, []GroupKey{changed}, divergent)
}

func TestTree_Diff_Sorted(t *testing.T) {
	a := NewTree()
	b := NewTree()
	for _, k := range []GroupKey{
		{Entity: "cp-2", Period: "2025-01"},
		{Entity: "cp-1", Period: "2025-03"},
		{Entity: "cp-1", Period: "2025-01"},
	} {
		a.Insert(k, hash(k.String()))
	}

	onlyHere, onlyThere, divergent := a.Diff(b)
	assert.Equal(t, []GroupKey{
		{Entity: "cp-1", Period: "2025-01"},
		{Entity: "cp-1", Period: "2025-03"},
		{Entity: "cp-2", Period: "2025-01"},
	}, onlyHere)
	assert.Empty(t, onlyThere)
	assert.Empty(t, divergent)
}

func TestTree_Diff_Identical(t *testing.T) {
	a := NewTree()
	b := NewTree()
	key := GroupKey{Entity: "cp-1", Period: "2025-01"}
	a.Insert(key, hash("x"))
	b.Insert(key, hash("x"))

	localOnly, remoteOnly, divergent := a.Diff(b)
	assert.Empty(t, localOnly)
	assert.Empty(t, remoteOnly)
	assert.Empty(t, divergent)
}

func TestTree_DifferentGroupsSameLeaves(t *testing.T) {
	tree := NewTree()
	k1 := GroupKey{Entity: "cp-1", Period: "2025-01"}
	k2 := GroupKey{Entity: "cp-2", Period: "2025-01"}
	tree.Insert(k1, hash("same"))
	tree.Insert(k2, hash("same"))

	groups := tree.Groups()
	require.Len(t, groups, 2)
	assert.NotEqual(t, groups[k1], groups[k2])
}

func TestTree_GroupHashCacheInvalidated(t *testing.T) {
	tree := NewTree()
	key := GroupKey{Entity: "cp-1", Period: "2025-01"}
	tree.Insert(key, hash("a"))
	before := tree.Groups()[key]

	tree.Insert(key, hash("b"))
	assert.NotEqual(t, before, tree.Groups()[key])

	tree.Remove(key, hash("b"))
	assert.Equal(t, before, tree.Groups()[key])
}

func TestGroupKey_String(t *testing.T) {
	assert.Equal(t, "cp-1/2025-01", GroupKey{Entity: "cp-1", Period: "2025-01"}.String())
	assert.Equal(t, "(none)/2025-01", GroupKey{Period: "2025-01"}.String())
}

func TestHexHash(t *testing.T) {
	s := HexHash(hash("test"))
	assert.Len(t, s, 64)

	back, ok := parseHex(s)
	require.True(t, ok)
	assert.Equal(t, hash("test"), back)

	_, ok = parseHex("zz")
	assert.False(t, ok)
}
