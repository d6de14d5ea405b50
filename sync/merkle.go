package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// Hash is a SHA-256 digest.
type Hash = [32]byte

// GroupKey identifies a group: one counterparty in one issue month.
type GroupKey struct {
	Entity string // counterparty id
	Period string // issue month, YYYY-MM
}

// String renders the key for logs and reports.
func (k GroupKey) String() string {
	entity := k.Entity
	if entity == "" {
		entity = "(none)"
	}
	return entity + "/" + k.Period
}

func compareKeys(a, b GroupKey) int {
	if c := strings.Compare(a.Entity, b.Entity); c != 0 {
		return c
	}
	return strings.Compare(a.Period, b.Period)
}

// Tree is a two-level Merkle digest of a record snapshot:
//
//	Root
//	└── Group (counterparty, issue month)
//	    └── Leaf (record id + content hash)
//
// Equal roots mean equal snapshots. When roots differ, Diff narrows the
// difference to counterparty-months. Group hashes are cached until the
// group changes. A Tree is built for one snapshot and is not safe for
// concurrent use.
type Tree struct {
	groups map[GroupKey]*group
	root   *Hash
}

type group struct {
	leaves map[Hash]struct{}
	hash   *Hash
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{groups: make(map[GroupKey]*group)}
}

// Insert adds a leaf under key. Inserting a present leaf is a no-op.
func (t *Tree) Insert(key GroupKey, leaf Hash) {
	g, ok := t.groups[key]
	if !ok {
		g = &group{leaves: make(map[Hash]struct{})}
		t.groups[key] = g
	}
	if _, dup := g.leaves[leaf]; dup {
		return
	}
	g.leaves[leaf] = struct{}{}
	g.hash, t.root = nil, nil
}

// Remove deletes a leaf from key. A group left empty disappears.
func (t *Tree) Remove(key GroupKey, leaf Hash) {
	g, ok := t.groups[key]
	if !ok {
		return
	}
	if _, present := g.leaves[leaf]; !present {
		return
	}
	delete(g.leaves, leaf)
	if len(g.leaves) == 0 {
		delete(t.groups, key)
	}
	g.hash, t.root = nil, nil
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	n := 0
	for _, g := range t.groups {
		n += len(g.leaves)
	}
	return n
}

// GroupCount returns the number of non-empty groups.
func (t *Tree) GroupCount() int {
	return len(t.groups)
}

// Leaves returns the leaves of key in ascending order, nil for an unknown
// group.
func (t *Tree) Leaves(key GroupKey) []Hash {
	g, ok := t.groups[key]
	if !ok {
		return nil
	}
	return g.sorted()
}

// Groups returns the hash of every group.
func (t *Tree) Groups() map[GroupKey]Hash {
	out := make(map[GroupKey]Hash, len(t.groups))
	for key, g := range t.groups {
		out[key] = t.groupHash(key, g)
	}
	return out
}

// Root returns the root digest; the zero hash for an empty tree.
func (t *Tree) Root() Hash {
	if t.root != nil {
		return *t.root
	}
	var root Hash
	if len(t.groups) > 0 {
		h := sha256.New()
		h.Write([]byte("erpsync/root\x00"))
		for _, key := range t.keys() {
			gh := t.groupHash(key, t.groups[key])
			h.Write(gh[:])
		}
		h.Sum(root[:0])
	}
	t.root = &root
	return root
}

// Diff compares t with other group by group. Each returned slice is sorted
// by key.
func (t *Tree) Diff(other *Tree) (onlyHere, onlyThere, divergent []GroupKey) {
	theirs := other.Groups()
	for key, g := range t.groups {
		h, ok := theirs[key]
		switch {
		case !ok:
			onlyHere = append(onlyHere, key)
		case h != t.groupHash(key, g):
			divergent = append(divergent, key)
		}
	}
	for key := range theirs {
		if _, ok := t.groups[key]; !ok {
			onlyThere = append(onlyThere, key)
		}
	}
	slices.SortFunc(onlyHere, compareKeys)
	slices.SortFunc(onlyThere, compareKeys)
	slices.SortFunc(divergent, compareKeys)
	return onlyHere, onlyThere, divergent
}

func (t *Tree) keys() []GroupKey {
	keys := make([]GroupKey, 0, len(t.groups))
	for key := range t.groups {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// groupHash covers the key as well as the leaves, so equal leaf sets in
// different groups hash differently.
func (t *Tree) groupHash(key GroupKey, g *group) Hash {
	if g.hash != nil {
		return *g.hash
	}
	h := sha256.New()
	h.Write([]byte("erpsync/group\x00"))
	h.Write([]byte(key.Entity))
	h.Write([]byte{0})
	h.Write([]byte(key.Period))
	h.Write([]byte{0})
	for _, leaf := range g.sorted() {
		h.Write(leaf[:])
	}
	var out Hash
	h.Sum(out[:0])
	g.hash = &out
	return out
}

func (g *group) sorted() []Hash {
	leaves := make([]Hash, 0, len(g.leaves))
	for leaf := range g.leaves {
		leaves = append(leaves, leaf)
	}
	slices.SortFunc(leaves, func(a, b Hash) int { return bytes.Compare(a[:], b[:]) })
	return leaves
}

// HexHash renders a hash as lowercase hex.
func HexHash(h Hash) string {
	return hex.EncodeToString(h[:])
}
