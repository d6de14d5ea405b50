// Package sync detects and applies incremental changes between a source
// system and the destination store.
//
// Content hashing produces a deterministic digest from the fields of an
// invoice that matter for change detection (number, total, status and the
// source's update time). The hash index kept per source maps record ids to
// these digests; comparing a fresh extraction against it yields created,
// updated and deleted changes without diffing full payloads.
//
// The Merkle tree groups the hash index by counterparty and issue month so
// two snapshots can be compared by root and narrowed to divergent groups.
package sync

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/teranos/erpsync/invoice"
)

// ContentHash computes a deterministic SHA-256 digest over an invoice's
// significant fields. Line items, counterparty names and metadata are
// excluded: a change there without a change to the total or the update
// time is not treated as a new version.
//
// Amounts hash by their canonical decimal string, so 100.5 and 100.50
// produce the same digest.
func ContentHash(d *invoice.Data) Hash {
	h := sha256.New()

	// Domain separators keep adjacent fields from colliding
	// (number "12" + total "3" vs number "1" + total "23").
	h.Write([]byte("n:"))
	h.Write([]byte(d.Number))
	h.Write([]byte("\nt:"))
	h.Write([]byte(d.TotalAmount.String()))
	h.Write([]byte("\ns:"))
	h.Write([]byte(d.Status))
	h.Write([]byte("\nu:"))
	var ts [8]byte
	if !d.UpdatedAt.IsZero() {
		binary.BigEndian.PutUint64(ts[:], uint64(d.UpdatedAt.UnixNano()))
	}
	h.Write(ts[:])

	var out Hash
	h.Sum(out[:0])
	return out
}

// ContentHashHex is ContentHash hex-encoded, the form stored in the index.
func ContentHashHex(d *invoice.Data) string {
	return HexHash(ContentHash(d))
}

// LeafHash binds a record id to its content hash. Two records with the same
// significant fields but different ids are distinct leaves.
func LeafHash(id string, content Hash) Hash {
	h := sha256.New()
	h.Write([]byte("leaf:"))
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write(content[:])

	var out Hash
	h.Sum(out[:0])
	return out
}

// KeyFor returns the Merkle group an invoice belongs to.
func KeyFor(d *invoice.Data) GroupKey {
	period := ""
	if !d.IssueDate.IsZero() {
		period = d.IssueDate.UTC().Format("2006-01")
	}
	return GroupKey{Entity: d.CounterpartyID, Period: period}
}

// BuildTree builds a Merkle tree over a snapshot of records.
func BuildTree(records []invoice.Data) *Tree {
	tree := NewTree()
	for i := range records {
		d := &records[i]
		tree.Insert(KeyFor(d), LeafHash(d.ID, ContentHash(d)))
	}
	return tree
}

// parseHex decodes a stored index hash. ok is false for malformed input.
func parseHex(s string) (Hash, bool) {
	var out Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, false
	}
	copy(out[:], b)
	return out, true
}
