package store

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// EntryType denotes the kind of object a tree entry points to.
type EntryType int

// Tree entries are either subtrees, regular file blobs or symlink
// target blobs.
const (
	EntryTypeTree EntryType = iota
	EntryTypeBlob
	EntryTypeSymlink
)

// TreeEntry is a single named child inside a Tree. Executable is only
// meaningful for entries of type EntryTypeBlob.
type TreeEntry struct {
	Name       string    `cbor:"1,keyasint"`
	Type       EntryType `cbor:"2,keyasint"`
	ID         ID        `cbor:"3,keyasint"`
	Executable bool      `cbor:"4,keyasint,omitempty"`
}

// Tree is an immutable directory object. Entries are stored sorted by
// name, so that the canonical encoding (and thereby the content
// address) of two trees with equal contents is identical.
type Tree struct {
	Entries []TreeEntry `cbor:"1,keyasint"`
}

// Get looks up an entry by name.
func (t *Tree) Get(name string) *TreeEntry {
	i := sort.Search(len(t.Entries), func(i int) bool {
		return t.Entries[i].Name >= name
	})
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return &t.Entries[i]
	}
	return nil
}

// Normalize sorts the entries of a tree by name. It must be called
// before a tree is stored.
func (t *Tree) Normalize() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].Name < t.Entries[j].Name
	})
}

// MarshalTree returns the canonical encoding of a tree, which is the
// input to content addressing.
func MarshalTree(t *Tree) ([]byte, error) {
	return cbor.Marshal(t)
}

// UnmarshalTree decodes the canonical encoding of a tree.
func UnmarshalTree(data []byte) (*Tree, error) {
	var t Tree
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
