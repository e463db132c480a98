package store

import (
	"context"
)

// Store provides access to the content addressed tree and blob objects
// that back a source control commit. Implementations may fetch objects
// from a remote service, meaning that every method on this interface is
// a suspension point that may block for a long time.
//
// Objects are immutable. Trees and blobs returned by Get*() must not be
// modified by the caller.
type Store interface {
	// ResolveRoot returns the ID of the root tree of a commit.
	ResolveRoot(ctx context.Context, root RootID) (ID, error)
	GetTree(ctx context.Context, id ID) (*Tree, error)
	GetBlob(ctx context.Context, id ID) ([]byte, error)
	PutTree(ctx context.Context, tree *Tree) (ID, error)
	PutBlob(ctx context.Context, data []byte) (ID, error)
}
