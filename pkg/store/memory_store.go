package store

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MemoryStore is an in-memory implementation of Store. In addition to
// the Store interface it allows commit roots to be registered directly.
// It is used by tests and by ephemeral mounts that have no remote
// backing store configured.
type MemoryStore struct {
	lock  sync.RWMutex
	trees map[ID][]byte
	blobs map[ID][]byte
	roots map[RootID]ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a Store that keeps all objects resident in
// memory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trees: map[ID][]byte{},
		blobs: map[ID][]byte{},
		roots: map[RootID]ID{},
	}
}

// SetRoot registers the root tree of a commit, so that subsequent calls
// to ResolveRoot() succeed.
func (s *MemoryStore) SetRoot(root RootID, id ID) {
	s.lock.Lock()
	s.roots[root] = id
	s.lock.Unlock()
}

func (s *MemoryStore) ResolveRoot(ctx context.Context, root RootID) (ID, error) {
	s.lock.RLock()
	id, ok := s.roots[root]
	s.lock.RUnlock()
	if !ok {
		return ID{}, status.Errorf(codes.NotFound, "Commit %#v does not exist", string(root))
	}
	return id, nil
}

func (s *MemoryStore) GetTree(ctx context.Context, id ID) (*Tree, error) {
	s.lock.RLock()
	data, ok := s.trees[id]
	s.lock.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Tree %s does not exist", id)
	}
	return UnmarshalTree(data)
}

func (s *MemoryStore) GetBlob(ctx context.Context, id ID) ([]byte, error) {
	s.lock.RLock()
	data, ok := s.blobs[id]
	s.lock.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Blob %s does not exist", id)
	}
	return data, nil
}

func (s *MemoryStore) PutTree(ctx context.Context, tree *Tree) (ID, error) {
	tree.Normalize()
	data, err := MarshalTree(tree)
	if err != nil {
		return ID{}, status.Errorf(codes.InvalidArgument, "Failed to marshal tree: %s", err)
	}
	id := NewID(data)
	s.lock.Lock()
	s.trees[id] = data
	s.lock.Unlock()
	return id, nil
}

func (s *MemoryStore) PutBlob(ctx context.Context, data []byte) (ID, error) {
	id := NewID(data)
	s.lock.Lock()
	s.blobs[id] = append([]byte(nil), data...)
	s.lock.Unlock()
	return id, nil
}
