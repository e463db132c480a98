package store

import (
	"context"

	"github.com/boltdb/bolt"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/klauspost/compress/zstd"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	bucketTrees = []byte("trees")
	bucketBlobs = []byte("blobs")
	bucketRoots = []byte("roots")
)

var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	var err error
	// Zero frames keep the empty blob addressable: without them it
	// would compress to zero bytes, which Bolt cannot distinguish
	// from an absent key.
	if blobEncoder, err = zstd.NewWriter(nil, zstd.WithZeroFrames(true)); err != nil {
		panic(err)
	}
	if blobDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// BoltStore is a Store backed by a local Bolt database. It is used by
// daemons that have no remote object store configured, and as an
// on-disk cache of objects that were fetched remotely. Blob contents
// are compressed; trees are small and stay uncompressed so that they
// can be scanned cheaply.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the object database at the provided
// path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to open object store at %#v", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrees, bucketBlobs, bucketRoots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, util.StatusWrap(err, "Failed to initialize object store buckets")
	}
	return &BoltStore{db: db}, nil
}

// Close releases the object database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SetRoot registers the root tree of a commit, so that subsequent calls
// to ResolveRoot() succeed.
func (s *BoltStore) SetRoot(root RootID, id ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).Put([]byte(root), id[:])
	})
}

func (s *BoltStore) ResolveRoot(ctx context.Context, root RootID) (ID, error) {
	var id ID
	found := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketRoots).Get([]byte(root)); len(data) == IDSizeBytes {
			copy(id[:], data)
			found = true
		}
		return nil
	}); err != nil {
		return ID{}, util.StatusWrapf(err, "Failed to resolve commit %#v", string(root))
	}
	if !found {
		return ID{}, status.Errorf(codes.NotFound, "Commit %#v does not exist", string(root))
	}
	return id, nil
}

func (s *BoltStore) GetTree(ctx context.Context, id ID) (*Tree, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketTrees).Get(id[:]); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrapf(err, "Failed to load tree %s", id)
	}
	if data == nil {
		return nil, status.Errorf(codes.NotFound, "Tree %s does not exist", id)
	}
	return UnmarshalTree(data)
}

func (s *BoltStore) GetBlob(ctx context.Context, id ID) ([]byte, error) {
	var compressed []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBlobs).Get(id[:]); v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrapf(err, "Failed to load blob %s", id)
	}
	if compressed == nil {
		return nil, status.Errorf(codes.NotFound, "Blob %s does not exist", id)
	}
	data, err := blobDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Failed to decompress blob %s", id)
	}
	return data, nil
}

func (s *BoltStore) PutTree(ctx context.Context, tree *Tree) (ID, error) {
	tree.Normalize()
	data, err := MarshalTree(tree)
	if err != nil {
		return ID{}, status.Errorf(codes.InvalidArgument, "Failed to marshal tree: %s", err)
	}
	id := NewID(data)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrees).Put(id[:], data)
	}); err != nil {
		return ID{}, util.StatusWrapf(err, "Failed to store tree %s", id)
	}
	return id, nil
}

func (s *BoltStore) PutBlob(ctx context.Context, data []byte) (ID, error) {
	id := NewID(data)
	compressed := blobEncoder.EncodeAll(data, nil)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put(id[:], compressed)
	}); err != nil {
		return ID{}, util.StatusWrapf(err, "Failed to store blob %s", id)
	}
	return id, nil
}
