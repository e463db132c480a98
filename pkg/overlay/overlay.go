package overlay

import (
	"encoding/binary"

	"github.com/boltdb/bolt"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"google.golang.org/grpc/codes"
)

var (
	bucketInodes = []byte("inodes")
	bucketDirs   = []byte("dirs")
	bucketFiles  = []byte("files")
	bucketState  = []byte("state")

	keyParent    = []byte("parent")
	keyNextInode = []byte("next_inode")
)

// The zstd codecs are safe for concurrent use through their
// EncodeAll()/DecodeAll() methods, so one instance of each is shared by
// all overlays in the process.
var (
	fileEncoder *zstd.Encoder
	fileDecoder *zstd.Decoder
)

func init() {
	var err error
	// Zero frames make empty file contents encode to a non-empty
	// frame. Bolt cannot distinguish a zero-length value from an
	// absent key, so a truncated-to-empty file must not store zero
	// bytes.
	if fileEncoder, err = zstd.NewWriter(nil, zstd.WithZeroFrames(true)); err != nil {
		panic(err)
	}
	if fileDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// InodeRecord is the persisted metadata of a single materialized inode.
type InodeRecord struct {
	FileType      uint8  `cbor:"1,keyasint"`
	Mode          uint32 `cbor:"2,keyasint"`
	MtimeUnixNano int64  `cbor:"3,keyasint"`
	SymlinkTarget string `cbor:"4,keyasint,omitempty"`
}

// DirEntryRecord is the persisted form of one directory entry of a
// materialized directory.
type DirEntryRecord struct {
	Name        string `cbor:"1,keyasint"`
	InodeNumber uint64 `cbor:"2,keyasint"`
	FileType    uint8  `cbor:"3,keyasint"`
	Mode        uint32 `cbor:"4,keyasint"`
	// SourceID is the content address of the object backing an
	// unmaterialized entry, empty for materialized ones.
	SourceID []byte `cbor:"5,keyasint,omitempty"`
}

// ParentRecord is the persisted parent commit state of a mount. It is
// what allows a restarted daemon to detect an interrupted checkout.
type ParentRecord struct {
	WorkingCopyParent string `cbor:"1,keyasint"`
	CheckedOutRoot    string `cbor:"2,keyasint"`
	InterruptedFrom   string `cbor:"3,keyasint,omitempty"`
	InterruptedTo     string `cbor:"4,keyasint,omitempty"`
}

// Overlay is the on-disk store of locally modified (materialized) inode
// state of a single mount. It is backed by a Bolt database, whose file
// lock doubles as the mount's exclusive ownership lock: a successor
// process performing takeover can only open the overlay after the
// predecessor has closed it.
type Overlay struct {
	db *bolt.DB
}

// Open opens or creates the overlay database at the provided path.
func Open(path string, options *bolt.Options) (*Overlay, error) {
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to open overlay at %#v", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketInodes, bucketDirs, bucketFiles, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, util.StatusWrap(err, "Failed to initialize overlay buckets")
	}
	return &Overlay{db: db}, nil
}

// Close releases the overlay, including its on-disk lock. It must be
// the last step of mount shutdown, so that a successor takeover process
// can acquire the overlay afterwards.
func (o *Overlay) Close() error {
	return o.db.Close()
}

func inodeKey(inodeNumber uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], inodeNumber)
	return key[:]
}

// SaveInode persists the metadata of a materialized inode.
func (o *Overlay) SaveInode(inodeNumber uint64, record *InodeRecord) error {
	data, err := cbor.Marshal(record)
	if err != nil {
		return util.StatusWrapf(err, "Failed to marshal inode %d", inodeNumber)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInodes).Put(inodeKey(inodeNumber), data)
	})
}

// LoadInode returns the persisted metadata of an inode, or false if the
// inode is not materialized.
func (o *Overlay) LoadInode(inodeNumber uint64) (*InodeRecord, bool, error) {
	var record *InodeRecord
	if err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInodes).Get(inodeKey(inodeNumber))
		if data == nil {
			return nil
		}
		record = &InodeRecord{}
		return cbor.Unmarshal(data, record)
	}); err != nil {
		return nil, false, util.StatusWrapf(err, "Failed to load inode %d", inodeNumber)
	}
	return record, record != nil, nil
}

// SaveDirectory persists the entry list of a materialized directory.
func (o *Overlay) SaveDirectory(inodeNumber uint64, entries []DirEntryRecord) error {
	data, err := cbor.Marshal(entries)
	if err != nil {
		return util.StatusWrapf(err, "Failed to marshal directory %d", inodeNumber)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirs).Put(inodeKey(inodeNumber), data)
	})
}

// LoadDirectory returns the persisted entry list of a directory, or
// false if the directory is not materialized.
func (o *Overlay) LoadDirectory(inodeNumber uint64) ([]DirEntryRecord, bool, error) {
	var entries []DirEntryRecord
	found := false
	if err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDirs).Get(inodeKey(inodeNumber))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, &entries)
	}); err != nil {
		return nil, false, util.StatusWrapf(err, "Failed to load directory %d", inodeNumber)
	}
	return entries, found, nil
}

// SaveFileData persists the contents of a materialized file. Contents
// are compressed, as working copies tend to contain large source files
// that compress well.
func (o *Overlay) SaveFileData(inodeNumber uint64, data []byte) error {
	compressed := fileEncoder.EncodeAll(data, nil)
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put(inodeKey(inodeNumber), compressed)
	})
}

// LoadFileData returns the contents of a materialized file, or false if
// no contents are stored for the inode.
func (o *Overlay) LoadFileData(inodeNumber uint64) ([]byte, bool, error) {
	var compressed []byte
	if err := o.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketFiles).Get(inodeKey(inodeNumber)); data != nil {
			compressed = append([]byte(nil), data...)
		}
		return nil
	}); err != nil {
		return nil, false, util.StatusWrapf(err, "Failed to load file %d", inodeNumber)
	}
	if compressed == nil {
		return nil, false, nil
	}
	data, err := fileDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, util.StatusWrapfWithCode(err, codes.DataLoss, "Failed to decompress file %d", inodeNumber)
	}
	return data, true, nil
}

// RemoveInode removes all persisted state of an inode.
func (o *Overlay) RemoveInode(inodeNumber uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		key := inodeKey(inodeNumber)
		if err := tx.Bucket(bucketInodes).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDirs).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Delete(key)
	})
}

// ForEachInode iterates over all materialized inodes. It is used to
// seed the inode map when a mount is initialized from a persistent
// working copy.
func (o *Overlay) ForEachInode(callback func(inodeNumber uint64, record *InodeRecord) error) error {
	return o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInodes).ForEach(func(k, v []byte) error {
			var record InodeRecord
			if err := cbor.Unmarshal(v, &record); err != nil {
				return util.StatusWrapWithCode(err, codes.DataLoss, "Corrupted inode record")
			}
			return callback(binary.BigEndian.Uint64(k), &record)
		})
	})
}

// SaveParentRecord persists the parent commit state of the mount.
func (o *Overlay) SaveParentRecord(record *ParentRecord) error {
	data, err := cbor.Marshal(record)
	if err != nil {
		return util.StatusWrap(err, "Failed to marshal parent record")
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyParent, data)
	})
}

// LoadParentRecord returns the persisted parent commit state, or false
// if the overlay was freshly created.
func (o *Overlay) LoadParentRecord() (*ParentRecord, bool, error) {
	var record *ParentRecord
	if err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyParent)
		if data == nil {
			return nil
		}
		record = &ParentRecord{}
		return cbor.Unmarshal(data, record)
	}); err != nil {
		return nil, false, util.StatusWrap(err, "Failed to load parent record")
	}
	return record, record != nil, nil
}

// SaveNextInodeNumber persists the inode number allocator position, so
// that inode numbers are never reused across restarts.
func (o *Overlay) SaveNextInodeNumber(next uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyNextInode, inodeKey(next))
	})
}

// LoadNextInodeNumber returns the persisted inode number allocator
// position, or false if none was stored yet.
func (o *Overlay) LoadNextInodeNumber() (uint64, bool, error) {
	var next uint64
	found := false
	if err := o.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketState).Get(keyNextInode); len(data) == 8 {
			next = binary.BigEndian.Uint64(data)
			found = true
		}
		return nil
	}); err != nil {
		return 0, false, util.StatusWrap(err, "Failed to load inode allocator state")
	}
	return next, found, nil
}
