package store

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IDSizeBytes is the size of the BLAKE3 digest used to address objects.
const IDSizeBytes = 32

// ID is the content address of an immutable tree or blob object. Objects
// are keyed by the BLAKE3 digest of their canonical encoding.
type ID [IDSizeBytes]byte

// NewID computes the content address of a serialized object.
func NewID(data []byte) ID {
	return ID(blake3.Sum256(data))
}

// ParseID converts the hexadecimal representation of an object ID back
// to its binary form.
func ParseID(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != IDSizeBytes {
		return ID{}, status.Errorf(codes.InvalidArgument, "Object ID %#v does not have the right length", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, status.Errorf(codes.InvalidArgument, "Object ID %#v is not a valid hexadecimal string", s)
	}
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns whether the ID is the zero value, which is used as a
// sentinel for "no object".
func (id ID) IsZero() bool {
	return id == ID{}
}

// RootID identifies a commit in source control whose root tree can be
// resolved through Store.ResolveRoot(). Its format is opaque to this
// package; it is typically a source control revision hash.
type RootID string
