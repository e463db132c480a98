// Package takeover hands the live state of a daemon to a successor
// process over a Unix socket. The snapshot itself is CBOR encoded; the
// FUSE device descriptors, which cannot be serialized, travel alongside
// it as SCM_RIGHTS ancillary data. Because the kernel connections stay
// open throughout, clients of the filesystem observe at most a pause,
// never an unmount.
package takeover

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/mount"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SnapshotVersion is bumped whenever the wire format changes in a way
// an older daemon cannot decode. Takeover between daemons with
// different snapshot versions is refused; the predecessor then shuts
// down normally instead.
const SnapshotVersion = 1

const (
	maximumSnapshotSizeBytes = 16 << 20
	maximumDeviceDescriptors = 128
)

// MountSnapshot is the takeover state of a single mount. The device
// descriptor is referenced by its index into the descriptor array that
// accompanies the snapshot.
type MountSnapshot struct {
	Name              string             `cbor:"1,keyasint"`
	MountPath         string             `cbor:"2,keyasint"`
	DeviceFDIndex     int                `cbor:"3,keyasint"`
	InodeMap          *inode.MapSnapshot `cbor:"4,keyasint"`
	WorkingCopyParent string             `cbor:"5,keyasint"`
	CheckedOutRoot    string             `cbor:"6,keyasint"`
}

// Snapshot is the full takeover state of a daemon.
type Snapshot struct {
	Version   int             `cbor:"1,keyasint"`
	SessionID string          `cbor:"2,keyasint"`
	Mounts    []MountSnapshot `cbor:"3,keyasint"`
}

// NewSnapshot creates an empty snapshot with a fresh session ID. The
// session ID ties the predecessor's and successor's log records
// together.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		SessionID: uuid.New().String(),
	}
}

// AddMount records the state of one stopped mount. It returns the index
// at which the mount's device descriptor must be placed in the
// descriptor array passed to Send().
func (s *Snapshot) AddMount(name string, data *mount.TakeoverData) int {
	index := len(s.Mounts)
	s.Mounts = append(s.Mounts, MountSnapshot{
		Name:              name,
		MountPath:         data.Channel.MountPath,
		DeviceFDIndex:     index,
		InodeMap:          data.InodeMap,
		WorkingCopyParent: string(data.WorkingCopyParent),
		CheckedOutRoot:    data.CheckedOutRoot.String(),
	})
	return index
}

func (s *Snapshot) validate(descriptorCount int) error {
	if s.Version != SnapshotVersion {
		return status.Errorf(codes.InvalidArgument, "Snapshot has version %d, while this daemon speaks version %d", s.Version, SnapshotVersion)
	}
	for _, m := range s.Mounts {
		if m.DeviceFDIndex < 0 || m.DeviceFDIndex >= descriptorCount {
			return status.Errorf(codes.InvalidArgument, "Mount %#v references device descriptor %d, while only %d were transferred", m.Name, m.DeviceFDIndex, descriptorCount)
		}
	}
	return nil
}

// Send transfers the snapshot and the device descriptors it references
// to the successor at the other end of the socket. The descriptors
// remain open in the sending process; the caller closes them once the
// successor has confirmed the handoff by closing the socket.
func Send(conn *net.UnixConn, snapshot *Snapshot, deviceFDs []int) error {
	payload, err := cbor.Marshal(snapshot)
	if err != nil {
		return util.StatusWrap(err, "Failed to marshal snapshot")
	}
	if len(payload) > maximumSnapshotSizeBytes {
		return status.Errorf(codes.ResourceExhausted, "Snapshot is %d bytes, which exceeds the maximum of %d", len(payload), maximumSnapshotSizeBytes)
	}
	message := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(message, uint32(len(payload)))
	copy(message[4:], payload)

	// The descriptors ride along with the first segment. A stream
	// socket may accept fewer bytes than offered, so the remainder is
	// sent with plain writes.
	var rights []byte
	if len(deviceFDs) > 0 {
		rights = unix.UnixRights(deviceFDs...)
	}
	n, _, err := conn.WriteMsgUnix(message, rights, nil)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to send snapshot")
	}
	for n < len(message) {
		w, err := conn.Write(message[n:])
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to send snapshot")
		}
		n += w
	}
	return nil
}

// Receive reads a snapshot and its device descriptors from a
// predecessor. The returned descriptors have close-on-exec set. On
// error any descriptors that were already transferred are closed.
func Receive(conn *net.UnixConn) (*Snapshot, []int, error) {
	header := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(maximumDeviceDescriptors*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(header, oob)
	if err != nil {
		return nil, nil, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to receive snapshot")
	}
	deviceFDs, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if n < len(header) {
		if _, err := io.ReadFull(conn, header[n:]); err != nil {
			closeAll(deviceFDs)
			return nil, nil, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to receive snapshot header")
		}
	}
	size := binary.BigEndian.Uint32(header)
	if size > maximumSnapshotSizeBytes {
		closeAll(deviceFDs)
		return nil, nil, status.Errorf(codes.ResourceExhausted, "Snapshot is %d bytes, which exceeds the maximum of %d", size, maximumSnapshotSizeBytes)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		closeAll(deviceFDs)
		return nil, nil, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to receive snapshot payload")
	}
	snapshot := &Snapshot{}
	if err := cbor.Unmarshal(payload, snapshot); err != nil {
		closeAll(deviceFDs)
		return nil, nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal snapshot")
	}
	if err := snapshot.validate(len(deviceFDs)); err != nil {
		closeAll(deviceFDs)
		return nil, nil, err
	}
	return snapshot, deviceFDs, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	var fds []int
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse ancillary data")
	}
	for _, scm := range scms {
		scmFDs, err := unix.ParseUnixRights(&scm)
		if err != nil {
			closeAll(fds)
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse transferred descriptors")
		}
		for _, fd := range scmFDs {
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
				closeAll(append(fds, fd))
				return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to set close-on-exec on transferred descriptor")
			}
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
