package takeover_test

import (
	"net"
	"os"
	"testing"

	"github.com/scmfs/scmfs/pkg/fschannel"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/mount"
	"github.com/scmfs/scmfs/pkg/store"
	"github.com/scmfs/scmfs/pkg/takeover"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fdToUnixConn(t *testing.T, fd int) *net.UnixConn {
	f := os.NewFile(uintptr(fd), "socketpair")
	conn, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	uc, ok := conn.(*net.UnixConn)
	require.True(t, ok, "socketpair must yield a Unix connection")
	return uc
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a := fdToUnixConn(t, fds[0])
	b := fdToUnixConn(t, fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestTakeoverRoundTrip(t *testing.T) {
	sender, receiver := socketPair(t)

	// A pipe stands in for the FUSE device descriptor. If the handoff
	// works, writes into the predecessor's end must come out of the
	// descriptor the successor received.
	pipeR, pipeW, err := os.Pipe()
	require.NoError(t, err)
	defer pipeR.Close()
	defer pipeW.Close()

	rootID := store.NewID([]byte("checked out root"))
	snapshot := takeover.NewSnapshot()
	index := snapshot.AddMount("repo", &mount.TakeoverData{
		Channel: fschannel.FuseChannelData{
			DeviceFD:  int(pipeR.Fd()),
			MountPath: "/mnt/repo",
		},
		InodeMap: &inode.MapSnapshot{
			NextInodeNumber: 42,
			FsRefs:          map[uint64]uint64{1: 3, 17: 1},
		},
		WorkingCopyParent: "main",
		CheckedOutRoot:    rootID,
	})
	require.Equal(t, 0, index)
	require.NotEmpty(t, snapshot.SessionID)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- takeover.Send(sender, snapshot, []int{int(pipeR.Fd())})
	}()

	received, fds, err := takeover.Receive(receiver)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])

	require.Equal(t, takeover.SnapshotVersion, received.Version)
	require.Equal(t, snapshot.SessionID, received.SessionID)
	require.Len(t, received.Mounts, 1)
	m := received.Mounts[0]
	require.Equal(t, "repo", m.Name)
	require.Equal(t, "/mnt/repo", m.MountPath)
	require.Equal(t, 0, m.DeviceFDIndex)
	require.Equal(t, "main", m.WorkingCopyParent)
	require.Equal(t, rootID.String(), m.CheckedOutRoot)
	require.Equal(t, uint64(42), m.InodeMap.NextInodeNumber)
	require.Equal(t, map[uint64]uint64{1: 3, 17: 1}, m.InodeMap.FsRefs)

	// The received descriptor must refer to the same open pipe.
	_, err = pipeW.WriteString("still mounted")
	require.NoError(t, err)
	transferred := os.NewFile(uintptr(fds[0]), "device")
	buf := make([]byte, 32)
	n, err := transferred.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "still mounted", string(buf[:n]))
}

func TestTakeoverReceiveRejectsBadSnapshots(t *testing.T) {
	t.Run("VersionMismatch", func(t *testing.T) {
		sender, receiver := socketPair(t)
		snapshot := takeover.NewSnapshot()
		snapshot.Version = takeover.SnapshotVersion + 1

		sendErr := make(chan error, 1)
		go func() {
			sendErr <- takeover.Send(sender, snapshot, nil)
		}()
		_, _, err := takeover.Receive(receiver)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
		require.NoError(t, <-sendErr)
	})

	t.Run("DanglingDescriptorIndex", func(t *testing.T) {
		sender, receiver := socketPair(t)
		snapshot := takeover.NewSnapshot()
		snapshot.Mounts = append(snapshot.Mounts, takeover.MountSnapshot{
			Name:          "repo",
			DeviceFDIndex: 5,
		})

		sendErr := make(chan error, 1)
		go func() {
			sendErr <- takeover.Send(sender, snapshot, nil)
		}()
		_, _, err := takeover.Receive(receiver)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
		require.NoError(t, <-sendErr)
	})
}
