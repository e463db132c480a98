//go:build linux
// +build linux

package fschannel

import (
	"fmt"
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sys/unix"
)

// OpenDeviceAndMount opens /dev/fuse and attaches it to mountPath
// directly, without going through fusermount. The returned descriptor
// outlives any FUSE server created on top of it, which is what makes
// graceful takeover possible: pass it to FuseChannelOptions.DeviceFD.
//
// Requires CAP_SYS_ADMIN.
func OpenDeviceAndMount(mountPath, fsName string) (int, error) {
	fd, err := unix.Open("/dev/fuse", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, util.StatusWrap(err, "Failed to open /dev/fuse")
	}
	options := fmt.Sprintf(
		"fd=%d,rootmode=40000,user_id=%d,group_id=%d,default_permissions,allow_other",
		fd, os.Getuid(), os.Getgid())
	if err := unix.Mount(fsName, mountPath, "fuse.scmfs", unix.MS_NOSUID|unix.MS_NODEV, options); err != nil {
		unix.Close(fd)
		return -1, util.StatusWrapf(err, "Failed to mount %#v", mountPath)
	}
	return fd, nil
}

// DetachMount lazily unmounts mountPath. The kernel connection dies
// once the last user of the mount goes away.
func DetachMount(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.MNT_DETACH); err != nil {
		return util.StatusWrapf(err, "Failed to unmount %#v", mountPath)
	}
	return nil
}
