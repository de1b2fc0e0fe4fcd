//go:build linux

package checkpointd

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fitrim is FITRIM from <linux/fs.h>: _IOWR('X', 121, struct fstrim_range).
const fitrim = 0xc0185879

// fstrimRange mirrors struct fstrim_range from <linux/fs.h>.
type fstrimRange struct {
	Start  uint64
	Len    uint64
	MinLen uint64
}

// discardAll issues a full-range FITRIM over the filesystem mounted at dir.
func discardAll(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", dir)
	}
	defer unix.Close(fd)

	rng := fstrimRange{Len: ^uint64(0)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fitrim, uintptr(unsafe.Pointer(&rng))); errno != 0 {
		return errors.Wrapf(errno, "trim %s", dir)
	}
	return nil
}

func remountWithCheckpoint(mnt *CheckpointMount) error {
	flags := mnt.Flags | unix.MS_REMOUNT
	if err := unix.Mount(mnt.BlkDevice, mnt.MountPoint, mnt.FsType, flags, "checkpoint=enable"); err != nil {
		return errors.Wrapf(err, "remount %s with checkpoint=enable", mnt.MountPoint)
	}
	return nil
}

func rebootSystem() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

// deviceSize works for regular image files and block devices; stat reports
// zero for the latter, so fall back to BLKGETSIZE64.
func deviceSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	if st.Size() > 0 {
		return st.Size(), nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, errors.Wrap(err, "BLKGETSIZE64")
	}
	return int64(size), nil
}

func parseMountFlags(opts string) uintptr {
	var flags uintptr
	for _, opt := range splitOptions(opts) {
		switch opt {
		case "ro":
			flags |= unix.MS_RDONLY
		case "nosuid":
			flags |= unix.MS_NOSUID
		case "nodev":
			flags |= unix.MS_NODEV
		case "noexec":
			flags |= unix.MS_NOEXEC
		case "sync":
			flags |= unix.MS_SYNCHRONOUS
		case "dirsync":
			flags |= unix.MS_DIRSYNC
		case "noatime":
			flags |= unix.MS_NOATIME
		case "nodiratime":
			flags |= unix.MS_NODIRATIME
		case "relatime":
			flags |= unix.MS_RELATIME
		case "lazytime":
			flags |= unix.MS_LAZYTIME
		}
	}
	return flags
}
