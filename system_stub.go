//go:build !linux

package checkpointd

import (
	"os"

	"github.com/pkg/errors"
)

// Stub functions, the bow driver and checkpointable mounts are Linux only

func discardAll(dir string) error {
	return errors.New("discard not supported on this platform")
}

func remountWithCheckpoint(mnt *CheckpointMount) error {
	return errors.New("checkpoint remount not supported on this platform")
}

func rebootSystem() error {
	return errors.New("restart not supported on this platform")
}

func deviceSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	return st.Size(), nil
}

func parseMountFlags(opts string) uintptr {
	return 0
}
