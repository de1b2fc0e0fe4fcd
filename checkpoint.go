package checkpointd

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	METADATA_FILE  = "/metadata/checkpointd/checkpoint"
	MOUNTS_FILE    = "/proc/mounts"
	ETC_FSTAB      = "/etc/fstab"
	DEV_PREFIX     = "/dev/"
	DAEMON_NAME    = "storaged"
	COMMITTED_PROP = ".checkpoint_committed"

	// checkpoint=enable is understood by f2fs; other filesystems
	// participate in block mode only.
	JOURNAL_FSTYPE = "f2fs"
)

// BootControl is the slice of the boot-control HAL this subsystem consumes.
// It may be absent at runtime; a nil BootControl means "no information".
type BootControl interface {
	CurrentSlotSuffix() (string, error)
	IsCurrentSlotSuccessful() (bool, error)
}

// Manager drives the checkpoint lifecycle. The metadata file is the sole
// persistent coordination point: present means a checkpoint is in progress,
// "<n>" is the remaining retry budget, "-1 <suffix>" arms a rollback scoped
// to the slot that requested it.
type Manager struct {
	MetadataPath string
	MountsPath   string
	DevPrefix    string
	SysRoot      string
	Daemon       string
	Fstab        []FstabEntry
	BootControl  BootControl

	SetProperty func(name, value string) error
	Discard     func(mountPoint string) error
	Remount     func(mnt *CheckpointMount) error
	Reboot      func() error

	isCheckpointing bool
	props           map[string]string
}

func NewManager(fstab []FstabEntry, hal BootControl) *Manager {
	m := &Manager{
		MetadataPath: METADATA_FILE,
		MountsPath:   MOUNTS_FILE,
		DevPrefix:    DEV_PREFIX,
		SysRoot:      "/",
		Daemon:       DAEMON_NAME,
		Fstab:        fstab,
		BootControl:  hal,
		Discard:      discardAll,
		Remount:      remountWithCheckpoint,
		Reboot:       rebootSystem,
	}
	m.SetProperty = m.setLocalProperty
	return m
}

func (m *Manager) setLocalProperty(name, value string) error {
	if m.props == nil {
		m.props = make(map[string]string)
	}
	m.props[name] = value
	return nil
}

// Property returns a value previously stored through the default property
// setter. Deployments wiring a real system-property surface inject their own
// SetProperty instead.
func (m *Manager) Property(name string) string {
	return m.props[name]
}

func (m *Manager) Supports() bool {
	return m.SupportsBlockCheckpoint() || m.SupportsFileCheckpoint()
}

func (m *Manager) SupportsBlockCheckpoint() bool {
	for _, entry := range m.Fstab {
		if entry.CheckpointBlk {
			return true
		}
	}
	return false
}

func (m *Manager) SupportsFileCheckpoint() bool {
	for _, entry := range m.Fstab {
		if entry.CheckpointFs {
			return true
		}
	}
	return false
}

// Start arms a checkpoint with the given retry budget. retry >= 0 writes the
// budget plus one; retry == -1 arms a rollback on next boot, scoped to the
// current slot when the boot-control HAL can name it.
func (m *Manager) Start(retry int) error {
	if retry < -1 {
		return errors.Wrapf(ErrInvalidArgument, "retry count %d", retry)
	}
	content := strconv.Itoa(retry + 1)
	if retry == -1 && m.BootControl != nil {
		suffix, err := m.BootControl.CurrentSlotSuffix()
		if err != nil {
			log.Warnf("boot control cannot name current slot: %v", err)
		} else {
			content = "-1 " + suffix
		}
	}
	if err := os.MkdirAll(filepath.Dir(m.MetadataPath), 0755); err != nil {
		return errors.Wrap(err, "create metadata directory")
	}
	return errors.Wrap(os.WriteFile(m.MetadataPath, []byte(content), 0600), "write checkpoint metadata")
}

// NeedsCheckpoint latches the in-process checkpointing flag when either the
// boot-control HAL reports the current slot unproven, or armed metadata is
// present. The HAL answer wins.
func (m *Manager) NeedsCheckpoint() (bool, error) {
	if m.isCheckpointing {
		return true, nil
	}
	if m.BootControl != nil {
		ok, err := m.BootControl.IsCurrentSlotSuccessful()
		if err != nil {
			log.Warnf("boot control cannot report slot state: %v", err)
		} else if !ok {
			m.isCheckpointing = true
			return true, nil
		}
	}
	content, err := os.ReadFile(m.MetadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "read checkpoint metadata")
	}
	if string(content) != "0" {
		m.isCheckpointing = true
		return true, nil
	}
	return false, nil
}

// NeedsRollback is true when the retry budget ran out ("0"), or when a
// rollback was armed for the slot that is current again.
func (m *Manager) NeedsRollback() (bool, error) {
	content, err := os.ReadFile(m.MetadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "read checkpoint metadata")
	}
	s := string(content)
	if s == "0" {
		return true, nil
	}
	if strings.HasPrefix(s, "-1 ") && m.BootControl != nil {
		suffix, err := m.BootControl.CurrentSlotSuffix()
		if err != nil {
			log.Warnf("boot control cannot name current slot: %v", err)
			return false, nil
		}
		return s == "-1 "+suffix, nil
	}
	return false, nil
}

// MarkBootAttempt burns one unit of the retry budget. Absent metadata is not
// an error; a budget already at zero is left alone.
func (m *Manager) MarkBootAttempt() error {
	content, err := os.ReadFile(m.MetadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read checkpoint metadata")
	}
	fields := strings.Fields(string(content))
	if len(fields) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty checkpoint metadata")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return errors.Wrapf(ErrInvalidArgument, "bad retry counter %q", fields[0])
	}
	if n > 0 {
		if err := os.WriteFile(m.MetadataPath, []byte(strconv.Itoa(n-1)), 0600); err != nil {
			return errors.Wrap(err, "update retry counter")
		}
	}
	return nil
}

// Prepare moves every block-mode mount into the prepared bow state, after a
// best-effort full-range discard to shrink the copy-on-write backlog.
// Per-mount failures are logged and skipped.
func (m *Manager) Prepare() error {
	return m.ForEachCheckpointingMount(func(mnt *CheckpointMount) error {
		if !mnt.CheckpointBlk {
			return nil
		}
		if err := m.Discard(mnt.MountPoint); err != nil {
			log.Warnf("discard of %s failed: %v", mnt.MountPoint, err)
		}
		if err := m.SetBowState(mnt.BlkDevice, "1"); err != nil {
			log.Warnf("cannot prepare %s: %v", mnt.BlkDevice, err)
		}
		return nil
	})
}

// Commit makes all writes since Start permanent: fs-mode mounts are
// remounted with checkpointing enabled, block-mode devices move to the
// committed bow state, and only then is the metadata file removed. Every
// per-mount transition is idempotent, so a commit interrupted before the
// removal can safely run again after the metadata re-arms it.
func (m *Manager) Commit() error {
	if !m.isCheckpointing {
		return nil
	}
	err := m.ForEachCheckpointingMount(func(mnt *CheckpointMount) error {
		switch {
		case mnt.CheckpointFs && mnt.FsType == JOURNAL_FSTYPE:
			if err := m.Remount(mnt); err != nil {
				return err
			}
		case mnt.CheckpointBlk:
			if err := m.SetBowState(mnt.BlkDevice, "2"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.SetProperty(m.Daemon+COMMITTED_PROP, "1"); err != nil {
		return errors.Wrap(err, "set committed property")
	}
	m.isCheckpointing = false
	if err := os.Remove(m.MetadataPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove checkpoint metadata")
	}
	return nil
}

// Rollback restores every block-mode device from its bow log. Meant to run
// at boot once NeedsRollback has answered yes, before the mounts are written.
func (m *Manager) Rollback() error {
	return m.ForEachCheckpointingMount(func(mnt *CheckpointMount) error {
		if !mnt.CheckpointBlk {
			return nil
		}
		return Restore(mnt.BlkDevice)
	})
}

// Abort gives up on the checkpoint and reboots, leaving the armed metadata
// in place so the next boot retries or rolls back.
func (m *Manager) Abort() {
	log.Warn("aborting checkpoint, restarting system")
	if err := m.Reboot(); err != nil {
		log.Errorf("restart failed: %v", err)
	}
}
