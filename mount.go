package checkpointd

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// FstabEntry is one row of the static mount descriptor. At most one of the
// checkpoint capability flags is set per entry.
type FstabEntry struct {
	BlkDevice     string
	MountPoint    string
	FsType        string
	Flags         uintptr
	CheckpointBlk bool
	CheckpointFs  bool
}

// CheckpointMount is a live mount joined against its checkpoint-participating
// fstab entry.
type CheckpointMount struct {
	FstabEntry
	LiveDevice string
	LiveFsType string
	Options    string
}

// ForEachCheckpointingMount walks the kernel mount table and yields every row
// whose mount point matches a fstab entry carrying a checkpoint flag.
// Unmatched rows are skipped. An error from fn stops the walk.
func (m *Manager) ForEachCheckpointingMount(fn func(*CheckpointMount) error) error {
	byPoint := make(map[string]*FstabEntry)
	for i := range m.Fstab {
		entry := &m.Fstab[i]
		if entry.CheckpointBlk || entry.CheckpointFs {
			byPoint[entry.MountPoint] = entry
		}
	}

	file, err := os.Open(m.MountsPath)
	if err != nil {
		return errors.Wrapf(err, "read mount table %s", m.MountsPath)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) < 4 {
			continue
		}
		entry, ok := byPoint[words[1]]
		if !ok {
			continue
		}
		mnt := &CheckpointMount{
			FstabEntry: *entry,
			LiveDevice: words[0],
			LiveFsType: words[2],
			Options:    words[3],
		}
		if err := fn(mnt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "read mount table %s", m.MountsPath)
	}
	return nil
}

// LoadFstab reads a fstab-style descriptor:
// device mount_point fstype mnt_flags fs_mgr_flags
// Checkpoint participation is declared in fs_mgr_flags as checkpoint=block
// or checkpoint=fs.
func LoadFstab(path string) ([]FstabEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read fstab %s", path)
	}
	return ParseFstab(data), nil
}

func ParseFstab(data []byte) []FstabEntry {
	var entries []FstabEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entry := FstabEntry{
			BlkDevice:  string(fields[0]),
			MountPoint: string(fields[1]),
			FsType:     string(fields[2]),
			Flags:      parseMountFlags(string(fields[3])),
		}
		if len(fields) > 4 {
			for _, flag := range bytes.Split(fields[4], []byte{','}) {
				switch string(flag) {
				case "checkpoint=block":
					entry.CheckpointBlk = true
				case "checkpoint=fs":
					entry.CheckpointFs = true
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
