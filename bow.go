package checkpointd

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// On-disk layout of the copy-on-write log written by the kernel block
// remapper. All fields are packed little-endian. The first log sector lives
// at device sector 0; older log sectors are reached by reading sector 0
// through the remap table built from newer entries.
const (
	SECTOR_SIZE = 512
	BLOCK_SIZE  = 4096

	BOW_MAGIC = 0x00574F42 // "BOW\0"

	LOG_SECTOR_HDR_SIZE = 20
	LOG_ENTRY_SIZE      = 24
	MAX_LOG_ENTRIES     = (SECTOR_SIZE - LOG_SECTOR_HDR_SIZE) / LOG_ENTRY_SIZE
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidFormat    = errors.New("invalid format")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

type BowLogEntry struct {
	Source   uint64
	Dest     uint64
	Size     uint32
	Checksum uint32
}

type BowLogSector struct {
	Magic    uint32
	Count    uint32
	Sequence uint32
	Sector0  uint64
}

func decodeLogSector(buf []byte) (BowLogSector, []BowLogEntry, error) {
	var hdr BowLogSector
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, errors.Wrap(err, "decode log sector header")
	}
	if hdr.Magic != BOW_MAGIC {
		return hdr, nil, errors.Wrapf(ErrInvalidFormat, "bad log magic %#08x", hdr.Magic)
	}
	if LOG_SECTOR_HDR_SIZE+LOG_ENTRY_SIZE*int(hdr.Count) > SECTOR_SIZE {
		return hdr, nil, errors.Wrapf(ErrInvalidFormat, "log sector claims %d entries, at most %d fit", hdr.Count, MAX_LOG_ENTRIES)
	}
	entries := make([]BowLogEntry, hdr.Count)
	if err := binary.Read(r, binary.LittleEndian, entries); err != nil {
		return hdr, nil, errors.Wrap(err, "decode log entries")
	}
	return hdr, entries, nil
}

// SetBowState writes a bow driver state transition ("0" idle, "1" prepared,
// "2" committed) to the control file derived from the block device path.
func (m *Manager) SetBowState(blockDevice, state string) error {
	if state != "0" && state != "1" && state != "2" {
		return errors.Wrapf(ErrInvalidArgument, "bad bow state %q", state)
	}
	if !strings.HasPrefix(blockDevice, m.DevPrefix) {
		return errors.Wrapf(ErrInvalidArgument, "%s is not under %s", blockDevice, m.DevPrefix)
	}
	tail := strings.TrimPrefix(blockDevice, m.DevPrefix)
	path := filepath.Join(m.SysRoot, "sys", tail, "bow", "state")
	if err := os.WriteFile(path, []byte(state), 0644); err != nil {
		return errors.Wrapf(err, "set bow state of %s to %s", blockDevice, state)
	}
	return nil
}

// Probe reports whether the device carries a bow log at sector 0.
func Probe(device string) (bool, error) {
	f, err := os.Open(device)
	if err != nil {
		return false, errors.Wrapf(err, "open %s", device)
	}
	defer f.Close()

	size, err := deviceSize(f)
	if err != nil {
		return false, err
	}
	if size < SECTOR_SIZE {
		return false, nil
	}
	fmap, err := mmap.MapRegion(f, SECTOR_SIZE, mmap.RDONLY, 0, 0)
	if err != nil {
		return false, errors.Wrapf(err, "map %s", device)
	}
	defer fmap.Unmap()

	return binary.LittleEndian.Uint32(fmap[:4]) == BOW_MAGIC, nil
}
