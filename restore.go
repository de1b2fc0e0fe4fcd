package checkpointd

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// remapTable accumulates accepted log entries. A read of sector s resolves
// against the newest covering entry; sectors no entry covers read from the
// device directly.
type remapTable struct {
	entries []BowLogEntry
}

func (t *remapTable) add(e BowLogEntry) {
	t.entries = append(t.entries, e)
}

func (t *remapTable) resolve(sector uint64) uint64 {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		n := uint64(e.Size) / SECTOR_SIZE
		if e.Source <= sector && sector < e.Source+n {
			return e.Dest + (sector - e.Source)
		}
	}
	return sector
}

// readSectors reads len(buf) bytes starting at the given sector, resolving
// each sector through table unless table is nil.
func readSectors(r io.ReaderAt, table *remapTable, sector uint64, buf []byte) error {
	for off := 0; off < len(buf); off += SECTOR_SIZE {
		s := sector + uint64(off/SECTOR_SIZE)
		if table != nil {
			s = table.resolve(s)
		}
		if _, err := r.ReadAt(buf[off:off+SECTOR_SIZE], int64(s)*SECTOR_SIZE); err != nil {
			return errors.Wrapf(err, "read sector %d", s)
		}
	}
	return nil
}

func writeSectors(w io.WriterAt, sector uint64, buf []byte) error {
	if _, err := w.WriteAt(buf, int64(sector)*SECTOR_SIZE); err != nil {
		return errors.Wrapf(err, "write sector %d", sector)
	}
	return nil
}

type restorer struct {
	dev    *os.File
	device string
	hdr    BowLogSector // first header, read before any remapping
	table  remapTable
}

// run walks the log newest-first, entries within a sector last-first. Header
// reads at sector 0 always go through the growing remap table; that is how
// successive log sectors are located once an entry has relocated sector 0.
// Payload reads go through the table only while validating.
func (r *restorer) run(validating bool) error {
	r.table = remapTable{}
	var replayed uint64
	sec := make([]byte, SECTOR_SIZE)
	for seq := int64(r.hdr.Sequence); seq >= 0; seq-- {
		if err := readSectors(r.dev, &r.table, 0, sec); err != nil {
			return err
		}
		ls, entries, err := decodeLogSector(sec)
		if err != nil {
			return err
		}
		if int64(ls.Sequence) != seq {
			return errors.Wrapf(ErrInvalidFormat, "log sector sequence expected %d got %d", seq, ls.Sequence)
		}
		for i := int(ls.Count) - 1; i >= 0; i-- {
			if err := r.replay(entries[i], validating); err != nil {
				return err
			}
			replayed += uint64(entries[i].Size)
		}
	}
	action := "restored"
	if validating {
		action = "validated"
	}
	log.Infof("%s %s of checkpoint data on %s", action, humanize.IBytes(replayed), r.device)
	return nil
}

func (r *restorer) replay(e BowLogEntry, validating bool) error {
	if e.Size%BLOCK_SIZE != 0 {
		return errors.Wrapf(ErrInvalidFormat, "log entry size %d is not block aligned", e.Size)
	}
	var table *remapTable
	if validating {
		table = &r.table
	}
	buf := make([]byte, e.Size)
	if err := readSectors(r.dev, table, e.Dest, buf); err != nil {
		return err
	}

	// The checksum chains across the whole payload, seeded with the block
	// number of the original location.
	crc := uint32(e.Source / (BLOCK_SIZE / SECTOR_SIZE))
	for off := 0; off < len(buf); off += BLOCK_SIZE {
		crc = crc32.Update(crc, crc32.IEEETable, buf[off:off+BLOCK_SIZE])
	}
	if e.Checksum != 0 && crc != e.Checksum {
		return errors.Wrapf(ErrChecksumMismatch, "sector %d expected %#08x got %#08x", e.Source, e.Checksum, crc)
	}

	if !validating {
		if err := writeSectors(r.dev, e.Source, buf); err != nil {
			return err
		}
	}
	r.table.add(e)
	return nil
}

// rollForward copies the stashed pre-image of block 0 back to sector 0. A
// log that fails validation cannot be trusted to undo anything, but the
// filesystem can recover through its own journal once its superblock is back.
func (r *restorer) rollForward() error {
	buf := make([]byte, BLOCK_SIZE)
	if err := readSectors(r.dev, &r.table, r.hdr.Sector0, buf); err != nil {
		return err
	}
	if err := writeSectors(r.dev, 0, buf); err != nil {
		return err
	}
	if err := r.dev.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	log.Infof("rolled forward block 0 of %s from sector %d", r.device, r.hdr.Sector0)
	return nil
}

func newRestorer(f *os.File, device string) (*restorer, error) {
	r := &restorer{dev: f, device: device}
	sec := make([]byte, SECTOR_SIZE)
	if _, err := f.ReadAt(sec, 0); err != nil {
		return nil, errors.Wrapf(err, "read log header of %s", device)
	}
	hdr, _, err := decodeLogSector(sec)
	if err != nil {
		return nil, err
	}
	r.hdr = hdr
	return r, nil
}

// Restore undoes all writes recorded in the device's bow log, leaving the
// device as it was when the checkpoint was started. A log that fails
// validation triggers the block 0 roll-forward instead; a failure while
// applying a validated log is fatal and leaves the medium indeterminate.
func Restore(device string) error {
	f, err := os.OpenFile(device, os.O_RDWR|unix.O_EXCL, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", device)
	}
	defer f.Close()

	r, err := newRestorer(f, device)
	if err != nil {
		return err
	}
	if err := r.run(true); err != nil {
		log.Warnf("checkpoint validation of %s failed, attempting roll forward: %v", device, err)
		return r.rollForward()
	}
	if err := r.run(false); err != nil {
		log.Errorf("checkpoint restore of %s failed: %v", device, err)
		return err
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}

// Validate dry-runs the restore without touching the device.
func Validate(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return errors.Wrapf(err, "open %s", device)
	}
	defer f.Close()

	r, err := newRestorer(f, device)
	if err != nil {
		return err
	}
	return r.run(true)
}
