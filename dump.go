package checkpointd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Dump walks the bow log read-only and prints one line per log sector and
// per entry, for bugreports. The walk locates older log sectors the same way
// the restore engine does, by reading sector 0 through the entries learned
// so far.
func Dump(device string, w io.Writer) error {
	f, err := os.Open(device)
	if err != nil {
		return errors.Wrapf(err, "open %s", device)
	}
	defer f.Close()

	size, err := deviceSize(f)
	if err != nil {
		return err
	}
	fmap, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "map %s", device)
	}
	defer fmap.Unmap()
	reader := bytes.NewReader(fmap)

	sec := make([]byte, SECTOR_SIZE)
	if _, err := reader.ReadAt(sec, 0); err != nil {
		return errors.Wrapf(err, "read log header of %s", device)
	}
	first, _, err := decodeLogSector(sec)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: bow log, %d sectors, block 0 stashed at sector %d\n",
		device, first.Sequence+1, first.Sector0)

	table := remapTable{}
	for seq := int64(first.Sequence); seq >= 0; seq-- {
		if err := readSectors(reader, &table, 0, sec); err != nil {
			return err
		}
		ls, entries, err := decodeLogSector(sec)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "log sector %d: %d entries\n", ls.Sequence, ls.Count)
		for i := int(ls.Count) - 1; i >= 0; i-- {
			e := entries[i]
			fmt.Fprintf(w, "  %d <- %d  %s  crc %#08x\n",
				e.Source, e.Dest, humanize.IBytes(uint64(e.Size)), e.Checksum)
			table.add(e)
		}
	}
	return nil
}
