package checkpointd_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"checkpointd"
)

const (
	sectorSize = checkpointd.SECTOR_SIZE
	blockSize  = checkpointd.BLOCK_SIZE
)

// newImage returns a zeroed device image of n sectors.
func newImage(n int) []byte {
	return make([]byte, n*sectorSize)
}

func putLogSector(img []byte, sector int, hdr checkpointd.BowLogSector, entries []checkpointd.BowLogEntry) {
	hdr.Magic = checkpointd.BOW_MAGIC
	hdr.Count = uint32(len(entries))
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, hdr)
	for _, e := range entries {
		binary.Write(buf, binary.LittleEndian, e)
	}
	copy(img[sector*sectorSize:], buf.Bytes())
}

// fillSectors paints a recognizable pattern over a run of sectors.
func fillSectors(img []byte, sector, count int, seed byte) {
	for i := 0; i < count*sectorSize; i++ {
		img[sector*sectorSize+i] = seed + byte(i%251)
	}
}

func sectors(img []byte, sector, count int) []byte {
	return img[sector*sectorSize : (sector+count)*sectorSize]
}

func chainCRC(source uint64, payload []byte) uint32 {
	crc := uint32(source / (blockSize / sectorSize))
	for off := 0; off < len(payload); off += blockSize {
		crc = crc32.Update(crc, crc32.IEEETable, payload[off:off+blockSize])
	}
	return crc
}

func writeImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bow.img")
	require.NoError(t, os.WriteFile(path, img, 0644))
	return path
}

func readImage(t *testing.T, path string) []byte {
	t.Helper()
	img, err := os.ReadFile(path)
	require.NoError(t, err)
	return img
}

func TestRestoreEmptyLog(t *testing.T) {
	img := newImage(64)
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0, Sector0: 0}, nil)
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	if diff := cmp.Diff(img, readImage(t, path)); diff != "" {
		t.Errorf("empty log must be a no-op (-want +got):\n%s", diff)
	}
}

func TestRestoreSingleEntry(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)  // overwritten data
	fillSectors(img, 16, 8, 0x80) // stashed pre-image
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     16,
		Size:     blockSize,
		Checksum: chainCRC(8, sectors(img, 16, 8)),
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))

	after := readImage(t, path)
	require.Equal(t, sectors(img, 16, 8), sectors(after, 8, 8), "pre-image must be back at its original sectors")
	require.Equal(t, sectors(img, 16, 8), sectors(after, 16, 8), "stash must be untouched")
}

func TestRestoreIdempotent(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)
	fillSectors(img, 16, 8, 0x80)
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     16,
		Size:     blockSize,
		Checksum: chainCRC(8, sectors(img, 16, 8)),
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	once := readImage(t, path)
	require.NoError(t, checkpointd.Restore(path))
	if diff := cmp.Diff(once, readImage(t, path)); diff != "" {
		t.Errorf("second restore changed the device (-once +twice):\n%s", diff)
	}
}

func TestChecksumMismatchRollsForward(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)
	fillSectors(img, 16, 8, 0x80)
	fillSectors(img, 32, 8, 0xc0) // stashed block 0 pre-image
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     16,
		Size:     blockSize,
		Checksum: chainCRC(8, sectors(img, 16, 8)) + 1,
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0, Sector0: 32}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))

	after := readImage(t, path)
	require.Equal(t, sectors(img, 8, 8), sectors(after, 8, 8), "no entry may be applied after a checksum mismatch")
	require.Equal(t, sectors(img, 32, 8), sectors(after, 0, 8), "block 0 must be rolled forward from the stash")
}

func TestSequenceMismatchRollsForward(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 24, 8, 0x40)
	// Sector 0 claims sequence 2, but nothing relocates it, so the
	// re-read for sequence 1 finds 2 again.
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 2, Sector0: 24}, nil)
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	after := readImage(t, path)
	require.Equal(t, sectors(img, 24, 8), sectors(after, 0, 8))
}

func TestRestoreBadMagicIsFatal(t *testing.T) {
	path := writeImage(t, newImage(64))
	err := checkpointd.Restore(path)
	require.ErrorIs(t, err, checkpointd.ErrInvalidFormat)
}

func TestRestoreChainedLogSectors(t *testing.T) {
	img := newImage(64)
	// The older log sector lives where the newest entry stashed the
	// pre-image of sector 0; the engine finds it by reading sector 0
	// through the remap table.
	putLogSector(img, 32, checkpointd.BowLogSector{Sequence: 0}, nil)
	entry := checkpointd.BowLogEntry{
		Source:   0,
		Dest:     32,
		Size:     blockSize,
		Checksum: chainCRC(0, sectors(img, 32, 8)),
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 1, Sector0: 32}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	after := readImage(t, path)
	require.Equal(t, sectors(img, 32, 8), sectors(after, 0, 8), "sector 0 region must be restored to its pre-image")
}

func TestRestoreChainedChecksum(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 16, 0x22)
	fillSectors(img, 24, 16, 0x99)
	// The CRC is seeded with the block number and chains across both
	// blocks without resetting.
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     24,
		Size:     2 * blockSize,
		Checksum: chainCRC(8, sectors(img, 24, 16)),
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	after := readImage(t, path)
	require.Equal(t, sectors(img, 24, 16), sectors(after, 8, 16))
}

func TestRestoreZeroChecksumSkipsVerification(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)
	fillSectors(img, 16, 8, 0x80)
	entry := checkpointd.BowLogEntry{Source: 8, Dest: 16, Size: blockSize, Checksum: 0}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	after := readImage(t, path)
	require.Equal(t, sectors(img, 16, 8), sectors(after, 8, 8))
}

func TestRestoreUnalignedEntryRollsForward(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)
	fillSectors(img, 32, 8, 0xc0)
	entry := checkpointd.BowLogEntry{Source: 8, Dest: 16, Size: 2048, Checksum: 0}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0, Sector0: 32}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Restore(path))
	after := readImage(t, path)
	require.Equal(t, sectors(img, 8, 8), sectors(after, 8, 8))
	require.Equal(t, sectors(img, 32, 8), sectors(after, 0, 8))
}

func TestValidateWritesNothing(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 8, 8, 0x10)
	fillSectors(img, 16, 8, 0x80)
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     16,
		Size:     blockSize,
		Checksum: chainCRC(8, sectors(img, 16, 8)),
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	require.NoError(t, checkpointd.Validate(path))
	if diff := cmp.Diff(img, readImage(t, path)); diff != "" {
		t.Errorf("validate must not touch the device (-want +got):\n%s", diff)
	}
}

func TestValidateReportsCorruption(t *testing.T) {
	img := newImage(64)
	fillSectors(img, 16, 8, 0x80)
	entry := checkpointd.BowLogEntry{
		Source:   8,
		Dest:     16,
		Size:     blockSize,
		Checksum: chainCRC(8, sectors(img, 16, 8)) ^ 0xdeadbeef,
	}
	putLogSector(img, 0, checkpointd.BowLogSector{Sequence: 0}, []checkpointd.BowLogEntry{entry})
	path := writeImage(t, img)

	err := checkpointd.Validate(path)
	require.ErrorIs(t, err, checkpointd.ErrChecksumMismatch)
}

func TestDecodeRejectsOversizedCount(t *testing.T) {
	img := newImage(64)
	hdr := checkpointd.BowLogSector{Sequence: 0}
	putLogSector(img, 0, hdr, nil)
	// Forge a count that cannot fit in the sector.
	binary.LittleEndian.PutUint32(img[4:], 64)
	path := writeImage(t, img)

	err := checkpointd.Restore(path)
	require.ErrorIs(t, err, checkpointd.ErrInvalidFormat)
}
