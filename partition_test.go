// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/ubi"
)

const (
	testEraseSize = 4096
	testWriteSize = 512
	testBlocks    = 32
)

func newTestPartition(t *testing.T, imageSize int64) (*Partition, *mtd.MemDevice) {
	t.Helper()
	dev := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	p, err := OpenPartition(dev, imageSize, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p, dev
}

func TestOpenPartitionCapacity(t *testing.T) {
	dev := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	max := int64((testBlocks - MetadataPEBs) * testEraseSize)
	if _, err := OpenPartition(dev, max, 0, nil); err != nil {
		t.Errorf("image exactly filling the payload region rejected: %v", err)
	}
	dev2 := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	if _, err := OpenPartition(dev2, max+1, 0, nil); errors.Cause(err) != ErrBadParameter {
		t.Errorf("oversized image error = %v, want ErrBadParameter", err)
	}
}

func TestOpenPartitionCapacityWithBadBlocks(t *testing.T) {
	dev := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	dev.SetBad(5)
	max := int64((testBlocks - 1 - MetadataPEBs) * testEraseSize)
	if _, err := OpenPartition(dev, max+1, 0, nil); errors.Cause(err) != ErrBadParameter {
		t.Errorf("bad block not subtracted from capacity: %v", err)
	}
}

func TestPartitionWriteHandshake(t *testing.T) {
	p, dev := newTestPartition(t, 3*testEraseSize)

	// Offer more than one erase block: only the bytes completing the
	// block are consumed, and the caller re-drives.
	data := bytes.Repeat([]byte{0xA5}, testEraseSize+100)
	n, err := p.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != testEraseSize {
		t.Fatalf("first Write consumed %d, want %d", n, testEraseSize)
	}
	if p.Flushed() != testEraseSize {
		t.Errorf("Flushed = %d", p.Flushed())
	}
	if p.FlushCount() != 1 {
		t.Errorf("FlushCount = %d", p.FlushCount())
	}
	n, err = p.Write(data[n:])
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 || p.Buffered() != 100 {
		t.Errorf("re-drive consumed %d, buffered %d", n, p.Buffered())
	}

	// The flushed block landed on the first payload block (logical 2).
	if !bytes.Equal(dev.PEB(MetadataPEBs), data[:testEraseSize]) {
		t.Error("flushed block not on first payload block")
	}
	// Rolling CRC covers exactly the flushed bytes.
	if got, want := p.FullCRC(), crc32.ChecksumIEEE(data[:testEraseSize]); got != want {
		t.Errorf("FullCRC = 0x%08x, want 0x%08x", got, want)
	}
}

func TestPartitionDataCRC32SpansBuffer(t *testing.T) {
	p, _ := newTestPartition(t, 3*testEraseSize)
	data := bytes.Repeat([]byte{0x3C}, testEraseSize+200)
	for off := 0; off < len(data); {
		n, err := p.Write(data[off:])
		if err != nil {
			t.Fatal(err)
		}
		off += n
	}
	crc, err := p.DataCRC32(100, int64(len(data))-100)
	if err != nil {
		t.Fatal(err)
	}
	if want := crc32.ChecksumIEEE(data[100:]); crc != want {
		t.Errorf("DataCRC32 = 0x%08x, want 0x%08x", crc, want)
	}
	if _, err := p.DataCRC32(0, int64(len(data))+1); errors.Cause(err) != ErrBadParameter {
		t.Errorf("out-of-range CRC error = %v", err)
	}
}

func TestPartitionCloseFlushesPaddedTail(t *testing.T) {
	p, dev := newTestPartition(t, 2*testEraseSize)
	tail := bytes.Repeat([]byte{0x42}, 300)
	if _, err := p.Write(tail); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(false); err != nil {
		t.Fatal(err)
	}
	blk := dev.PEB(MetadataPEBs)
	if !bytes.Equal(blk[:300], tail) {
		t.Error("tail not flushed")
	}
	for _, b := range blk[300:400] {
		if b != mtd.EraseValue {
			t.Error("tail not padded with the erase value")
			break
		}
	}
}

func TestPartitionUBILifecycle(t *testing.T) {
	p, _ := newTestPartition(t, 20*testEraseSize)

	// Some raw bytes first, so the container starts past a padded block.
	if _, err := p.Write(bytes.Repeat([]byte{0x01}, 100)); err != nil {
		t.Fatal(err)
	}
	if err := p.OpenUBI(0xBEEF, true, true); err != nil {
		t.Fatal(err)
	}
	if p.Mode() != ModeUBI {
		t.Fatalf("mode = %v", p.Mode())
	}
	if p.Flushed() != testEraseSize {
		t.Errorf("partial block not flushed before UBI: %d", p.Flushed())
	}

	if err := p.OpenVolume(0, ubi.VolStatic, 8000, 0, "system", true); err != nil {
		t.Fatal(err)
	}
	lebData := testEraseSize - 2*testWriteSize
	vol := bytes.Repeat([]byte{0x77}, lebData+40)
	for off := 0; off < len(vol); {
		n, err := p.WriteVolume(vol[off:])
		if err != nil {
			t.Fatal(err)
		}
		off += n
	}
	if err := p.CloseVolume(uint32(len(vol))); err != nil {
		t.Fatal(err)
	}

	size, crc, _, _, err := p.UBIVolumeSizeCRC(0)
	if err != nil {
		t.Fatal(err)
	}
	if size != uint32(len(vol)) || crc != crc32.ChecksumIEEE(vol) {
		t.Errorf("UBIVolumeSizeCRC = (%d, 0x%08x)", size, crc)
	}

	before := p.Flushed()
	if err := p.CloseUBI(); err != nil {
		t.Fatal(err)
	}
	// Layout volume + 2 data LEBs.
	if want := before + 4*testEraseSize; p.Flushed() != want {
		t.Errorf("Flushed after CloseUBI = %d, want %d", p.Flushed(), want)
	}
	if p.Mode() != ModeRaw {
		t.Errorf("mode after CloseUBI = %v", p.Mode())
	}
}

func TestPartitionVolumeResumeMismatch(t *testing.T) {
	p, _ := newTestPartition(t, 20*testEraseSize)
	if err := p.OpenUBI(1, true, true); err != nil {
		t.Fatal(err)
	}
	if err := p.OpenVolume(0, ubi.VolStatic, 4000, 0, "modem", true); err != nil {
		t.Fatal(err)
	}
	if _, err := p.WriteVolume([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := p.CloseVolume(3); err != nil {
		t.Fatal(err)
	}
	// Reopening without create must verify type, name and flags.
	if err := p.OpenVolume(0, ubi.VolDynamic, 4000, 0, "modem", false); errors.Cause(err) != ErrBadParameter {
		t.Errorf("type mismatch error = %v, want ErrBadParameter", err)
	}
	if err := p.OpenVolume(0, ubi.VolStatic, 4000, 0, "wrong", false); errors.Cause(err) != ErrBadParameter {
		t.Errorf("name mismatch error = %v, want ErrBadParameter", err)
	}
	if err := p.OpenVolume(0, ubi.VolStatic, 4000, 0, "modem", false); err != nil {
		t.Errorf("matching reopen rejected: %v", err)
	}
}

func TestPartitionSnapshotRestore(t *testing.T) {
	p, dev := newTestPartition(t, 4*testEraseSize)
	data := bytes.Repeat([]byte{0x5A}, testEraseSize+912)
	for off := 0; off < len(data); {
		n, err := p.Write(data[off:])
		if err != nil {
			t.Fatal(err)
		}
		off += n
	}
	blob, err := p.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	p2, err := RestorePartition(dev, blob, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Flushed() != p.Flushed() || p2.Buffered() != p.Buffered() || p2.FullCRC() != p.FullCRC() {
		t.Errorf("restored state = (%d, %d, 0x%08x), want (%d, %d, 0x%08x)",
			p2.Flushed(), p2.Buffered(), p2.FullCRC(), p.Flushed(), p.Buffered(), p.FullCRC())
	}

	// Writes continue seamlessly across the restore.
	rest := bytes.Repeat([]byte{0x5A}, testEraseSize-912)
	for off := 0; off < len(rest); {
		n, werr := p2.Write(rest[off:])
		if werr != nil {
			t.Fatal(werr)
		}
		off += n
	}
	crc, err := p2.DataCRC32(0, 2*testEraseSize)
	if err != nil {
		t.Fatal(err)
	}
	want := crc32.Update(crc32.ChecksumIEEE(data), crc32.IEEETable, rest)
	if crc != want {
		t.Errorf("post-restore CRC = 0x%08x, want 0x%08x", crc, want)
	}
}

func TestWriteMetadataRoundTrip(t *testing.T) {
	dev := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	rec := &MetaRecord{
		LogicalBlock: 2,
		PhyBlock:     2,
		ImageSize:    1424,
		NbComponents: 1,
	}
	copy(rec.CWERaw[:], bytes.Repeat([]byte{0xAB}, MetaCWERawSize))
	if err := WriteMetadata(dev, rec); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMetadata(dev)
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageSize != 1424 || got.LogicalBlock != 2 || !bytes.Equal(got.CWERaw[:], rec.CWERaw[:]) {
		t.Errorf("metadata round trip mismatch: %+v", got)
	}
}
