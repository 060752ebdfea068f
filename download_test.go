// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/cwe"
	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/patch"
	"github.com/zchee/go-swifota/ubi"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testEngine wires an engine to an in-memory NAND partition.
func testEngine(t *testing.T) (*Engine, *mtd.MemDevice) {
	t.Helper()
	dev := mtd.NewMemDevice(testEraseSize, testWriteSize, testBlocks)
	dir := t.TempDir()
	e := New()
	e.Log = quietLogger()
	e.JournalDir = filepath.Join(dir, "ctx")
	e.StatusPath = filepath.Join(dir, "fwupdate_status")
	e.OpenDevice = func(mode mtd.OpenMode) (mtd.Device, error) {
		return dev, nil
	}
	return e, dev
}

func leafHeader(typ cwe.ImageType, body []byte, opts cwe.MiscOpts) []byte {
	h := &cwe.Header{
		ImageType: typ,
		ImageSize: uint32(len(body)),
		CRC32:     crc32.ChecksumIEEE(body),
		MiscOpts:  opts,
	}
	copy(h.Version[:], "SWI9X28A_00.00.00.01")
	return h.Encode()
}

func patternBody(n int) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i * 7)
	}
	return body
}

func wantStatus(t *testing.T, e *Engine, want Status) {
	t.Helper()
	got, _, err := e.UpdateStatus()
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got != want {
		t.Errorf("status = %v, want %v", got, want)
	}
}

func TestDownloadPlainSingleComponent(t *testing.T) {
	e, dev := testEngine(t)
	body := patternBody(1024)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)

	if err := e.DownloadStream(bytes.NewReader(pkg)); err != nil {
		t.Fatalf("DownloadStream: %v", err)
	}
	wantStatus(t, e, StatusOK)

	// The payload region starts with the 400-byte header, then the body.
	peb := dev.PEB(MetadataPEBs)
	if !bytes.Equal(peb[:cwe.HeaderSize], pkg[:cwe.HeaderSize]) {
		t.Error("first payload block does not start with the CWE header")
	}
	if !bytes.Equal(peb[cwe.HeaderSize:cwe.HeaderSize+1024], body) {
		t.Error("body bytes not on media")
	}

	// Success erases the journal.
	if pos, err := e.ResumePosition(); err != nil || pos != 0 {
		t.Errorf("ResumePosition after success = (%d, %v)", pos, err)
	}

	// Install writes the slot metadata, metadata-first, then reboots.
	rebooted := false
	e.Reboot = func() error { rebooted = true; return nil }
	if err := e.Install(false); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !rebooted {
		t.Error("Install did not reboot")
	}
	rec, err := ReadMetadata(dev)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if rec.ImageSize != 1424 || rec.NbComponents != 1 {
		t.Errorf("metadata = %+v", rec)
	}
	if !bytes.Equal(rec.CWERaw[:], pkg[:MetaCWERawSize]) {
		t.Error("metadata does not carry the first CWE header bytes")
	}
	wantStatus(t, e, StatusInstOngoing)
}

func TestDownloadCompositePackage(t *testing.T) {
	e, dev := testEngine(t)
	modm := patternBody(700)
	syst := patternBody(900)
	rest := append(leafHeader(cwe.TypeAMSS, modm, 0), modm...)
	rest = append(rest, leafHeader(cwe.TypeSYST, syst, 0)...)
	rest = append(rest, syst...)
	pkg := append(leafHeader(cwe.TypeAPPL, rest, 0), rest...)

	if err := e.DownloadStream(bytes.NewReader(pkg)); err != nil {
		t.Fatalf("DownloadStream: %v", err)
	}
	wantStatus(t, e, StatusOK)

	// All four records appear on media in order.
	got := make([]byte, len(pkg))
	if err := dev.Scan(); err != nil {
		t.Fatal(err)
	}
	if err := dev.SeekBlock(MetadataPEBs); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkg) {
		t.Error("media does not reproduce the package byte for byte")
	}
}

func TestDownloadHeaderSplitAcrossReads(t *testing.T) {
	e, _ := testEngine(t)
	body := patternBody(600)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)
	if err := e.DownloadStream(iotest.OneByteReader(bytes.NewReader(pkg))); err != nil {
		t.Fatalf("one-byte reads: %v", err)
	}
	wantStatus(t, e, StatusOK)
}

func TestDownloadResumeMidBody(t *testing.T) {
	e, dev := testEngine(t)
	body := patternBody(1024)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)

	// Deliver the header and 512 body bytes, then the stream dies.
	err := e.DownloadStream(bytes.NewReader(pkg[:912]))
	if errors.Cause(err) != ErrClosed {
		t.Fatalf("truncated download error = %v, want ErrClosed", err)
	}

	pos, err := e.ResumePosition()
	if err != nil {
		t.Fatal(err)
	}
	if pos != 912 {
		t.Fatalf("ResumePosition = %d, want 912", pos)
	}

	// Feed the remaining bytes; the checkpoint carries the rest.
	if err := e.DownloadStream(bytes.NewReader(pkg[912:])); err != nil {
		t.Fatalf("resumed download: %v", err)
	}
	wantStatus(t, e, StatusOK)

	peb := dev.PEB(MetadataPEBs)
	if !bytes.Equal(peb[cwe.HeaderSize:cwe.HeaderSize+1024], body) {
		t.Error("resumed body bytes not on media")
	}
}

func TestDownloadResumeAcrossEngines(t *testing.T) {
	// A power cut kills the process: a fresh engine over the same
	// journal directory and partition must continue seamlessly.
	e, dev := testEngine(t)
	body := patternBody(3 * testEraseSize)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)
	cut := testEraseSize + 700

	if err := e.DownloadStream(bytes.NewReader(pkg[:cut])); errors.Cause(err) != ErrClosed {
		t.Fatalf("truncated download error = %v", err)
	}

	e2 := New()
	e2.Log = quietLogger()
	e2.JournalDir = e.JournalDir
	e2.StatusPath = e.StatusPath
	e2.OpenDevice = func(mode mtd.OpenMode) (mtd.Device, error) { return dev, nil }

	pos, err := e2.ResumePosition()
	if err != nil {
		t.Fatal(err)
	}
	if pos != int64(cut) {
		t.Fatalf("ResumePosition = %d, want %d", pos, cut)
	}
	if err := e2.DownloadStream(bytes.NewReader(pkg[cut:])); err != nil {
		t.Fatalf("resumed download: %v", err)
	}

	if err := dev.Scan(); err != nil {
		t.Fatal(err)
	}
	if err := dev.SeekBlock(MetadataPEBs); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(pkg))
	if _, err := dev.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkg) {
		t.Error("media does not reproduce the package after a cross-engine resume")
	}
}

func TestDownloadCRCMismatch(t *testing.T) {
	e, _ := testEngine(t)
	body := patternBody(1024)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)
	pkg[len(pkg)-1] ^= 0xff

	err := e.DownloadStream(bytes.NewReader(pkg))
	if errors.Cause(err) != ErrFault {
		t.Fatalf("error = %v, want ErrFault", err)
	}
	wantStatus(t, e, StatusDwlFailed)

	// The journal is erased: no bogus resume.
	if pos, err := e.ResumePosition(); err != nil || pos != 0 {
		t.Errorf("ResumePosition after fault = (%d, %v)", pos, err)
	}
}

func TestDownloadTimeout(t *testing.T) {
	e, _ := testEngine(t)
	e.ReadTimeout = 100 * time.Millisecond
	body := patternBody(1024)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if _, err := w.Write(pkg[:912]); err != nil {
		t.Fatal(err)
	}

	// The writer goes quiet mid-body; the engine must report Timeout and
	// preserve the checkpoint.
	derr := e.Download(r)
	if errors.Cause(derr) != ErrTimeout {
		t.Fatalf("error = %v, want ErrTimeout", derr)
	}
	wantStatus(t, e, StatusDwlTimeout)

	pos, err := e.ResumePosition()
	if err != nil {
		t.Fatal(err)
	}
	if pos != 912 {
		t.Fatalf("ResumePosition = %d, want 912", pos)
	}

	if err := e.DownloadStream(bytes.NewReader(pkg[912:])); err != nil {
		t.Fatalf("resumed download: %v", err)
	}
	wantStatus(t, e, StatusOK)
}

func TestDownloadBsdiffDeltaOnRawRegion(t *testing.T) {
	// The framing under test: patch meta, one slice, origin and
	// destination CRC reconciliation. The byte-mixing algorithm is a
	// plugin; a pass-through stands in for bsdiff here.
	patch.Register(cwe.MagicBsdiff, func(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (patch.Algorithm, error) {
		return patch.NewCopyAlgorithm(), nil
	})

	e, dev := testEngine(t)
	origin := patternBody(512)
	e.OpenOrigin = func(meta *cwe.PatchMetaHeader) (io.ReaderAt, error) {
		return bytes.NewReader(origin), nil
	}

	dest := patternBody(800)
	meta := &cwe.PatchMetaHeader{
		SegmentSize: 4096,
		NumPatches:  1,
		OrigSize:    uint32(len(origin)),
		OrigCRC:     crc32.ChecksumIEEE(origin),
		DestSize:    uint32(len(dest)),
		DestCRC:     crc32.ChecksumIEEE(dest),
	}
	meta.SetMagic(cwe.MagicBsdiff)
	slice := &cwe.PatchHeader{DestOffset: 0, SliceNum: 0, SliceSize: uint32(len(dest))}

	var comp []byte
	comp = append(comp, meta.Encode()...)
	comp = append(comp, slice.Encode()...)
	comp = append(comp, dest...)
	pkg := append(leafHeader(cwe.TypeSYST, comp, cwe.OptDeltaPatch), comp...)

	if err := e.DownloadStream(bytes.NewReader(pkg)); err != nil {
		t.Fatalf("delta download: %v", err)
	}
	wantStatus(t, e, StatusOK)

	// The destination region follows the leaf header on flash.
	peb := dev.PEB(MetadataPEBs)
	if !bytes.Equal(peb[cwe.HeaderSize:cwe.HeaderSize+len(dest)], dest) {
		t.Error("patched destination not on media")
	}
}

func TestDownloadBsdiffDestCRCMismatch(t *testing.T) {
	patch.Register(cwe.MagicBsdiff, func(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (patch.Algorithm, error) {
		return patch.NewCopyAlgorithm(), nil
	})
	e, _ := testEngine(t)

	dest := patternBody(300)
	meta := &cwe.PatchMetaHeader{
		NumPatches: 1,
		DestSize:   uint32(len(dest)),
		DestCRC:    crc32.ChecksumIEEE(dest) ^ 1,
	}
	meta.SetMagic(cwe.MagicBsdiff)
	slice := &cwe.PatchHeader{SliceNum: 0, SliceSize: uint32(len(dest))}

	var comp []byte
	comp = append(comp, meta.Encode()...)
	comp = append(comp, slice.Encode()...)
	comp = append(comp, dest...)
	pkg := append(leafHeader(cwe.TypeSYST, comp, cwe.OptDeltaPatch), comp...)

	if err := e.DownloadStream(bytes.NewReader(pkg)); errors.Cause(err) != ErrFault {
		t.Fatalf("error = %v, want ErrFault", err)
	}
	wantStatus(t, e, StatusDwlFailed)
}

func TestDownloadImgdiffDeltaIntoUBIVolume(t *testing.T) {
	patch.Register(cwe.MagicImgdiff, func(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (patch.Algorithm, error) {
		return patch.NewCopyAlgorithm(), nil
	})
	e, dev := testEngine(t)

	dest := patternBody(5000)
	meta := &cwe.PatchMetaHeader{
		NumPatches:  1,
		UBIVolID:    0,
		UBIVolType:  ubi.VolStatic,
		UBIImageSeq: 0x00C0FFEE,
		DestSize:    uint32(len(dest)),
		DestCRC:     crc32.ChecksumIEEE(dest),
	}
	meta.SetMagic(cwe.MagicImgdiff)
	slice := &cwe.PatchHeader{SliceNum: 0, SliceSize: uint32(len(dest))}

	var comp []byte
	comp = append(comp, meta.Encode()...)
	comp = append(comp, slice.Encode()...)
	comp = append(comp, dest...)
	pkg := append(leafHeader(cwe.TypeSYST, comp, cwe.OptDeltaPatch), comp...)

	if err := e.DownloadStream(bytes.NewReader(pkg)); err != nil {
		t.Fatalf("imgdiff download: %v", err)
	}
	wantStatus(t, e, StatusOK)

	// The container begins one erase block after the padded leaf header.
	if err := dev.Scan(); err != nil {
		t.Fatal(err)
	}
	b, err := ubi.NewBuilder(dev, int64((MetadataPEBs+1)*testEraseSize))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Scan(); err != nil {
		t.Fatalf("container not adoptable: %v", err)
	}
	seq, valid := b.ImageSeq()
	if !valid || seq != 0x00C0FFEE {
		t.Errorf("image sequence = (0x%08x, %v)", seq, valid)
	}
	size, crc, err := b.VolumeSizeCRC(0)
	if err != nil {
		t.Fatal(err)
	}
	if size != uint32(len(dest)) || crc != crc32.ChecksumIEEE(dest) {
		t.Errorf("volume = (%d, 0x%08x)", size, crc)
	}
}

func TestDownloadMetaSubPackageBounds(t *testing.T) {
	e, _ := testEngine(t)

	// Nine cached headers is the limit; the body replays header data for
	// delta children.
	var metaBody []byte
	for i := 0; i < 9; i++ {
		metaBody = append(metaBody, leafHeader(cwe.TypeSYST, patternBody(100+i), 0)...)
	}
	rest := append(leafHeader(cwe.TypeMETA, metaBody, 0), metaBody...)
	pkg := append(leafHeader(cwe.TypeAPPL, rest, 0), rest...)
	if err := e.DownloadStream(bytes.NewReader(pkg)); err != nil {
		t.Fatalf("nine META headers rejected: %v", err)
	}

	// Ten is rejected before any body byte is consumed.
	e2, _ := testEngine(t)
	var tenBody []byte
	for i := 0; i < 10; i++ {
		tenBody = append(tenBody, leafHeader(cwe.TypeSYST, patternBody(100), 0)...)
	}
	rest2 := append(leafHeader(cwe.TypeMETA, tenBody, 0), tenBody...)
	pkg2 := append(leafHeader(cwe.TypeAPPL, rest2, 0), rest2...)
	if err := e2.DownloadStream(bytes.NewReader(pkg2)); errors.Cause(err) != ErrFault {
		t.Fatalf("ten META headers error = %v, want ErrFault", err)
	}
}

func TestDownloadOversizedImage(t *testing.T) {
	e, _ := testEngine(t)
	max := (testBlocks - MetadataPEBs) * testEraseSize
	h := &cwe.Header{
		ImageType: cwe.TypeSYST,
		ImageSize: uint32(max-cwe.HeaderSize) + 1,
		CRC32:     0,
	}
	err := e.DownloadStream(bytes.NewReader(h.Encode()))
	if errors.Cause(err) != ErrFault {
		t.Fatalf("error = %v, want ErrFault", err)
	}
}

func TestEngineBusy(t *testing.T) {
	e, _ := testEngine(t)
	e.busy = true
	if err := e.DownloadStream(bytes.NewReader(nil)); errors.Cause(err) != ErrBusy {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	if err := e.Install(false); errors.Cause(err) != ErrBusy {
		t.Errorf("Install error = %v, want ErrBusy", err)
	}
}

func TestInitDownloadIdempotent(t *testing.T) {
	e, _ := testEngine(t)
	body := patternBody(1024)
	pkg := append(leafHeader(cwe.TypeSYST, body, 0), body...)
	if err := e.DownloadStream(bytes.NewReader(pkg[:912])); errors.Cause(err) != ErrClosed {
		t.Fatal("expected truncated download")
	}
	if err := e.InitDownload(); err != nil {
		t.Fatal(err)
	}
	if err := e.InitDownload(); err != nil {
		t.Fatalf("second InitDownload: %v", err)
	}
	if pos, err := e.ResumePosition(); err != nil || pos != 0 {
		t.Errorf("ResumePosition after init = (%d, %v)", pos, err)
	}
}

func TestDownloadNilInput(t *testing.T) {
	e, _ := testEngine(t)
	if err := e.Download(nil); errors.Cause(err) != ErrBadParameter {
		t.Errorf("error = %v, want ErrBadParameter", err)
	}
}
