// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func sampleCtx() *SaveCtx {
	c := &SaveCtx{
		ImageType:            0x53595354, // SYST
		ImageSize:            1024,
		ImageCRC:             0x12345678,
		TotalRead:            912,
		CurrentInImageOffset: 512,
		FullImageLength:      1424,
		InImageLength:        1424,
		ImageToBeRead:        1,
	}
	copy(c.SlotMeta[:], "metadata-under-construction")
	return c
}

func TestJournalSaveLoadRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	blob := []byte("partition-context-blob")
	if err := j.Save(sampleCtx(), blob); err != nil {
		t.Fatal(err)
	}

	j2, err := New(j.dir)
	if err != nil {
		t.Fatal(err)
	}
	got, gotBlob, err := j2.Load()
	if err != nil {
		t.Fatal(err)
	}
	want := sampleCtx()
	want.CtxCounter = 1
	want.FileIndex = 0
	want.PartitionCtxLen = uint32(len(blob))
	want.PartitionCtxCRC = got.PartitionCtxCRC
	want.CtxCRC = got.CtxCRC
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if string(gotBlob) != string(blob) {
		t.Errorf("blob = %q", gotBlob)
	}
}

func TestJournalColdStart(t *testing.T) {
	j := newTestJournal(t)
	if _, _, err := j.Load(); err != ErrNoCheckpoint {
		t.Errorf("Load on empty dir = %v, want ErrNoCheckpoint", err)
	}
}

func TestJournalRoundRobinAlternatesFiles(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 2; i++ {
		if err := j.Save(sampleCtx(), nil); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(filepath.Join(j.dir, FileNames[i])); err != nil {
			t.Errorf("missing %s after two checkpoints: %v", FileNames[i], err)
		}
	}
}

func TestJournalCounterMonotonic(t *testing.T) {
	j := newTestJournal(t)
	var last uint32
	for i := 0; i < 5; i++ {
		c := sampleCtx()
		if err := j.Save(c, nil); err != nil {
			t.Fatal(err)
		}
		if c.CtxCounter <= last {
			t.Fatalf("counter not monotonic: %d after %d", c.CtxCounter, last)
		}
		last = c.CtxCounter
	}
}

func TestJournalNewerFileWins(t *testing.T) {
	j := newTestJournal(t)
	old := sampleCtx()
	old.TotalRead = 100
	if err := j.Save(old, nil); err != nil {
		t.Fatal(err)
	}
	newer := sampleCtx()
	newer.TotalRead = 200
	if err := j.Save(newer, nil); err != nil {
		t.Fatal(err)
	}

	j2, _ := New(j.dir)
	got, _, err := j2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRead != 200 {
		t.Errorf("TotalRead = %d, want 200 (newest checkpoint)", got.TotalRead)
	}
}

func TestJournalFailoverOnCorruption(t *testing.T) {
	j := newTestJournal(t)
	first := sampleCtx()
	first.TotalRead = 100
	if err := j.Save(first, nil); err != nil {
		t.Fatal(err)
	}
	second := sampleCtx()
	second.TotalRead = 200
	if err := j.Save(second, nil); err != nil {
		t.Fatal(err)
	}

	// Corrupt the newer record (index 1); the older must win.
	path := filepath.Join(j.dir, FileNames[1])
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[10] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	j2, _ := New(j.dir)
	got, _, err := j2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRead != 100 {
		t.Errorf("TotalRead = %d, want 100 (failover to older file)", got.TotalRead)
	}
}

func TestJournalBothCorruptErases(t *testing.T) {
	j := newTestJournal(t)
	if err := j.Save(sampleCtx(), nil); err != nil {
		t.Fatal(err)
	}
	if err := j.Save(sampleCtx(), nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		path := filepath.Join(j.dir, FileNames[i])
		if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	j2, _ := New(j.dir)
	if _, _, err := j2.Load(); err != ErrNoCheckpoint {
		t.Fatalf("Load = %v, want ErrNoCheckpoint", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(filepath.Join(j.dir, FileNames[i])); !os.IsNotExist(err) {
			t.Errorf("%s not erased after double corruption", FileNames[i])
		}
	}
}

func TestJournalBlobCRCDetectsTruncation(t *testing.T) {
	j := newTestJournal(t)
	if err := j.Save(sampleCtx(), []byte("blob-data")); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(j.dir, FileNames[0])
	raw, _ := os.ReadFile(path)
	if err := os.WriteFile(path, raw[:len(raw)-2], 0o600); err != nil {
		t.Fatal(err)
	}
	j2, _ := New(j.dir)
	if _, _, err := j2.Load(); err != ErrNoCheckpoint {
		t.Errorf("Load = %v, want ErrNoCheckpoint", err)
	}
}

func TestJournalEraseIdempotent(t *testing.T) {
	j := newTestJournal(t)
	if err := j.Save(sampleCtx(), nil); err != nil {
		t.Fatal(err)
	}
	if err := j.Erase(); err != nil {
		t.Fatal(err)
	}
	if err := j.Erase(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := j.Load(); err != ErrNoCheckpoint {
		t.Errorf("Load after Erase = %v, want ErrNoCheckpoint", err)
	}
}
