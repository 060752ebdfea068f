// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetaRecordRoundTrip(t *testing.T) {
	m := &MetaRecord{
		LogicalBlock: 2,
		PhyBlock:     3,
		ImageSize:    0x2f00000,
		DldSource:    0,
		NbComponents: 1,
	}
	copy(m.CWERaw[:], bytes.Repeat([]byte{0xC3}, MetaCWERawSize))
	raw := m.Encode()
	if len(raw) != MetaRecordSize {
		t.Fatalf("Encode length = %d, want %d", len(raw), MetaRecordSize)
	}
	got, err := DecodeMetaRecord(raw)
	if err != nil {
		t.Fatalf("DecodeMetaRecord: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if got.MagicBegin != MetaMagicBegin || got.MagicEnd != MetaMagicEnd {
		t.Errorf("magics = 0x%08x/0x%08x", got.MagicBegin, got.MagicEnd)
	}
}

func TestDecodeMetaRecordRejectsCorruption(t *testing.T) {
	raw := (&MetaRecord{ImageSize: 1}).Encode()
	raw[150] ^= 0xff
	if _, err := DecodeMetaRecord(raw); err == nil {
		t.Error("corrupted record accepted")
	}

	raw2 := (&MetaRecord{}).Encode()
	raw2[128] = 0
	if _, err := DecodeMetaRecord(raw2); err == nil {
		t.Error("bad begin magic accepted")
	}
}

func TestMetaRecordFieldOffsets(t *testing.T) {
	m := &MetaRecord{ImageSize: 0x11223344}
	raw := m.Encode()
	// imageSize is little-endian at [148:152].
	if raw[148] != 0x44 || raw[149] != 0x33 || raw[150] != 0x22 || raw[151] != 0x11 {
		t.Errorf("imageSize bytes = % x", raw[148:152])
	}
	if FromLittleEndian32(raw[128:132]) != MetaMagicBegin {
		t.Error("magicBegin not at offset 128")
	}
	if FromLittleEndian32(raw[248:252]) != MetaMagicEnd {
		t.Error("magicEnd not at offset 248")
	}
}
