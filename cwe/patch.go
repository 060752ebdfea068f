// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cwe

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Patch magics. Each occupies the first 8 bytes of the 16-byte magic field;
// the remainder is NUL padding.
const (
	MagicBsdiff = "BSDIFF40"
	MagicImgdiff = "IMGDIFF2"
	MagicNodiff = "NODIFF00"
)

// PatchMetaHeaderSize is the wire size of a patch meta header.
const PatchMetaHeaderSize = 56

// PatchHeaderSize is the wire size of a per-slice patch header.
const PatchHeaderSize = 12

// PatchMetaHeader frames a delta-patch body: it follows the CWE header of a
// component whose DELTAPATCH option bit is set, and precedes the first patch
// slice.
type PatchMetaHeader struct {
	Magic       [16]byte // [0:16]  BSDIFF40 / IMGDIFF2 / NODIFF00
	SegmentSize uint32   // [16:20] patch segment granularity
	NumPatches  uint32   // [20:24] number of patch slices that follow
	UBIVolID    uint32   // [24:28] destination UBI volume id
	UBIVolType  uint32   // [28:32] destination UBI volume type
	UBIVolFlags uint32   // [32:36] destination UBI volume flags
	OrigSize    uint32   // [36:40] original image size
	OrigCRC     uint32   // [40:44] original image CRC-32
	DestSize    uint32   // [44:48] destination image size
	DestCRC     uint32   // [48:52] destination image CRC-32
	UBIImageSeq uint32   // [52:56] image sequence for a container the patch opens
}

// MagicString returns the magic with NUL padding stripped.
func (m *PatchMetaHeader) MagicString() string {
	if i := bytes.IndexByte(m.Magic[:], 0); i >= 0 {
		return string(m.Magic[:i])
	}
	return string(m.Magic[:])
}

// DecodePatchMetaHeader parses a patch meta header and validates its magic.
func DecodePatchMetaHeader(raw []byte) (*PatchMetaHeader, error) {
	if len(raw) < PatchMetaHeaderSize {
		return nil, errors.Errorf("cwe: short patch meta header: %d bytes, want %d", len(raw), PatchMetaHeaderSize)
	}
	m := new(PatchMetaHeader)
	copy(m.Magic[:], raw[0:16])
	m.SegmentSize = binary.BigEndian.Uint32(raw[16:20])
	m.NumPatches = binary.BigEndian.Uint32(raw[20:24])
	m.UBIVolID = binary.BigEndian.Uint32(raw[24:28])
	m.UBIVolType = binary.BigEndian.Uint32(raw[28:32])
	m.UBIVolFlags = binary.BigEndian.Uint32(raw[32:36])
	m.OrigSize = binary.BigEndian.Uint32(raw[36:40])
	m.OrigCRC = binary.BigEndian.Uint32(raw[40:44])
	m.DestSize = binary.BigEndian.Uint32(raw[44:48])
	m.DestCRC = binary.BigEndian.Uint32(raw[48:52])
	m.UBIImageSeq = binary.BigEndian.Uint32(raw[52:56])

	switch m.MagicString() {
	case MagicBsdiff, MagicImgdiff, MagicNodiff:
	default:
		return nil, errors.Errorf("cwe: unknown patch magic %q", m.MagicString())
	}
	return m, nil
}

// Encode serializes the patch meta header to its wire form.
func (m *PatchMetaHeader) Encode() []byte {
	raw := make([]byte, PatchMetaHeaderSize)
	copy(raw[0:16], m.Magic[:])
	binary.BigEndian.PutUint32(raw[16:20], m.SegmentSize)
	binary.BigEndian.PutUint32(raw[20:24], m.NumPatches)
	binary.BigEndian.PutUint32(raw[24:28], m.UBIVolID)
	binary.BigEndian.PutUint32(raw[28:32], m.UBIVolType)
	binary.BigEndian.PutUint32(raw[32:36], m.UBIVolFlags)
	binary.BigEndian.PutUint32(raw[36:40], m.OrigSize)
	binary.BigEndian.PutUint32(raw[40:44], m.OrigCRC)
	binary.BigEndian.PutUint32(raw[44:48], m.DestSize)
	binary.BigEndian.PutUint32(raw[48:52], m.DestCRC)
	binary.BigEndian.PutUint32(raw[52:56], m.UBIImageSeq)
	return raw
}

// SetMagic fills the magic field from a string constant.
func (m *PatchMetaHeader) SetMagic(magic string) {
	m.Magic = [16]byte{}
	copy(m.Magic[:], magic)
}

// PatchHeader frames one patch slice within a delta-patch body.
type PatchHeader struct {
	DestOffset uint32 // [0:4]  offset of the slice in the destination image
	SliceNum   uint32 // [4:8]  slice sequence number, starting at 0
	SliceSize  uint32 // [8:12] slice payload size in bytes
}

// DecodePatchHeader parses a 12-byte patch slice header.
func DecodePatchHeader(raw []byte) (*PatchHeader, error) {
	if len(raw) < PatchHeaderSize {
		return nil, errors.Errorf("cwe: short patch header: %d bytes, want %d", len(raw), PatchHeaderSize)
	}
	return &PatchHeader{
		DestOffset: binary.BigEndian.Uint32(raw[0:4]),
		SliceNum:   binary.BigEndian.Uint32(raw[4:8]),
		SliceSize:  binary.BigEndian.Uint32(raw[8:12]),
	}, nil
}

// Encode serializes the patch slice header to its wire form.
func (p *PatchHeader) Encode() []byte {
	raw := make([]byte, PatchHeaderSize)
	binary.BigEndian.PutUint32(raw[0:4], p.DestOffset)
	binary.BigEndian.PutUint32(raw[4:8], p.SliceNum)
	binary.BigEndian.PutUint32(raw[8:12], p.SliceSize)
	return raw
}
