// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Slot metadata record: the 256-byte, little-endian, packed record the
// bootloader reads from the first reserved erase block to install a staged
// image.
const (
	// MetaRecordSize is the packed record size.
	MetaRecordSize = 256
	// MetaCWERawSize is how much of the first CWE header the record
	// carries: the leading bytes only, truncated to fit the packing.
	MetaCWERawSize = 128

	// MetaMagicBegin and MetaMagicEnd delimit the record.
	MetaMagicBegin = 0x92B15380
	MetaMagicEnd   = 0x31DDF742

	// MetaVersion is the record format version.
	MetaVersion = 1
)

// MetaRecord is the slot metadata under construction during a download and
// written to flash at install time.
type MetaRecord struct {
	CWERaw       [MetaCWERawSize]byte // [0:128]   leading bytes of the first CWE header
	MagicBegin   uint32               // [128:132] MetaMagicBegin
	Version      uint32               // [132:136] MetaVersion
	Offset       uint32               // [136:140] offset within the partition, 0
	LogicalBlock uint32               // [140:144] first logical block of the payload
	PhyBlock     uint32               // [144:148] physical block backing it
	ImageSize    uint32               // [148:152] full image size in bytes
	DldSource    uint32               // [152:156] download source, 0 = local
	NbComponents uint32               // [156:160] number of packages, 1
	Reserved     [88]byte             // [160:248] zero
	MagicEnd     uint32               // [248:252] MetaMagicEnd
	CRC32        uint32               // [252:256] CRC over bytes [0:252]
}

// Encode serializes the record to its 256-byte on-media form, field by
// field, recomputing the trailing CRC.
func (m *MetaRecord) Encode() []byte {
	raw := make([]byte, MetaRecordSize)
	copy(raw[0:128], m.CWERaw[:])
	binary.LittleEndian.PutUint32(raw[128:132], MetaMagicBegin)
	binary.LittleEndian.PutUint32(raw[132:136], MetaVersion)
	binary.LittleEndian.PutUint32(raw[136:140], m.Offset)
	binary.LittleEndian.PutUint32(raw[140:144], m.LogicalBlock)
	binary.LittleEndian.PutUint32(raw[144:148], m.PhyBlock)
	binary.LittleEndian.PutUint32(raw[148:152], m.ImageSize)
	binary.LittleEndian.PutUint32(raw[152:156], m.DldSource)
	binary.LittleEndian.PutUint32(raw[156:160], m.NbComponents)
	copy(raw[160:248], m.Reserved[:])
	binary.LittleEndian.PutUint32(raw[248:252], MetaMagicEnd)
	m.MagicBegin = MetaMagicBegin
	m.MagicEnd = MetaMagicEnd
	m.Version = MetaVersion
	m.CRC32 = crc32.ChecksumIEEE(raw[:252])
	binary.LittleEndian.PutUint32(raw[252:256], m.CRC32)
	return raw
}

// DecodeMetaRecord parses and verifies a slot metadata record.
func DecodeMetaRecord(raw []byte) (*MetaRecord, error) {
	if len(raw) < MetaRecordSize {
		return nil, errors.Errorf("swifota: short metadata record: %d bytes", len(raw))
	}
	m := new(MetaRecord)
	copy(m.CWERaw[:], raw[0:128])
	m.MagicBegin = binary.LittleEndian.Uint32(raw[128:132])
	m.Version = binary.LittleEndian.Uint32(raw[132:136])
	m.Offset = binary.LittleEndian.Uint32(raw[136:140])
	m.LogicalBlock = binary.LittleEndian.Uint32(raw[140:144])
	m.PhyBlock = binary.LittleEndian.Uint32(raw[144:148])
	m.ImageSize = binary.LittleEndian.Uint32(raw[148:152])
	m.DldSource = binary.LittleEndian.Uint32(raw[152:156])
	m.NbComponents = binary.LittleEndian.Uint32(raw[156:160])
	copy(m.Reserved[:], raw[160:248])
	m.MagicEnd = binary.LittleEndian.Uint32(raw[248:252])
	m.CRC32 = binary.LittleEndian.Uint32(raw[252:256])

	if m.MagicBegin != MetaMagicBegin || m.MagicEnd != MetaMagicEnd {
		return nil, errors.Errorf("swifota: bad metadata magics 0x%08x/0x%08x", m.MagicBegin, m.MagicEnd)
	}
	if m.Version != MetaVersion {
		return nil, errors.Errorf("swifota: unsupported metadata version %d", m.Version)
	}
	if got := crc32.ChecksumIEEE(raw[:252]); got != m.CRC32 {
		return nil, errors.Errorf("swifota: metadata CRC mismatch: got=0x%08x want=0x%08x", got, m.CRC32)
	}
	return m, nil
}
