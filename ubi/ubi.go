// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ubi lays out an Unsorted Block Image container inside a region of
// a raw NAND partition: erase-counter headers, volume-ID headers and the
// volume table, such that the finished region is attachable as a UBI device.
//
// On-media layouts follow mtd-utils include/mtd/ubi-media.h. All integer
// fields are big-endian. UBI CRCs are CRC-32 with initial value 0xFFFFFFFF
// and no final inversion.
package ubi

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Magics of the two per-PEB headers.
var (
	// ECMagic is "UBI#".
	ECMagic = []byte{0x55, 0x42, 0x49, 0x23}
	// VIDMagic is "UBI!".
	VIDMagic = []byte{0x55, 0x42, 0x49, 0x21}
)

const (
	// Version is the UBI on-media format version.
	Version = 1

	// ECHeaderSize is the size of an erase-counter header.
	ECHeaderSize = 64
	// VIDHeaderSize is the size of a volume-ID header.
	VIDHeaderSize = 64
	// VTblRecordSize is the size of one volume table record.
	VTblRecordSize = 172

	// MaxVolumes is the number of volume table slots.
	MaxVolumes = 128

	// LayoutVolumeID is the internal volume holding the volume table.
	LayoutVolumeID = 0x7fffefff
	// LayoutVolumePEBs is how many PEBs the volume table occupies.
	LayoutVolumePEBs = 2

	// VolDynamic and VolStatic are the two volume types.
	VolDynamic = 1
	VolStatic  = 2

	// VTblAutoResizeFlag marks the volume that absorbs remaining space.
	VTblAutoResizeFlag = 0x01
)

// CRC32 computes the UBI flavor of CRC-32: initial value 0xFFFFFFFF, no
// final inversion.
func CRC32(p []byte) uint32 {
	return ^crc32.ChecksumIEEE(p)
}

// crc32Update extends a running standard CRC-32 over p.
func crc32Update(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}

// ECHeader is the erase-counter header written at offset 0 of every PEB.
type ECHeader struct {
	Version      uint8  // [4]     format version
	EC           uint64 // [8:16]  erase counter
	VIDHdrOffset uint32 // [16:20] offset of the VID header in the PEB
	DataOffset   uint32 // [20:24] offset of user data in the PEB
	ImageSeq     uint32 // [24:28] image sequence number
	HdrCRC       uint32 // [60:64] CRC over bytes [0:60]
}

// Encode serializes the EC header to its 64-byte wire form, recomputing the
// header CRC.
func (h *ECHeader) Encode() []byte {
	raw := make([]byte, ECHeaderSize)
	copy(raw[0:4], ECMagic)
	raw[4] = h.Version
	binary.BigEndian.PutUint64(raw[8:16], h.EC)
	binary.BigEndian.PutUint32(raw[16:20], h.VIDHdrOffset)
	binary.BigEndian.PutUint32(raw[20:24], h.DataOffset)
	binary.BigEndian.PutUint32(raw[24:28], h.ImageSeq)
	h.HdrCRC = CRC32(raw[:60])
	binary.BigEndian.PutUint32(raw[60:64], h.HdrCRC)
	return raw
}

// DecodeECHeader parses and verifies an erase-counter header.
func DecodeECHeader(raw []byte) (*ECHeader, error) {
	if len(raw) < ECHeaderSize {
		return nil, errors.Errorf("ubi: short EC header: %d bytes", len(raw))
	}
	if string(raw[0:4]) != string(ECMagic) {
		return nil, errors.Errorf("ubi: bad EC magic % x", raw[0:4])
	}
	h := &ECHeader{
		Version:      raw[4],
		EC:           binary.BigEndian.Uint64(raw[8:16]),
		VIDHdrOffset: binary.BigEndian.Uint32(raw[16:20]),
		DataOffset:   binary.BigEndian.Uint32(raw[20:24]),
		ImageSeq:     binary.BigEndian.Uint32(raw[24:28]),
		HdrCRC:       binary.BigEndian.Uint32(raw[60:64]),
	}
	if got := CRC32(raw[:60]); got != h.HdrCRC {
		return nil, errors.Errorf("ubi: EC header CRC mismatch: got=0x%08x want=0x%08x", got, h.HdrCRC)
	}
	return h, nil
}

// VIDHeader is the volume-ID header written at the VID header offset of
// every mapped PEB.
type VIDHeader struct {
	Version  uint8  // [4]     format version
	VolType  uint8  // [5]     VolDynamic or VolStatic
	CopyFlag uint8  // [6]     set on copied PEBs during wear leveling
	Compat   uint8  // [7]     compatibility of internal volumes
	VolID    uint32 // [8:12]  volume this PEB belongs to
	LNum     uint32 // [12:16] logical erase block number
	DataSize uint32 // [20:24] bytes of data in this LEB (static volumes)
	UsedEBs  uint32 // [24:28] total LEBs of the volume (static volumes)
	DataPad  uint32 // [28:32] alignment padding at the end of the LEB
	DataCRC  uint32 // [32:36] CRC over the LEB data (static volumes)
	SqNum    uint64 // [40:48] global sequence number
	HdrCRC   uint32 // [60:64] CRC over bytes [0:60]
}

// Encode serializes the VID header to its 64-byte wire form, recomputing the
// header CRC.
func (h *VIDHeader) Encode() []byte {
	raw := make([]byte, VIDHeaderSize)
	copy(raw[0:4], VIDMagic)
	raw[4] = h.Version
	raw[5] = h.VolType
	raw[6] = h.CopyFlag
	raw[7] = h.Compat
	binary.BigEndian.PutUint32(raw[8:12], h.VolID)
	binary.BigEndian.PutUint32(raw[12:16], h.LNum)
	binary.BigEndian.PutUint32(raw[20:24], h.DataSize)
	binary.BigEndian.PutUint32(raw[24:28], h.UsedEBs)
	binary.BigEndian.PutUint32(raw[28:32], h.DataPad)
	binary.BigEndian.PutUint32(raw[32:36], h.DataCRC)
	binary.BigEndian.PutUint64(raw[40:48], h.SqNum)
	h.HdrCRC = CRC32(raw[:60])
	binary.BigEndian.PutUint32(raw[60:64], h.HdrCRC)
	return raw
}

// DecodeVIDHeader parses and verifies a volume-ID header.
func DecodeVIDHeader(raw []byte) (*VIDHeader, error) {
	if len(raw) < VIDHeaderSize {
		return nil, errors.Errorf("ubi: short VID header: %d bytes", len(raw))
	}
	if string(raw[0:4]) != string(VIDMagic) {
		return nil, errors.Errorf("ubi: bad VID magic % x", raw[0:4])
	}
	h := &VIDHeader{
		Version:  raw[4],
		VolType:  raw[5],
		CopyFlag: raw[6],
		Compat:   raw[7],
		VolID:    binary.BigEndian.Uint32(raw[8:12]),
		LNum:     binary.BigEndian.Uint32(raw[12:16]),
		DataSize: binary.BigEndian.Uint32(raw[20:24]),
		UsedEBs:  binary.BigEndian.Uint32(raw[24:28]),
		DataPad:  binary.BigEndian.Uint32(raw[28:32]),
		DataCRC:  binary.BigEndian.Uint32(raw[32:36]),
		SqNum:    binary.BigEndian.Uint64(raw[40:48]),
		HdrCRC:   binary.BigEndian.Uint32(raw[60:64]),
	}
	if got := CRC32(raw[:60]); got != h.HdrCRC {
		return nil, errors.Errorf("ubi: VID header CRC mismatch: got=0x%08x want=0x%08x", got, h.HdrCRC)
	}
	return h, nil
}

// VTblRecord is one volume table record.
type VTblRecord struct {
	ReservedPEBs uint32    // [0:4]    PEBs reserved for the volume
	Alignment    uint32    // [4:8]    LEB alignment
	DataPad      uint32    // [8:12]   bytes unused at the end of each LEB
	VolType      uint8     // [12]     VolDynamic or VolStatic
	UpdMarker    uint8     // [13]     set while a volume update is in flight
	NameLen      uint16    // [14:16]  length of the name
	Name         [128]byte // [16:144] volume name, NUL padded
	Flags        uint8     // [144]    volume flags
	CRC          uint32    // [168:172] CRC over bytes [0:168]
}

// NameString returns the record name sized by NameLen.
func (r *VTblRecord) NameString() string {
	n := int(r.NameLen)
	if n > len(r.Name) {
		n = len(r.Name)
	}
	return string(r.Name[:n])
}

// Empty reports whether the record describes no volume.
func (r *VTblRecord) Empty() bool {
	return r.ReservedPEBs == 0 && r.NameLen == 0
}

// Encode serializes the record to its 172-byte wire form, recomputing the
// record CRC.
func (r *VTblRecord) Encode() []byte {
	raw := make([]byte, VTblRecordSize)
	binary.BigEndian.PutUint32(raw[0:4], r.ReservedPEBs)
	binary.BigEndian.PutUint32(raw[4:8], r.Alignment)
	binary.BigEndian.PutUint32(raw[8:12], r.DataPad)
	raw[12] = r.VolType
	raw[13] = r.UpdMarker
	binary.BigEndian.PutUint16(raw[14:16], r.NameLen)
	copy(raw[16:144], r.Name[:])
	raw[144] = r.Flags
	r.CRC = CRC32(raw[:168])
	binary.BigEndian.PutUint32(raw[168:172], r.CRC)
	return raw
}

// DecodeVTblRecord parses and verifies one volume table record.
func DecodeVTblRecord(raw []byte) (*VTblRecord, error) {
	if len(raw) < VTblRecordSize {
		return nil, errors.Errorf("ubi: short volume table record: %d bytes", len(raw))
	}
	r := &VTblRecord{
		ReservedPEBs: binary.BigEndian.Uint32(raw[0:4]),
		Alignment:    binary.BigEndian.Uint32(raw[4:8]),
		DataPad:      binary.BigEndian.Uint32(raw[8:12]),
		VolType:      raw[12],
		UpdMarker:    raw[13],
		NameLen:      binary.BigEndian.Uint16(raw[14:16]),
		Flags:        raw[144],
		CRC:          binary.BigEndian.Uint32(raw[168:172]),
	}
	copy(r.Name[:], raw[16:144])
	if got := CRC32(raw[:168]); got != r.CRC {
		return nil, errors.Errorf("ubi: volume table record CRC mismatch: got=0x%08x want=0x%08x", got, r.CRC)
	}
	return r, nil
}
