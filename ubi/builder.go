// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ubi

import (
	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/mtd"
)

// Builder errors.
var (
	// ErrExists reports that a valid container is already present.
	ErrExists = errors.New("ubi: container already present")
	// ErrFormat reports on-media content that is not a valid container.
	ErrFormat = errors.New("ubi: bad container format")
	// ErrNoVolume reports a volume id with no table record.
	ErrNoVolume = errors.New("ubi: no such volume")
)

type volumeState struct {
	lebs     uint32 // LEBs written so far
	size     uint32 // bytes written so far
	adjusted uint32 // final size recorded by AdjustSize, 0 until then
}

// Builder carves a UBI container out of a contiguous region of a scanned
// flash partition, starting at an erase-block-aligned logical byte offset.
// PEB indices below are container-relative: PEB 0 is the first block of the
// region and holds the first copy of the volume table.
type Builder struct {
	dev  mtd.Device
	geom mtd.Geometry
	base int64

	imageSeq uint32
	seqValid bool
	sqnum    uint64

	vtbl  []VTblRecord
	state map[uint32]*volumeState
	// mapping from volID<<32|lnum to container-relative PEB index.
	mapping  map[uint64]uint32
	dataPEBs uint32
}

// NewBuilder returns a builder over dev for the container region starting
// at the given logical byte offset. The offset must be erase-block aligned.
func NewBuilder(dev mtd.Device, base int64) (*Builder, error) {
	geom := dev.Geometry()
	if base%int64(geom.EraseSize) != 0 {
		return nil, errors.Errorf("ubi: container offset %d not erase-block aligned", base)
	}
	b := &Builder{
		dev:     dev,
		geom:    geom,
		base:    base,
		vtbl:    make([]VTblRecord, vtblSlots(geom)),
		state:   make(map[uint32]*volumeState),
		mapping: make(map[uint64]uint32),
	}
	return b, nil
}

func vtblSlots(geom mtd.Geometry) int {
	slots := int(lebDataSize(geom)) / VTblRecordSize
	if slots > MaxVolumes {
		slots = MaxVolumes
	}
	return slots
}

func lebDataSize(geom mtd.Geometry) uint32 {
	return geom.EraseSize - 2*geom.WriteSize
}

// LEBDataSize returns the usable bytes per logical erase block:
// erase size minus the two header pages.
func (b *Builder) LEBDataSize() uint32 { return lebDataSize(b.geom) }

// PEBsUsed returns the number of physical erase blocks the container
// occupies, volume table included.
func (b *Builder) PEBsUsed() uint32 { return LayoutVolumePEBs + b.dataPEBs }

// Base returns the logical byte offset of the container.
func (b *Builder) Base() int64 { return b.base }

// ImageSeq returns the image sequence number stamped into EC headers.
func (b *Builder) ImageSeq() (uint32, bool) { return b.imageSeq, b.seqValid }

// SetImageSeq sets the image sequence number stamped into the EC headers of
// subsequently written blocks. Sequence numbers carried by delta packages
// flow through here unchanged.
func (b *Builder) SetImageSeq(seq uint32, valid bool) {
	b.imageSeq = seq
	b.seqValid = valid
}

func (b *Builder) blockIndex(peb uint32) uint32 {
	return uint32(b.base/int64(b.geom.EraseSize)) + peb
}

func (b *Builder) ecHeader() *ECHeader {
	seq := uint32(0)
	if b.seqValid {
		seq = b.imageSeq
	}
	return &ECHeader{
		Version:      Version,
		EC:           1,
		VIDHdrOffset: b.geom.WriteSize,
		DataOffset:   2 * b.geom.WriteSize,
		ImageSeq:     seq,
	}
}

func (b *Builder) padToWriteSize(p []byte) []byte {
	ws := int(b.geom.WriteSize)
	if rem := len(p) % ws; rem != 0 {
		pad := make([]byte, ws-rem)
		for i := range pad {
			pad[i] = mtd.EraseValue
		}
		p = append(p, pad...)
	}
	return p
}

// writePEB lays down one container PEB: EC header page, VID header page,
// then the data pages.
func (b *Builder) writePEB(peb uint32, vid *VIDHeader, data []byte) error {
	blk := b.blockIndex(peb)
	if err := b.dev.EraseBlock(blk); err != nil {
		return errors.Wrapf(err, "ubi: could not erase container PEB %d", peb)
	}
	if err := b.dev.SeekBlock(blk); err != nil {
		return err
	}
	page := b.padToWriteSize(b.ecHeader().Encode())
	if _, err := b.dev.Write(page); err != nil {
		return errors.Wrapf(err, "ubi: could not write EC header of PEB %d", peb)
	}
	vid.SqNum = b.sqnum
	b.sqnum++
	page = b.padToWriteSize(vid.Encode())
	if _, err := b.dev.Write(page); err != nil {
		return errors.Wrapf(err, "ubi: could not write VID header of PEB %d", peb)
	}
	if len(data) > 0 {
		if _, err := b.dev.Write(b.padToWriteSize(data)); err != nil {
			return errors.Wrapf(err, "ubi: could not write data of PEB %d", peb)
		}
	}
	return nil
}

func (b *Builder) vtblBytes() []byte {
	var raw []byte
	for i := range b.vtbl {
		raw = append(raw, b.vtbl[i].Encode()...)
	}
	return raw
}

func (b *Builder) writeLayoutVolume() error {
	data := b.vtblBytes()
	for copyNum := uint32(0); copyNum < LayoutVolumePEBs; copyNum++ {
		vid := &VIDHeader{
			Version: Version,
			VolType: VolDynamic,
			Compat:  0,
			VolID:   LayoutVolumeID,
			LNum:    copyNum,
		}
		if err := b.writePEB(copyNum, vid, data); err != nil {
			return err
		}
	}
	return nil
}

// Format writes a fresh container: two copies of an empty volume table.
func (b *Builder) Format() error {
	b.vtbl = make([]VTblRecord, vtblSlots(b.geom))
	b.state = make(map[uint32]*volumeState)
	b.mapping = make(map[uint64]uint32)
	b.dataPEBs = 0
	b.sqnum = 0
	return b.writeLayoutVolume()
}

// Create prepares the container region. With force set a fresh container is
// always written; otherwise an existing valid container at the region start
// is adopted, and a fresh one written only if none verifies.
func (b *Builder) Create(force bool) error {
	if !force {
		if err := b.Scan(); err == nil {
			return nil
		}
	}
	return b.Format()
}

// Scan adopts an existing container: it verifies the layout volume, loads
// the volume table, and walks the data PEBs to rebuild the logical mapping.
// Used on resume.
func (b *Builder) Scan() error {
	raw := make([]byte, b.geom.EraseSize)
	if err := b.dev.SeekBlock(b.blockIndex(0)); err != nil {
		return err
	}
	if _, err := b.dev.Read(raw); err != nil {
		return errors.Wrap(err, "ubi: could not read layout PEB 0")
	}
	ec, err := DecodeECHeader(raw[:ECHeaderSize])
	if err != nil {
		return errors.Wrap(ErrFormat, err.Error())
	}
	vid, err := DecodeVIDHeader(raw[ec.VIDHdrOffset : ec.VIDHdrOffset+VIDHeaderSize])
	if err != nil {
		return errors.Wrap(ErrFormat, err.Error())
	}
	if vid.VolID != LayoutVolumeID {
		return errors.Wrapf(ErrFormat, "ubi: PEB 0 belongs to volume 0x%08x, not the layout volume", vid.VolID)
	}
	b.imageSeq = ec.ImageSeq
	b.seqValid = ec.ImageSeq != 0

	slots := vtblSlots(b.geom)
	b.vtbl = make([]VTblRecord, slots)
	tbl := raw[ec.DataOffset:]
	for i := 0; i < slots; i++ {
		rec, err := DecodeVTblRecord(tbl[i*VTblRecordSize : (i+1)*VTblRecordSize])
		if err != nil {
			return errors.Wrap(ErrFormat, err.Error())
		}
		b.vtbl[i] = *rec
	}

	// Walk data PEBs until the first unmapped block.
	b.state = make(map[uint32]*volumeState)
	b.mapping = make(map[uint64]uint32)
	b.dataPEBs = 0
	b.sqnum = vid.SqNum + 1
	total := uint32(b.geom.Size / b.geom.EraseSize)
	for peb := uint32(LayoutVolumePEBs); b.blockIndex(peb) < total; peb++ {
		if err := b.dev.SeekBlock(b.blockIndex(peb)); err != nil {
			return err
		}
		if _, err := b.dev.Read(raw[:2*b.geom.WriteSize]); err != nil {
			break
		}
		ec, err := DecodeECHeader(raw[:ECHeaderSize])
		if err != nil {
			break
		}
		dvid, err := DecodeVIDHeader(raw[ec.VIDHdrOffset : ec.VIDHdrOffset+VIDHeaderSize])
		if err != nil {
			break
		}
		b.mapping[volLeb(dvid.VolID, dvid.LNum)] = peb
		st := b.volState(dvid.VolID)
		st.lebs++
		if dvid.VolType == VolStatic {
			st.size += dvid.DataSize
		} else {
			st.size += lebDataSize(b.geom)
		}
		if dvid.SqNum >= b.sqnum {
			b.sqnum = dvid.SqNum + 1
		}
		b.dataPEBs++
	}
	return nil
}

func volLeb(volID, lnum uint32) uint64 {
	return uint64(volID)<<32 | uint64(lnum)
}

func (b *Builder) volState(volID uint32) *volumeState {
	st, ok := b.state[volID]
	if !ok {
		st = &volumeState{}
		b.state[volID] = st
	}
	return st
}

// Volume returns the table record for the given volume id.
func (b *Builder) Volume(volID uint32) (*VTblRecord, error) {
	if volID >= uint32(len(b.vtbl)) {
		return nil, errors.Wrapf(ErrNoVolume, "ubi: volume id %d out of table range", volID)
	}
	if b.vtbl[volID].Empty() {
		return nil, errors.Wrapf(ErrNoVolume, "ubi: volume %d", volID)
	}
	return &b.vtbl[volID], nil
}

// CreateVolume adds a volume table record and rewrites the layout volume.
// maxSize bounds the reserved PEB accounting.
func (b *Builder) CreateVolume(volID uint32, name string, volType uint8, maxSize uint32, flags uint8) error {
	if volID >= uint32(len(b.vtbl)) {
		return errors.Errorf("ubi: volume id %d out of table range", volID)
	}
	if len(name) > 127 {
		return errors.Errorf("ubi: volume name %q too long", name)
	}
	if volType != VolDynamic && volType != VolStatic {
		return errors.Errorf("ubi: bad volume type %d", volType)
	}
	leb := lebDataSize(b.geom)
	rec := VTblRecord{
		ReservedPEBs: (maxSize + leb - 1) / leb,
		Alignment:    1,
		VolType:      volType,
		UpdMarker:    1,
		NameLen:      uint16(len(name)),
		Flags:        flags,
	}
	copy(rec.Name[:], name)
	b.vtbl[volID] = rec
	b.volState(volID)
	return b.writeLayoutVolume()
}

// WriteBlock appends one logical erase block of volume data to the
// container. Blocks of a volume must arrive in LEB order. padToPEB is
// accepted for call-site symmetry; trailing pages of a NAND block already
// read back as the erase value.
func (b *Builder) WriteBlock(volID, lnum uint32, data []byte, padToPEB bool) error {
	rec, err := b.Volume(volID)
	if err != nil {
		return err
	}
	if uint32(len(data)) > lebDataSize(b.geom) {
		return errors.Errorf("ubi: LEB write of %d bytes exceeds %d", len(data), lebDataSize(b.geom))
	}
	vid := &VIDHeader{
		Version: Version,
		VolType: rec.VolType,
		VolID:   volID,
		LNum:    lnum,
	}
	if rec.VolType == VolStatic {
		vid.DataSize = uint32(len(data))
		vid.DataCRC = CRC32(data)
	}
	peb := LayoutVolumePEBs + b.dataPEBs
	if err := b.writePEB(peb, vid, data); err != nil {
		return err
	}
	b.mapping[volLeb(volID, lnum)] = peb
	b.dataPEBs++
	st := b.volState(volID)
	st.lebs++
	st.size += uint32(len(data))
	_ = padToPEB
	return nil
}

// ReadBlock reads back the data of one logical erase block of a volume.
// For static volumes the stored length is returned; for dynamic volumes the
// full LEB data area.
func (b *Builder) ReadBlock(volID, lnum uint32, buf []byte) (int, error) {
	peb, ok := b.mapping[volLeb(volID, lnum)]
	if !ok {
		return 0, errors.Wrapf(ErrNoVolume, "ubi: volume %d LEB %d not mapped", volID, lnum)
	}
	hdr := make([]byte, 2*b.geom.WriteSize)
	if err := b.dev.SeekBlock(b.blockIndex(peb)); err != nil {
		return 0, err
	}
	if _, err := b.dev.Read(hdr); err != nil {
		return 0, err
	}
	ec, err := DecodeECHeader(hdr[:ECHeaderSize])
	if err != nil {
		return 0, err
	}
	vid, err := DecodeVIDHeader(hdr[ec.VIDHdrOffset : ec.VIDHdrOffset+VIDHeaderSize])
	if err != nil {
		return 0, err
	}
	n := lebDataSize(b.geom)
	if vid.VolType == VolStatic {
		n = vid.DataSize
	}
	if uint32(len(buf)) < n {
		n = uint32(len(buf))
	}
	if err := b.dev.SeekOffset(int64(b.blockIndex(peb))*int64(b.geom.EraseSize) + int64(ec.DataOffset)); err != nil {
		return 0, err
	}
	rn, err := b.dev.Read(buf[:n])
	if err != nil {
		return rn, err
	}
	return rn, nil
}

// VolumeInfo describes a volume for resume verification.
type VolumeInfo struct {
	Type  uint8
	Name  string
	Flags uint8
	LEBs  uint32
	Size  uint32
}

// VolumeState returns the type, name, flags and write progress of a volume.
func (b *Builder) VolumeState(volID uint32) (VolumeInfo, error) {
	rec, err := b.Volume(volID)
	if err != nil {
		return VolumeInfo{}, err
	}
	st := b.volState(volID)
	return VolumeInfo{
		Type:  rec.VolType,
		Name:  rec.NameString(),
		Flags: rec.Flags,
		LEBs:  st.lebs,
		Size:  st.size,
	}, nil
}

// AdjustSize records the final data length of a static volume once writing
// is complete and clears its update marker in the volume table.
func (b *Builder) AdjustSize(volID, actualSize uint32) error {
	rec, err := b.Volume(volID)
	if err != nil {
		return err
	}
	st := b.volState(volID)
	st.adjusted = actualSize
	if rec.UpdMarker != 0 {
		rec.UpdMarker = 0
		return b.writeLayoutVolume()
	}
	return nil
}

// VolumeSizeCRC returns the data length of a volume and the CRC-32 over its
// data, read back from the container in LEB order.
func (b *Builder) VolumeSizeCRC(volID uint32) (uint32, uint32, error) {
	st := b.volState(volID)
	buf := make([]byte, lebDataSize(b.geom))
	crc := uint32(0)
	var size uint32
	for leb := uint32(0); leb < st.lebs; leb++ {
		n, err := b.ReadBlock(volID, leb, buf)
		if err != nil {
			return 0, 0, err
		}
		crc = crc32Update(crc, buf[:n])
		size += uint32(n)
	}
	return size, crc, nil
}

// SizeCRC returns the total data length of every volume in the container
// and the CRC-32 over all volume data in (volume, LEB) order.
func (b *Builder) SizeCRC() (uint32, uint32, error) {
	buf := make([]byte, lebDataSize(b.geom))
	crc := uint32(0)
	var size uint32
	for volID := uint32(0); volID < uint32(len(b.vtbl)); volID++ {
		if b.vtbl[volID].Empty() {
			continue
		}
		st := b.volState(volID)
		for leb := uint32(0); leb < st.lebs; leb++ {
			n, err := b.ReadBlock(volID, leb, buf)
			if err != nil {
				return 0, 0, err
			}
			crc = crc32Update(crc, buf[:n])
			size += uint32(n)
		}
	}
	return size, crc, nil
}
