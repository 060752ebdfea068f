// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/ubi"
)

// partitionCtx is the fixed part of the partition snapshot persisted inside
// the journal's opaque blob; the pending buffer content follows it.
type partitionCtx struct {
	Mode       uint32
	ImageSize  uint64
	Flushed    uint64
	FullCRC    uint32
	FlushCount uint64

	UBIPresent  uint32
	UBIBase     uint64
	UBISeq      uint32
	UBISeqValid uint32

	VolOpen    uint32
	VolID      uint32
	VolType    uint32
	VolSize    uint32
	VolFlags   uint32
	VolLEBs    uint32
	VolWritten uint32
	VolNameLen uint32
	VolName    [128]byte

	BufLen uint32
}

// Snapshot serializes the partition state, pending buffer included, into
// the opaque blob the resume journal checkpoints.
func (p *Partition) Snapshot() ([]byte, error) {
	c := partitionCtx{
		Mode:       uint32(p.mode),
		ImageSize:  uint64(p.imageSize),
		Flushed:    uint64(p.flushed),
		FullCRC:    p.fullCRC,
		FlushCount: p.flushCount,
		BufLen:     uint32(p.bufLen),
	}
	if p.ubi != nil {
		c.UBIPresent = 1
		c.UBIBase = uint64(p.ubi.Base())
		c.UBISeq = p.ubiSeq
		if p.ubiSeqValid {
			c.UBISeqValid = 1
		}
	}
	if p.vol.open {
		c.VolOpen = 1
		c.VolID = p.vol.id
		c.VolType = uint32(p.vol.typ)
		c.VolSize = p.vol.size
		c.VolFlags = uint32(p.vol.flags)
		c.VolLEBs = p.vol.lebs
		c.VolWritten = p.vol.written
		c.VolNameLen = uint32(len(p.vol.name))
		copy(c.VolName[:], p.vol.name)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &c); err != nil {
		return nil, errors.Wrap(err, "swifota: could not serialize partition context")
	}
	buf.Write(p.buf[:p.bufLen])
	return buf.Bytes(), nil
}

// RestorePartition rebuilds a partition from a journal snapshot over an
// already-opened flash device. An embedded UBI container, if any, is
// re-adopted by scanning its region.
func RestorePartition(dev mtd.Device, blob []byte, log logrus.FieldLogger) (*Partition, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var c partitionCtx
	n := binary.Size(&c)
	if len(blob) < n {
		return nil, errors.Wrap(ErrBadParameter, "swifota: short partition context")
	}
	if err := binary.Read(bytes.NewReader(blob[:n]), binary.LittleEndian, &c); err != nil {
		return nil, errors.Wrap(err, "swifota: could not parse partition context")
	}
	if uint32(len(blob)-n) != c.BufLen {
		return nil, errors.Wrap(ErrBadParameter, "swifota: partition context buffer length mismatch")
	}
	if err := dev.Scan(); err != nil {
		return nil, errors.Wrap(err, "swifota: could not scan partition")
	}
	geom := dev.Geometry()
	if c.BufLen > geom.EraseSize {
		return nil, errors.Wrap(ErrBadParameter, "swifota: partition context buffer too large")
	}
	p := &Partition{
		dev:        dev,
		geom:       geom,
		log:        log,
		mode:       Mode(c.Mode),
		imageSize:  int64(c.ImageSize),
		flushed:    int64(c.Flushed),
		fullCRC:    c.FullCRC,
		flushCount: c.FlushCount,
		buf:        make([]byte, geom.EraseSize),
		bufLen:     int(c.BufLen),
	}
	copy(p.buf, blob[n:])
	if err := p.checkCapacity(p.imageSize); err != nil {
		return nil, err
	}

	if c.UBIPresent == 1 {
		b, err := ubi.NewBuilder(dev, int64(c.UBIBase))
		if err != nil {
			return nil, err
		}
		if err := b.Scan(); err != nil {
			return nil, errors.Wrap(err, "swifota: could not re-adopt UBI container")
		}
		b.SetImageSeq(c.UBISeq, c.UBISeqValid == 1)
		p.ubi = b
		p.ubiSeq = c.UBISeq
		p.ubiSeqValid = c.UBISeqValid == 1
	}
	if c.VolOpen == 1 {
		if p.ubi == nil {
			return nil, errors.Wrap(ErrBadParameter, "swifota: volume open without UBI container")
		}
		name := string(c.VolName[:c.VolNameLen])
		info, err := p.ubi.VolumeState(c.VolID)
		if err != nil {
			return nil, err
		}
		if info.Type != uint8(c.VolType) || info.Name != name || info.Flags != uint8(c.VolFlags) {
			return nil, errors.Wrapf(ErrBadParameter,
				"swifota: volume %d changed under resume: have (%d,%q,0x%02x)", c.VolID, info.Type, info.Name, info.Flags)
		}
		p.vol = activeVolume{
			open:    true,
			id:      c.VolID,
			typ:     uint8(c.VolType),
			size:    c.VolSize,
			flags:   uint8(c.VolFlags),
			name:    name,
			lebs:    c.VolLEBs,
			written: c.VolWritten,
		}
	}
	if err := p.seekHead(); err != nil {
		return nil, err
	}
	return p, nil
}
