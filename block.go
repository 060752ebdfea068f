// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/ubi"
)

// Partition owns the staging partition for the duration of a download. It
// grows linearly: the first two good erase blocks are reserved for the slot
// metadata record, the remainder collects the image payload either as raw
// bytes or as an embedded UBI container.
//
// Pending data is buffered one erase block (or, in volume mode, one logical
// erase block) at a time; the buffer is exclusively owned here.
type Partition struct {
	dev  mtd.Device
	geom mtd.Geometry
	log  logrus.FieldLogger

	mode      Mode
	imageSize int64

	buf    []byte
	bufLen int

	// flushed is the number of payload bytes laid down on flash, always
	// a whole number of erase blocks. The write head sits at
	// payloadStart()+flushed.
	flushed int64
	// fullCRC is the rolling CRC over the raw erase blocks flushed from
	// the pending buffer. Blocks that CloseUBI counts into flushed for an
	// embedded UBI container, and blocks skipped by a resume seek, are
	// not folded in.
	fullCRC uint32
	// flushCount increments on every erase-block flush; the engine
	// checkpoints when it advances.
	flushCount uint64

	ubi         *ubi.Builder
	ubiSeq      uint32
	ubiSeqValid bool

	vol activeVolume
}

// activeVolume is the UBI volume currently being written.
type activeVolume struct {
	open    bool
	id      uint32
	typ     uint8
	size    uint32
	flags   uint8
	name    string
	lebs    uint32
	written uint32
}

func (p *Partition) payloadStart() int64 {
	return int64(MetadataPEBs) * int64(p.geom.EraseSize)
}

// bufTarget is the flush threshold of the pending buffer: a full erase
// block in raw mode, the usable LEB payload in volume mode.
func (p *Partition) bufTarget() int {
	if p.mode == ModeUBIVolume {
		return int(p.geom.EraseSize - 2*p.geom.WriteSize)
	}
	return int(p.geom.EraseSize)
}

// Mode returns the current write mode.
func (p *Partition) Mode() Mode { return p.mode }

// Flushed returns the payload bytes laid down on flash so far.
func (p *Partition) Flushed() int64 { return p.flushed }

// Buffered returns the pending bytes not yet flushed.
func (p *Partition) Buffered() int { return p.bufLen }

// FlushCount returns the number of erase-block flushes since open; the
// engine checkpoints whenever it advances.
func (p *Partition) FlushCount() uint64 { return p.flushCount }

// FullCRC returns the rolling CRC over the raw erase blocks flushed from the
// pending buffer; UBI container blocks are not included.
func (p *Partition) FullCRC() uint32 { return p.fullCRC }

// Geometry returns the flash geometry of the staging partition.
func (p *Partition) Geometry() mtd.Geometry { return p.geom }

// PayloadBlocks returns the logical and physical index of the first payload
// erase block, for the slot metadata record.
func (p *Partition) PayloadBlocks() (logical, physical uint32, err error) {
	phys, err := p.dev.LEBToPEB(MetadataPEBs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "swifota: could not resolve payload block")
	}
	return MetadataPEBs, phys, nil
}

func (p *Partition) seekHead() error {
	return p.dev.SeekOffset(p.payloadStart() + p.flushed)
}

// checkECC surfaces uncorrectable read errors accumulated by the device.
func (p *Partition) checkECC() error {
	st, err := p.dev.Stats()
	if err != nil {
		// The device refusing the query is not an integrity signal.
		return nil
	}
	if st.Failed > 0 {
		return errors.Wrapf(ErrFault, "swifota: %d uncorrectable ECC failures", st.Failed)
	}
	return nil
}

// Abandon releases the device without flushing the pending buffer. Used on
// recoverable exits — timeout, closed input — where the buffer content
// lives on in the resume journal and the next download rewrites the block.
func (p *Partition) Abandon() error {
	p.mode = ModeClosed
	p.buf = nil
	return p.dev.Close()
}

// Close flushes the trailing partial erase block padded with the erased
// value, verifies the ECC accounting, and releases the device and buffer.
// With force set, close proceeds through an open UBI volume or container.
func (p *Partition) Close(force bool) error {
	if p.mode == ModeClosed {
		return nil
	}
	if p.vol.open {
		if !force {
			return errors.Wrap(ErrBadParameter, "swifota: close with open UBI volume")
		}
		// Half-written volume data must not leak into the raw region.
		p.vol = activeVolume{}
		p.bufLen = 0
		p.mode = ModeUBI
	}
	if p.mode == ModeUBI {
		if !force {
			return errors.Wrap(ErrBadParameter, "swifota: close with open UBI container")
		}
		if err := p.CloseUBI(); err != nil && !force {
			return err
		}
	}
	if p.bufLen > 0 {
		if err := p.flushRawPadded(); err != nil {
			if !force {
				return err
			}
		}
	}
	eccErr := p.checkECC()
	p.mode = ModeClosed
	p.buf = nil
	if err := p.dev.Close(); err != nil {
		return errors.Wrap(err, "swifota: could not close flash device")
	}
	return eccErr
}
