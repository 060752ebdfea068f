// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtd

import (
	"github.com/pkg/errors"
)

// EraseValue is the byte value of erased NAND cells.
const EraseValue = 0xff

// MemDevice is an in-memory NAND partition implementing Device. It models
// geometry, erased state, bad blocks and logical addressing, and is the
// device every test in this module runs against.
type MemDevice struct {
	geom Geometry
	data []byte

	bad map[uint32]bool
	// failErase injects a one-shot hardware failure for a PEB.
	failErase map[uint32]bool
	// eccFailed is reported through Stats.
	eccFailed uint32

	lebToPeb []uint32
	cursor   int64
	closed   bool
}

// NewMemDevice returns an erased in-memory partition with the given
// geometry. eraseSize must be a multiple of writeSize.
func NewMemDevice(eraseSize, writeSize, nbBlocks uint32) *MemDevice {
	d := &MemDevice{
		geom: Geometry{
			EraseSize: eraseSize,
			WriteSize: writeSize,
			NbBlocks:  nbBlocks,
			Size:      eraseSize * nbBlocks,
		},
		data:      make([]byte, eraseSize*nbBlocks),
		bad:       make(map[uint32]bool),
		failErase: make(map[uint32]bool),
	}
	for i := range d.data {
		d.data[i] = EraseValue
	}
	return d
}

// SetBad injects a factory bad block at the given physical index.
func (d *MemDevice) SetBad(peb uint32) { d.bad[peb] = true }

// FailNextErase injects a one-shot erase failure at the given physical
// index; the failing erase marks the block bad, as real flash does.
func (d *MemDevice) FailNextErase(peb uint32) { d.failErase[peb] = true }

// SetECCFailed sets the uncorrectable-error counter reported by Stats.
func (d *MemDevice) SetECCFailed(n uint32) { d.eccFailed = n }

// Bytes exposes the raw backing array for test assertions.
func (d *MemDevice) Bytes() []byte { return d.data }

// PEB returns the backing bytes of one physical erase block.
func (d *MemDevice) PEB(index uint32) []byte {
	es := d.geom.EraseSize
	return d.data[index*es : (index+1)*es]
}

// Geometry returns the simulated geometry.
func (d *MemDevice) Geometry() Geometry { return d.geom }

// Scan records the good physical blocks in order and switches to logical
// addressing.
func (d *MemDevice) Scan() error {
	lebs := make([]uint32, 0, d.geom.NbBlocks)
	for peb := uint32(0); peb < d.geom.NbBlocks; peb++ {
		if !d.bad[peb] {
			lebs = append(lebs, peb)
		}
	}
	d.lebToPeb = lebs
	d.cursor = 0
	return nil
}

// Unscan returns to physical addressing.
func (d *MemDevice) Unscan() {
	d.lebToPeb = nil
	d.cursor = 0
}

// NbLEB returns the number of good erase blocks found by Scan.
func (d *MemDevice) NbLEB() uint32 { return uint32(len(d.lebToPeb)) }

// LEBToPEB returns the physical erase block backing a logical one.
func (d *MemDevice) LEBToPEB(leb uint32) (uint32, error) {
	if d.lebToPeb == nil {
		return 0, errors.New("mtd: device not scanned")
	}
	return d.peb(leb)
}

// IsBad reports whether the physical erase block at index is bad.
func (d *MemDevice) IsBad(index uint32) (bool, error) {
	if index >= d.geom.NbBlocks {
		return false, errors.Errorf("mtd: block %d out of range", index)
	}
	return d.bad[index], nil
}

// MarkBad marks the physical erase block at index bad.
func (d *MemDevice) MarkBad(index uint32) error {
	if index >= d.geom.NbBlocks {
		return errors.Errorf("mtd: block %d out of range", index)
	}
	d.bad[index] = true
	return nil
}

func (d *MemDevice) peb(index uint32) (uint32, error) {
	if d.lebToPeb == nil {
		if index >= d.geom.NbBlocks {
			return 0, errors.Errorf("mtd: block %d out of range", index)
		}
		return index, nil
	}
	if index >= uint32(len(d.lebToPeb)) {
		return 0, errors.Errorf("mtd: logical block %d out of range (%d good blocks)", index, len(d.lebToPeb))
	}
	return d.lebToPeb[index], nil
}

// EraseBlock erases one erase block; an injected failure marks the block
// bad and reports ErrHardware.
func (d *MemDevice) EraseBlock(index uint32) error {
	peb, err := d.peb(index)
	if err != nil {
		return err
	}
	if d.failErase[peb] {
		delete(d.failErase, peb)
		d.bad[peb] = true
		return errors.Wrapf(ErrHardware, "mtd: erase of block %d (PEB %d)", index, peb)
	}
	blk := d.PEB(peb)
	for i := range blk {
		blk[i] = EraseValue
	}
	return nil
}

// SeekBlock positions the cursor at the start of the given block.
func (d *MemDevice) SeekBlock(index uint32) error {
	return d.SeekOffset(int64(index) * int64(d.geom.EraseSize))
}

// SeekOffset positions the cursor at the given byte offset.
func (d *MemDevice) SeekOffset(off int64) error {
	if off < 0 || off > int64(d.geom.Size) {
		return errors.Errorf("mtd: seek offset %d out of range", off)
	}
	d.cursor = off
	return nil
}

// Tell returns the current byte offset of the cursor.
func (d *MemDevice) Tell() int64 { return d.cursor }

// Read reads from the cursor, translating logical offsets when scanned.
func (d *MemDevice) Read(p []byte) (int, error) {
	total := 0
	es := int64(d.geom.EraseSize)
	for len(p) > 0 {
		blk := uint32(d.cursor / es)
		in := d.cursor % es
		peb, err := d.peb(blk)
		if err != nil {
			return total, err
		}
		n := es - in
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		src := d.PEB(peb)[in : in+n]
		copy(p, src)
		total += int(n)
		d.cursor += n
		p = p[n:]
	}
	return total, nil
}

// Write writes at the cursor in whole write units.
func (d *MemDevice) Write(p []byte) (int, error) {
	if uint32(len(p))%d.geom.WriteSize != 0 {
		return 0, errors.Wrapf(ErrBadWriteSize, "mtd: write of %d bytes", len(p))
	}
	total := 0
	es := int64(d.geom.EraseSize)
	for len(p) > 0 {
		blk := uint32(d.cursor / es)
		in := d.cursor % es
		peb, err := d.peb(blk)
		if err != nil {
			return total, err
		}
		n := es - in
		if int64(len(p)) < n {
			n = int64(len(p))
		}
		copy(d.PEB(peb)[in:in+n], p[:n])
		total += int(n)
		d.cursor += n
		p = p[n:]
	}
	return total, nil
}

// Stats returns the simulated ECC accounting.
func (d *MemDevice) Stats() (ECCStats, error) {
	return ECCStats{Failed: d.eccFailed, BadBlocks: uint32(len(d.bad))}, nil
}

// Close marks the device closed.
func (d *MemDevice) Close() error {
	d.closed = true
	return nil
}
