// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mtd presents a raw NAND partition as a sequence of fixed-size
// erase blocks with a smaller write-unit granularity.
//
// A device opens in physical mode: block indices address raw PEBs and bad
// blocks are the caller's problem. After Scan, the device is in logical
// mode: block indices address the logical sequence of good blocks and writes
// that cross into a bad PEB skip it transparently.
package mtd

import (
	"io"

	"github.com/pkg/errors"
)

// OpenMode selects how a partition is opened.
type OpenMode int

const (
	// ReadOnly opens the partition for reading.
	ReadOnly OpenMode = iota
	// ReadWrite opens for reading and writing with bad-block marking.
	ReadWrite
	// WriteOnly opens for writing with bad-block marking.
	WriteOnly
)

// Errors surfaced by device implementations. Callers classify with
// errors.Cause.
var (
	// ErrNotFound reports that no partition matches the selector.
	ErrNotFound = errors.New("mtd: partition not found")
	// ErrBusy reports that the partition is attached or mounted elsewhere.
	ErrBusy = errors.New("mtd: partition busy")
	// ErrHardware reports a flash-level failure.
	ErrHardware = errors.New("mtd: hardware error")
	// ErrPermission reports that the device refused an operation; for a
	// bad-block check the caller treats the block as good.
	ErrPermission = errors.New("mtd: operation not permitted")
	// ErrBadWriteSize reports a write that is not a multiple of the
	// device write unit.
	ErrBadWriteSize = errors.New("mtd: write length not a multiple of write size")
)

// Geometry describes a flash partition.
type Geometry struct {
	// EraseSize is the size of one erase block in bytes.
	EraseSize uint32
	// WriteSize is the write-unit (page) size in bytes.
	WriteSize uint32
	// NbBlocks is the number of physical erase blocks in the partition.
	NbBlocks uint32
	// Size is the partition size in bytes.
	Size uint32
}

// ECCStats reports the ECC accounting of a partition. A non-zero Failed
// after a read is an uncorrectable error the caller must surface.
type ECCStats struct {
	Corrected uint32
	Failed    uint32
	BadBlocks uint32
}

// Device is an open flash partition.
//
// After Write the internal cursor advances by the number of bytes written.
// In logical mode a write that crosses into a bad block skips the bad PEB
// transparently; in physical mode the caller must check and skip.
type Device interface {
	io.Reader
	io.Writer
	io.Closer

	// Geometry returns the flash geometry captured at open time.
	Geometry() Geometry
	// Scan maps the logical block sequence past bad blocks and switches
	// the device to logical mode. It must be called before any logical
	// operation.
	Scan() error
	// Unscan drops the logical mapping and returns to physical mode.
	Unscan()
	// NbLEB returns the number of good erase blocks found by Scan.
	NbLEB() uint32
	// LEBToPEB returns the physical erase block backing a logical one.
	LEBToPEB(leb uint32) (uint32, error)
	// IsBad reports whether the physical erase block at index is bad.
	// ErrPermission means the device refused the check; callers assume
	// the block is good.
	IsBad(index uint32) (bool, error)
	// EraseBlock erases the erase block at index (logical index after
	// Scan, physical before). On a hardware failure the block is marked
	// bad and ErrHardware returned.
	EraseBlock(index uint32) error
	// SeekBlock positions the cursor at the start of the given block.
	SeekBlock(index uint32) error
	// SeekOffset positions the cursor at the given byte offset.
	SeekOffset(off int64) error
	// Tell returns the current byte offset of the cursor.
	Tell() int64
	// Stats returns the ECC accounting for the partition.
	Stats() (ECCStats, error)
	// MarkBad marks the physical erase block at index bad.
	MarkBad(index uint32) error
}
