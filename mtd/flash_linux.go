// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtd

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MTD character device ioctls, from <mtd/mtd-abi.h>.
const (
	iocMemGetInfo     = 0x80204d01 // MEMGETINFO
	iocMemErase       = 0x40084d02 // MEMERASE
	iocMemGetBadBlock = 0x40084d0b // MEMGETBADBLOCK
	iocMemSetBadBlock = 0x40084d0c // MEMSETBADBLOCK
	iocEccGetStats    = 0x80104d12 // ECCGETSTATS
)

// mtdInfo mirrors struct mtd_info_user.
type mtdInfo struct {
	Type      uint8
	Flags     uint32
	Size      uint32
	EraseSize uint32
	WriteSize uint32
	OOBSize   uint32
	Padding   uint64
}

// eraseInfo mirrors struct erase_info_user.
type eraseInfo struct {
	Start  uint32
	Length uint32
}

// eccStats mirrors struct mtd_ecc_stats.
type eccStats struct {
	Corrected uint32
	Failed    uint32
	BadBlocks uint32
	BBTBlocks uint32
}

// Flash is a Device backed by a /dev/mtdN character device.
type Flash struct {
	f    *os.File
	geom Geometry
	mode OpenMode

	// logical-to-physical erase block mapping; nil in physical mode.
	lebToPeb []uint32
	// cursor is the byte offset in the current addressing mode.
	cursor int64
}

// ProcMTDPath is the partition table consulted by Open.
var ProcMTDPath = "/proc/mtd"

// Open locates the named partition in the system partition table and opens
// its character device.
func Open(name string, mode OpenMode) (*Flash, error) {
	tbl, err := os.Open(ProcMTDPath)
	if err != nil {
		return nil, errors.Wrap(err, "mtd: could not open partition table")
	}
	defer tbl.Close()

	info, err := FindPartition(tbl, name)
	if err != nil {
		return nil, err
	}
	return OpenIndex(info.Index, mode)
}

// OpenIndex opens /dev/mtdN directly.
func OpenIndex(index int, mode OpenMode) (*Flash, error) {
	flags := os.O_RDONLY
	switch mode {
	case ReadWrite:
		flags = os.O_RDWR
	case WriteOnly:
		flags = os.O_WRONLY
	}
	path := fmt.Sprintf("/dev/mtd%d", index)
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "mtd: %s", path)
		}
		if errors.Is(err, unix.EBUSY) {
			return nil, errors.Wrapf(ErrBusy, "mtd: %s", path)
		}
		return nil, errors.Wrapf(err, "mtd: could not open %s", path)
	}

	var mi mtdInfo
	if err := ioctl(f, iocMemGetInfo, unsafe.Pointer(&mi)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mtd: MEMGETINFO on %s", path)
	}
	d := &Flash{
		f:    f,
		mode: mode,
		geom: Geometry{
			EraseSize: mi.EraseSize,
			WriteSize: mi.WriteSize,
			NbBlocks:  mi.Size / mi.EraseSize,
			Size:      mi.Size,
		},
	}
	return d, nil
}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Geometry returns the flash geometry captured at open time.
func (d *Flash) Geometry() Geometry { return d.geom }

// Scan walks the partition once, recording every good physical erase block
// in order, and switches the device to logical addressing.
func (d *Flash) Scan() error {
	lebs := make([]uint32, 0, d.geom.NbBlocks)
	for peb := uint32(0); peb < d.geom.NbBlocks; peb++ {
		bad, err := d.IsBad(peb)
		if err != nil {
			if errors.Cause(err) == ErrPermission {
				bad = false
			} else {
				return err
			}
		}
		if !bad {
			lebs = append(lebs, peb)
		}
	}
	d.lebToPeb = lebs
	d.cursor = 0
	return nil
}

// Unscan returns to physical addressing.
func (d *Flash) Unscan() {
	d.lebToPeb = nil
	d.cursor = 0
}

// NbLEB returns the number of good erase blocks found by Scan.
func (d *Flash) NbLEB() uint32 { return uint32(len(d.lebToPeb)) }

// LEBToPEB returns the physical erase block backing a logical one.
func (d *Flash) LEBToPEB(leb uint32) (uint32, error) {
	if d.lebToPeb == nil {
		return 0, errors.New("mtd: device not scanned")
	}
	return d.peb(leb)
}

// IsBad reports whether the physical erase block at index is bad.
func (d *Flash) IsBad(index uint32) (bool, error) {
	off := int64(index) * int64(d.geom.EraseSize)
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), iocMemGetBadBlock, uintptr(unsafe.Pointer(&off)))
	if errno != 0 {
		if errno == unix.EPERM || errno == unix.EOPNOTSUPP {
			return false, errors.Wrapf(ErrPermission, "mtd: bad-block check on block %d", index)
		}
		return false, errors.Wrapf(ErrHardware, "mtd: bad-block check on block %d: %v", index, errno)
	}
	return r != 0, nil
}

// MarkBad marks the physical erase block at index bad.
func (d *Flash) MarkBad(index uint32) error {
	off := int64(index) * int64(d.geom.EraseSize)
	if err := ioctl(d.f, iocMemSetBadBlock, unsafe.Pointer(&off)); err != nil {
		return errors.Wrapf(ErrHardware, "mtd: could not mark block %d bad: %v", index, err)
	}
	return nil
}

func (d *Flash) peb(index uint32) (uint32, error) {
	if d.lebToPeb == nil {
		return index, nil
	}
	if index >= uint32(len(d.lebToPeb)) {
		return 0, errors.Errorf("mtd: logical block %d out of range (%d good blocks)", index, len(d.lebToPeb))
	}
	return d.lebToPeb[index], nil
}

// EraseBlock erases one erase block. On failure the block is marked bad.
func (d *Flash) EraseBlock(index uint32) error {
	peb, err := d.peb(index)
	if err != nil {
		return err
	}
	ei := eraseInfo{
		Start:  peb * d.geom.EraseSize,
		Length: d.geom.EraseSize,
	}
	if err := ioctl(d.f, iocMemErase, unsafe.Pointer(&ei)); err != nil {
		if err == unix.EPERM {
			return errors.Wrapf(ErrPermission, "mtd: erase of block %d", index)
		}
		// The erase failed at the flash level; retire the block.
		_ = d.MarkBad(peb)
		return errors.Wrapf(ErrHardware, "mtd: erase of block %d (PEB %d): %v", index, peb, err)
	}
	return nil
}

// SeekBlock positions the cursor at the start of the given block.
func (d *Flash) SeekBlock(index uint32) error {
	return d.SeekOffset(int64(index) * int64(d.geom.EraseSize))
}

// SeekOffset positions the cursor at the given byte offset.
func (d *Flash) SeekOffset(off int64) error {
	if off < 0 || off > int64(d.geom.Size) {
		return errors.Errorf("mtd: seek offset %d out of range", off)
	}
	d.cursor = off
	return nil
}

// Tell returns the current byte offset of the cursor.
func (d *Flash) Tell() int64 { return d.cursor }

// Read reads from the cursor, translating logical offsets past bad blocks
// when the device has been scanned.
func (d *Flash) Read(p []byte) (int, error) {
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
		rn, err := d.f.ReadAt(p[:n], int64(peb)*es+in)
		total += rn
		d.cursor += int64(rn)
		if err != nil {
			if errors.Is(err, unix.EBADMSG) {
				// EBADMSG from an MTD read means uncorrectable ECC.
				return total, errors.Wrapf(ErrHardware, "mtd: uncorrectable ECC reading block %d", blk)
			}
			return total, errors.Wrapf(err, "mtd: read at block %d", blk)
		}
		p = p[rn:]
	}
	return total, nil
}

// Write writes at the cursor in whole write units. In logical mode bad
// blocks were already excluded by Scan, so block indices are simply
// translated.
func (d *Flash) Write(p []byte) (int, error) {
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
		wn, err := d.f.WriteAt(p[:n], int64(peb)*es+in)
		total += wn
		d.cursor += int64(wn)
		if err != nil {
			return total, errors.Wrapf(ErrHardware, "mtd: write at block %d (PEB %d): %v", blk, peb, err)
		}
		p = p[wn:]
	}
	return total, nil
}

// Stats returns the ECC accounting for the partition.
func (d *Flash) Stats() (ECCStats, error) {
	var st eccStats
	if err := ioctl(d.f, iocEccGetStats, unsafe.Pointer(&st)); err != nil {
		return ECCStats{}, errors.Wrap(err, "mtd: ECCGETSTATS")
	}
	return ECCStats{Corrected: st.Corrected, Failed: st.Failed, BadBlocks: st.BadBlocks}, nil
}

// Close closes the character device.
func (d *Flash) Close() error {
	return d.f.Close()
}
