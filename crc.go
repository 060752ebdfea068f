// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
)

// DataCRC32 computes a CRC over a range of already-written raw payload
// bytes. The range may extend past the last flushed erase block into the
// pending buffer. Between erase blocks the computation yields briefly so
// the download thread never starves the watchdog.
func (p *Partition) DataCRC32(start, length int64) (uint32, error) {
	if start < 0 || length < 0 {
		return 0, errors.Wrap(ErrBadParameter, "swifota: negative CRC range")
	}
	end := start + length
	if end > p.flushed+int64(p.bufLen) {
		return 0, errors.Wrapf(ErrBadParameter,
			"swifota: CRC range [%d,%d) beyond written %d", start, end, p.flushed+int64(p.bufLen))
	}
	crc := uint32(0)
	es := int64(p.geom.EraseSize)
	block := make([]byte, p.geom.EraseSize)
	off := start
	for off < end {
		n := es - off%es
		if off+n > end {
			n = end - off
		}
		if off < p.flushed {
			// Still on flash.
			if off+n > p.flushed {
				n = p.flushed - off
			}
			if err := p.dev.SeekOffset(p.payloadStart() + off); err != nil {
				return 0, err
			}
			if _, err := p.dev.Read(block[:n]); err != nil {
				return 0, errors.Wrap(err, "swifota: could not read back for CRC")
			}
			crc = crc32.Update(crc, crc32.IEEETable, block[:n])
			time.Sleep(CRCYield)
		} else {
			// Tail lives in the pending buffer.
			bo := off - p.flushed
			crc = crc32.Update(crc, crc32.IEEETable, p.buf[bo:bo+n])
		}
		off += n
	}
	if err := p.checkECC(); err != nil {
		return 0, err
	}
	return crc, nil
}

// UBISizeCRC returns the total data length of the open UBI container and
// the CRC over all its volume data, for reconciliation with patch-meta
// destination checksums.
func (p *Partition) UBISizeCRC() (uint32, uint32, error) {
	if p.ubi == nil {
		return 0, 0, errors.Wrap(ErrBadParameter, "swifota: no UBI container")
	}
	return p.ubi.SizeCRC()
}

// UBIVolumeSizeCRC returns the data length and CRC of one volume, plus the
// totals of the whole container.
func (p *Partition) UBIVolumeSizeCRC(volID uint32) (size, crc, fullSize, fullCRC uint32, err error) {
	if p.ubi == nil {
		return 0, 0, 0, 0, errors.Wrap(ErrBadParameter, "swifota: no UBI container")
	}
	size, crc, err = p.ubi.VolumeSizeCRC(volID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fullSize, fullCRC, err = p.ubi.SizeCRC()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return size, crc, fullSize, fullCRC, nil
}
