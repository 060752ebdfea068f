// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/mtd"
)

// OpenPartition opens the staging partition over an already-opened flash
// device.
//
// With resumeOffset == 0 this is a fresh start: every good erase block is
// erased, the first two good blocks are set aside for the slot metadata
// record, and the write head lands on the first payload block. A non-zero
// resumeOffset continues an interrupted download: the head seeks past the
// metadata blocks to the offset, and a partial trailing block is read back
// into the pending buffer so writes append seamlessly.
//
// imageSize is the declared full image length; ErrBadParameter is returned
// when it cannot fit after reserving the metadata blocks.
func OpenPartition(dev mtd.Device, imageSize int64, resumeOffset int64, log logrus.FieldLogger) (*Partition, error) {
	if dev == nil {
		return nil, errors.Wrap(ErrBadParameter, "swifota: nil device")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := dev.Scan(); err != nil {
		return nil, errors.Wrap(err, "swifota: could not scan partition")
	}
	geom := dev.Geometry()
	p := &Partition{
		dev:       dev,
		geom:      geom,
		log:       log,
		mode:      ModeRaw,
		imageSize: imageSize,
		buf:       make([]byte, geom.EraseSize),
	}
	if err := p.checkCapacity(imageSize); err != nil {
		return nil, err
	}

	if resumeOffset == 0 {
		if err := p.eraseAll(); err != nil {
			return nil, err
		}
		p.log.WithFields(logrus.Fields{
			"blocks":     dev.NbLEB(),
			"erase_size": geom.EraseSize,
			"image_size": imageSize,
		}).Info("swifota: partition opened")
	} else {
		if err := p.seekResume(resumeOffset); err != nil {
			return nil, err
		}
		p.log.WithField("offset", resumeOffset).Info("swifota: partition resumed")
	}
	if err := p.seekHead(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Partition) checkCapacity(imageSize int64) error {
	avail := int64(p.dev.NbLEB()-MetadataPEBs) * int64(p.geom.EraseSize)
	if p.dev.NbLEB() <= MetadataPEBs || imageSize > avail {
		return errors.Wrapf(ErrBadParameter,
			"swifota: image of %d bytes exceeds partition capacity %d", imageSize, avail)
	}
	return nil
}

// eraseAll erases every good erase block. A block failing its erase is
// retired by the device layer; the logical map is refreshed afterwards so
// the rest of the download never sees it.
func (p *Partition) eraseAll() error {
	rescan := false
	for leb := uint32(0); leb < p.dev.NbLEB(); leb++ {
		if err := p.dev.EraseBlock(leb); err != nil {
			if errors.Cause(err) == mtd.ErrHardware {
				p.log.WithField("block", leb).Warn("swifota: erase failed, block retired")
				rescan = true
				continue
			}
			return errors.Wrapf(err, "swifota: could not erase block %d", leb)
		}
	}
	if rescan {
		if err := p.dev.Scan(); err != nil {
			return errors.Wrap(err, "swifota: could not rescan partition")
		}
		return p.checkCapacity(p.imageSize)
	}
	return nil
}

// seekResume positions the partition at a checkpointed offset. The caller
// normally restores the pending buffer from the journal; when the offset is
// not erase-block aligned and no buffer was restored, the partial block is
// read back from flash and the block erased so the coming flush can rewrite
// it.
func (p *Partition) seekResume(offset int64) error {
	if offset < 0 || offset > p.imageSize {
		return errors.Wrapf(ErrBadParameter, "swifota: resume offset %d out of range", offset)
	}
	es := int64(p.geom.EraseSize)
	p.flushed = offset - offset%es
	if rem := offset % es; rem != 0 && p.bufLen == 0 {
		blk := uint32((p.payloadStart() + p.flushed) / es)
		if err := p.dev.SeekBlock(blk); err != nil {
			return err
		}
		if _, err := p.dev.Read(p.buf[:rem]); err != nil {
			return errors.Wrap(err, "swifota: could not read back partial block")
		}
		p.bufLen = int(rem)
		if err := p.dev.EraseBlock(blk); err != nil {
			return errors.Wrap(err, "swifota: could not recycle partial block")
		}
	}
	return nil
}
