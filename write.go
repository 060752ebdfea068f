// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/ubi"
)

// Write accepts up to len(p) raw payload bytes into the pending erase-block
// buffer. When the buffer reaches one erase block it is flushed to flash
// and only the bytes that fit are counted; the caller re-drives with the
// remainder. This is the exact handshake the stream parser uses.
func (p *Partition) Write(b []byte) (int, error) {
	if p.mode != ModeRaw {
		return 0, errors.Wrapf(ErrBadParameter, "swifota: raw write in %s mode", p.mode)
	}
	space := p.bufTarget() - p.bufLen
	n := len(b)
	if n > space {
		n = space
	}
	copy(p.buf[p.bufLen:], b[:n])
	p.bufLen += n
	if p.bufLen == p.bufTarget() {
		if err := p.flushRaw(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// flushRaw lays the full pending erase block down on flash and folds it
// into the rolling full-image CRC.
func (p *Partition) flushRaw() error {
	if err := p.seekHead(); err != nil {
		return err
	}
	block := p.buf[:p.geom.EraseSize]
	if _, err := p.dev.Write(block); err != nil {
		return errors.Wrap(err, "swifota: could not flush erase block")
	}
	p.fullCRC = crc32.Update(p.fullCRC, crc32.IEEETable, block)
	p.flushed += int64(p.geom.EraseSize)
	p.bufLen = 0
	p.flushCount++
	return nil
}

// flushRawPadded pads the pending partial block with the flash erased value
// and flushes it.
func (p *Partition) flushRawPadded() error {
	if p.bufLen == 0 {
		return nil
	}
	for i := p.bufLen; i < int(p.geom.EraseSize); i++ {
		p.buf[i] = mtd.EraseValue
	}
	p.bufLen = int(p.geom.EraseSize)
	return p.flushRaw()
}

// OpenUBI switches the partition to UBI mode at the current write head.
// A pending partial block is padded and flushed first, then the container
// region begins at the next erase block. With forceCreate a fresh container
// is always laid down; otherwise a valid container already at that offset —
// the resume case — is adopted. imageSeq flows into the erase-counter
// headers of every block the container writes.
func (p *Partition) OpenUBI(imageSeq uint32, seqValid, forceCreate bool) error {
	if p.mode != ModeRaw {
		return errors.Wrapf(ErrBadParameter, "swifota: UBI open in %s mode", p.mode)
	}
	if err := p.flushRawPadded(); err != nil {
		return err
	}
	b, err := ubi.NewBuilder(p.dev, p.payloadStart()+p.flushed)
	if err != nil {
		return err
	}
	b.SetImageSeq(imageSeq, seqValid)
	if err := b.Create(forceCreate); err != nil {
		return err
	}
	p.ubi = b
	p.ubiSeq = imageSeq
	p.ubiSeqValid = seqValid
	p.mode = ModeUBI
	p.log.WithField("offset", p.flushed).Info("swifota: UBI container opened")
	return nil
}

// CloseUBI finalizes the erase-block accounting of the UBI container and
// returns the partition to raw mode with the write head on the first block
// after the container.
func (p *Partition) CloseUBI() error {
	if p.mode != ModeUBI {
		return errors.Wrapf(ErrBadParameter, "swifota: UBI close in %s mode", p.mode)
	}
	pebs := p.ubi.PEBsUsed()
	p.flushed += int64(pebs) * int64(p.geom.EraseSize)
	p.flushCount++
	p.mode = ModeRaw
	if err := p.seekHead(); err != nil {
		return err
	}
	p.log.WithField("pebs", pebs).Info("swifota: UBI container closed")
	return nil
}

// OpenVolume starts writing one UBI volume. With create set the volume is
// added to the container; otherwise — on resume — the on-media volume must
// match the requested type, name and flags, and ErrBadParameter is returned
// on any mismatch.
func (p *Partition) OpenVolume(volID uint32, volType uint8, size uint32, flags uint8, name string, create bool) error {
	if p.mode != ModeUBI {
		return errors.Wrapf(ErrBadParameter, "swifota: volume open in %s mode", p.mode)
	}
	if create {
		if err := p.ubi.CreateVolume(volID, name, volType, size, flags); err != nil {
			return err
		}
	} else {
		info, err := p.ubi.VolumeState(volID)
		if err != nil {
			return err
		}
		if info.Type != volType || info.Name != name || info.Flags != flags {
			return errors.Wrapf(ErrBadParameter,
				"swifota: volume %d mismatch: have (%d,%q,0x%02x), want (%d,%q,0x%02x)",
				volID, info.Type, info.Name, info.Flags, volType, name, flags)
		}
	}
	p.vol = activeVolume{
		open:  true,
		id:    volID,
		typ:   volType,
		size:  size,
		flags: flags,
		name:  name,
	}
	if !create {
		info, err := p.ubi.VolumeState(volID)
		if err != nil {
			return err
		}
		p.vol.lebs = info.LEBs
		p.vol.written = info.Size
	}
	p.mode = ModeUBIVolume
	return nil
}

// WriteVolume accepts up to len(b) volume bytes, analogous to Write but
// targeting the current UBI volume; the flush unit is the usable LEB
// payload, erase size minus the two header pages.
func (p *Partition) WriteVolume(b []byte) (int, error) {
	if p.mode != ModeUBIVolume {
		return 0, errors.Wrapf(ErrBadParameter, "swifota: volume write in %s mode", p.mode)
	}
	space := p.bufTarget() - p.bufLen
	n := len(b)
	if n > space {
		n = space
	}
	copy(p.buf[p.bufLen:], b[:n])
	p.bufLen += n
	if p.bufLen == p.bufTarget() {
		if err := p.flushVolume(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (p *Partition) flushVolume() error {
	if err := p.ubi.WriteBlock(p.vol.id, p.vol.lebs, p.buf[:p.bufLen], true); err != nil {
		return err
	}
	p.vol.lebs++
	p.vol.written += uint32(p.bufLen)
	p.bufLen = 0
	p.flushCount++
	return nil
}

// CloseVolume flushes the trailing partial logical erase block and, for
// static volumes, records the final size in the container.
func (p *Partition) CloseVolume(finalSize uint32) error {
	if p.mode != ModeUBIVolume {
		return errors.Wrapf(ErrBadParameter, "swifota: volume close in %s mode", p.mode)
	}
	if p.bufLen > 0 {
		if err := p.flushVolume(); err != nil {
			return err
		}
	}
	if p.vol.typ == ubi.VolStatic {
		if err := p.ubi.AdjustSize(p.vol.id, finalSize); err != nil {
			return err
		}
	}
	p.log.WithField("volume", p.vol.id).WithField("size", p.vol.written).Info("swifota: UBI volume closed")
	p.vol = activeVolume{}
	p.mode = ModeUBI
	return nil
}

// WriteMetadata independently prepares the metadata blocks: it erases the
// two reserved erase blocks and writes the record, padded to a full erase
// block, into the first. Called at install time, never during a download.
func WriteMetadata(dev mtd.Device, rec *MetaRecord) error {
	if err := dev.Scan(); err != nil {
		return errors.Wrap(err, "swifota: could not scan partition")
	}
	geom := dev.Geometry()
	if dev.NbLEB() < MetadataPEBs {
		return errors.Wrap(ErrBadParameter, "swifota: too few good blocks for metadata")
	}
	for leb := uint32(0); leb < MetadataPEBs; leb++ {
		if err := dev.EraseBlock(leb); err != nil {
			return errors.Wrapf(err, "swifota: could not erase metadata block %d", leb)
		}
	}
	block := make([]byte, geom.EraseSize)
	for i := range block {
		block[i] = mtd.EraseValue
	}
	copy(block, rec.Encode())
	if err := dev.SeekBlock(0); err != nil {
		return err
	}
	if _, err := dev.Write(block); err != nil {
		return errors.Wrap(err, "swifota: could not write metadata record")
	}
	return nil
}

// ReadMetadata reads back and verifies the slot metadata record.
func ReadMetadata(dev mtd.Device) (*MetaRecord, error) {
	if err := dev.Scan(); err != nil {
		return nil, errors.Wrap(err, "swifota: could not scan partition")
	}
	raw := make([]byte, MetaRecordSize)
	if err := dev.SeekBlock(0); err != nil {
		return nil, err
	}
	if _, err := dev.Read(raw); err != nil {
		return nil, errors.Wrap(err, "swifota: could not read metadata record")
	}
	return DecodeMetaRecord(raw)
}
