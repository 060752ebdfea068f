// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/cwe"
	"github.com/zchee/go-swifota/mtd"
)

// Install hands the staged image to the bootloader: it rebuilds the slot
// metadata record from the first CWE header on flash, writes it into the
// reserved metadata blocks, and reboots. The metadata lands on flash before
// any status transition, so a crash in between leaves the bootloader with a
// consistent slot rather than a bogus install trigger.
//
// markGood marks the new system good immediately instead of leaving the
// decision to the post-install health check.
func (e *Engine) Install(markGood bool) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	dev, err := e.openDevice(mtd.ReadWrite)
	if err != nil {
		return err
	}
	rec, err := e.buildMetaRecord(dev)
	if err != nil {
		dev.Close()
		return err
	}
	if err := WriteMetadata(dev, rec); err != nil {
		dev.Close()
		return errors.Wrap(ErrFault, err.Error())
	}
	if err := dev.Close(); err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}

	if markGood {
		e.setStatus(StatusOK)
	} else {
		e.setStatus(StatusInstOngoing)
	}
	e.Log.WithField("size", rec.ImageSize).Info("swifota: metadata written, rebooting")

	if e.Reboot != nil {
		if err := e.Reboot(); err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
	}
	return nil
}

// buildMetaRecord reconstructs the slot metadata from the staged image: the
// first CWE header sits at the start of the first payload block.
func (e *Engine) buildMetaRecord(dev mtd.Device) (*MetaRecord, error) {
	if err := dev.Scan(); err != nil {
		return nil, errors.Wrap(ErrFault, err.Error())
	}
	if dev.NbLEB() <= MetadataPEBs {
		return nil, errors.Wrap(ErrFault, "swifota: too few good blocks")
	}
	raw := make([]byte, cwe.HeaderSize)
	if err := dev.SeekBlock(MetadataPEBs); err != nil {
		return nil, errors.Wrap(ErrFault, err.Error())
	}
	if _, err := dev.Read(raw); err != nil {
		return nil, errors.Wrap(ErrFault, err.Error())
	}
	h, err := cwe.DecodeHeader(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrFault, "swifota: no staged image: %v", err)
	}
	phys, err := dev.LEBToPEB(MetadataPEBs)
	if err != nil {
		return nil, errors.Wrap(ErrFault, err.Error())
	}
	rec := &MetaRecord{
		LogicalBlock: MetadataPEBs,
		PhyBlock:     phys,
		ImageSize:    h.ImageSize + cwe.HeaderSize,
		DldSource:    0,
		NbComponents: 1,
	}
	copy(rec.CWERaw[:], raw[:MetaCWERawSize])
	return rec, nil
}
