// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/cwe"
	"github.com/zchee/go-swifota/journal"
	"github.com/zchee/go-swifota/patch"
)

// Parser-state flag bits packed into the checkpoint.
const (
	ckDestIsUBI = 1 << iota
	ckDeltaSeen
	ckPendingPatchMeta
	ckDestCachedValid
	ckInSlice
)

// toSaveCtx captures the engine state for one checkpoint.
func (e *Engine) toSaveCtx() *journal.SaveCtx {
	st := &e.st
	ctx := &journal.SaveCtx{
		ImageType:            uint32(st.imageType),
		ImageSize:            st.imageSize,
		ImageCRC:             st.imageCRC,
		CurrentImageCRC:      st.currentImageCRC,
		CurrentGlobalCRC:     st.currentGlobalCRC,
		TotalRead:            st.totalRead,
		CurrentInImageOffset: st.currentInImageOffset,
		FullImageCRC:         st.fullImageCRC,
		FullImageLength:      st.fullImageLength,
		InImageLength:        st.inImageLength,
		MiscOpts:             uint32(st.miscOpts),
		MetaImgCount:         uint32(len(st.metaHeaders)),
		MetaImgIndex:         uint32(st.metaIndex),
	}
	if st.imageToBeRead {
		ctx.ImageToBeRead = 1
	}
	if st.ubiVolumeCreated {
		ctx.UbiVolumeCreated = 1
	}
	for i, hdr := range st.metaHeaders {
		copy(ctx.MetaImgData[i][:], hdr)
	}
	copy(ctx.SlotMeta[:], st.slotMeta.Encode())

	if st.patchMeta != nil {
		ctx.PatchMetaValid = 1
		copy(ctx.PatchMetaRaw[:], st.patchMeta.Encode())
	}

	var flags byte
	if st.destIsUBI {
		flags |= ckDestIsUBI
	}
	if st.deltaSeen {
		flags |= ckDeltaSeen
	}
	if st.pendingPatchMeta {
		flags |= ckPendingPatchMeta
	}
	if st.destCachedValid {
		flags |= ckDestCachedValid
	}
	var done, fed uint32
	if st.applier != nil {
		var cur *cwe.PatchHeader
		done, cur, fed = st.applier.SliceProgress()
		if cur != nil {
			flags |= ckInSlice
			ctx.PatchValid = 1
			copy(ctx.PatchRaw[:], cur.Encode())
		}
	}
	s := ctx.ImgdiffState[:]
	binary.LittleEndian.PutUint32(s[0:4], done)
	binary.LittleEndian.PutUint32(s[4:8], fed)
	binary.LittleEndian.PutUint64(s[8:16], uint64(st.destStart))
	binary.LittleEndian.PutUint32(s[16:20], st.destVolID)
	s[20] = flags
	binary.LittleEndian.PutUint32(s[22:26], st.destCachedSize)
	binary.LittleEndian.PutUint32(s[26:30], st.destCachedCRC)
	return ctx
}

// restoreState rebuilds the engine state from a loaded checkpoint. The
// patch applier, if one was mid-flight, is rebuilt from the checkpointed
// meta header and rewound to the checkpointed slice position.
func (e *Engine) restoreState(ctx *journal.SaveCtx) error {
	st := engineState{
		imageType:            cwe.ImageType(ctx.ImageType),
		imageSize:            ctx.ImageSize,
		imageCRC:             ctx.ImageCRC,
		currentImageCRC:      ctx.CurrentImageCRC,
		currentGlobalCRC:     ctx.CurrentGlobalCRC,
		totalRead:            ctx.TotalRead,
		currentInImageOffset: ctx.CurrentInImageOffset,
		fullImageCRC:         ctx.FullImageCRC,
		fullImageLength:      ctx.FullImageLength,
		inImageLength:        ctx.InImageLength,
		miscOpts:             cwe.MiscOpts(ctx.MiscOpts),
		imageToBeRead:        ctx.ImageToBeRead == 1,
		ubiVolumeCreated:     ctx.UbiVolumeCreated == 1,
		firstSeen:            true,
		metaIndex:            int(ctx.MetaImgIndex),
	}
	if ctx.MetaImgCount > journal.MetaHeaders {
		return errors.Wrap(ErrFault, "swifota: checkpoint META cache overflow")
	}
	for i := 0; i < int(ctx.MetaImgCount); i++ {
		hdr := make([]byte, cwe.HeaderSize)
		copy(hdr, ctx.MetaImgData[i][:])
		st.metaHeaders = append(st.metaHeaders, hdr)
	}
	rec, err := DecodeMetaRecord(ctx.SlotMeta[:])
	if err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	st.slotMeta = *rec

	s := ctx.ImgdiffState[:]
	done := binary.LittleEndian.Uint32(s[0:4])
	fed := binary.LittleEndian.Uint32(s[4:8])
	st.destStart = int64(binary.LittleEndian.Uint64(s[8:16]))
	st.destVolID = binary.LittleEndian.Uint32(s[16:20])
	flags := s[20]
	st.destIsUBI = flags&ckDestIsUBI != 0
	st.deltaSeen = flags&ckDeltaSeen != 0
	st.pendingPatchMeta = flags&ckPendingPatchMeta != 0
	st.destCachedValid = flags&ckDestCachedValid != 0
	st.destCachedSize = binary.LittleEndian.Uint32(s[22:26])
	st.destCachedCRC = binary.LittleEndian.Uint32(s[26:30])

	if ctx.PatchMetaValid == 1 {
		m, merr := cwe.DecodePatchMetaHeader(ctx.PatchMetaRaw[:])
		if merr != nil {
			return errors.Wrap(ErrFault, merr.Error())
		}
		st.patchMeta = m
		var origin io.ReaderAt
		if e.OpenOrigin != nil {
			if origin, err = e.OpenOrigin(m); err != nil {
				return errors.Wrap(ErrFault, err.Error())
			}
		}
		a, aerr := patch.New(m, origin)
		if aerr != nil {
			return errors.Wrap(ErrFault, aerr.Error())
		}
		var cur *cwe.PatchHeader
		if flags&ckInSlice != 0 && ctx.PatchValid == 1 {
			if cur, err = cwe.DecodePatchHeader(ctx.PatchRaw[:]); err != nil {
				return errors.Wrap(ErrFault, err.Error())
			}
		}
		a.RestoreProgress(done, cur, fed)
		st.applier = a
	}
	e.st = st
	return nil
}

// checkpoint persists the engine and partition state. A failed checkpoint
// is logged and swallowed: the round-robin design keeps the previous one
// valid.
func (e *Engine) checkpoint(j *journal.Journal, p *Partition) {
	blob, err := p.Snapshot()
	if err != nil {
		e.Log.WithError(err).Warn("swifota: could not snapshot partition")
		return
	}
	if err := j.Save(e.toSaveCtx(), blob); err != nil {
		e.Log.WithError(err).Warn("swifota: checkpoint write failed")
	}
}
