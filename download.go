// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/cwe"
	"github.com/zchee/go-swifota/journal"
	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/patch"
)

// Download ingests a CWE update package from an open descriptor, laying it
// down into the staging partition. It blocks until the package completes,
// the input closes or times out, or an integrity violation aborts it.
//
// The call is strictly serial: byte N is parsed, written, checksummed and
// checkpointed before byte N+1 is read. A valid checkpoint survives any
// recoverable exit, so a later Download over a stream resumed at
// ResumePosition continues where this one stopped.
func (e *Engine) Download(f *os.File) error {
	if f == nil {
		return errors.Wrap(ErrBadParameter, "swifota: nil input descriptor")
	}
	return e.DownloadStream(f)
}

// DownloadStream is Download over any byte stream, for inputs that are not
// file descriptors, such as a serial line.
func (e *Engine) DownloadStream(r io.Reader) error {
	if r == nil {
		return errors.Wrap(ErrBadParameter, "swifota: nil input stream")
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	err := e.download(newInput(r, e.ReadTimeout, e.Watchdog))
	switch errors.Cause(err) {
	case nil:
		e.setStatus(StatusOK)
	case ErrTimeout:
		e.setStatus(StatusDwlTimeout)
	case ErrClosed:
		// Recoverable: the checkpoint stands, status stays DWL_ONGOING.
	case ErrBadParameter, ErrBusy:
	case ErrUnavailable:
		e.setStatus(StatusDwlFailed)
	default:
		e.setStatus(StatusDwlFailed)
	}
	return err
}

func (e *Engine) openDevice(mode mtd.OpenMode) (mtd.Device, error) {
	if e.OpenDevice == nil {
		return nil, errors.Wrap(ErrUnavailable, "swifota: no device opener")
	}
	dev, err := e.OpenDevice(mode)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	return dev, nil
}

func (e *Engine) download(in *input) (err error) {
	var j *journal.Journal
	if e.JournalDir != "" {
		var jerr error
		if j, jerr = e.journal(); jerr != nil {
			return jerr
		}
	}

	var p *Partition
	if j != nil {
		ctx, blob, lerr := j.Load()
		switch {
		case lerr == nil:
			dev, derr := e.openDevice(mtd.ReadWrite)
			if derr != nil {
				return derr
			}
			if p, err = RestorePartition(dev, blob, e.Log); err != nil {
				dev.Close()
				return errors.Wrap(ErrFault, err.Error())
			}
			if err = e.restoreState(ctx); err != nil {
				p.Abandon()
				return err
			}
			e.Log.WithField("position", e.st.totalRead).Info("swifota: resuming download")
		case lerr == journal.ErrNoCheckpoint:
			e.st = engineState{}
		default:
			e.Log.WithError(lerr).Warn("swifota: unreadable checkpoint, cold start")
			e.st = engineState{}
		}
	} else {
		e.st = engineState{}
	}

	e.setStatus(StatusDwlOngoing)

	// On a fault the partial slot must never install: force-close the
	// partition and drop the journal. Recoverable exits checkpoint once
	// more — the pending buffer rides along in the partition snapshot —
	// then keep both.
	defer func() {
		if err == nil {
			return
		}
		switch errors.Cause(err) {
		case ErrClosed, ErrTimeout:
			if p != nil {
				if j != nil {
					e.checkpoint(j, p)
				}
				if aerr := p.Abandon(); aerr != nil {
					e.Log.WithError(aerr).Warn("swifota: could not release partition")
				}
			}
		default:
			if p != nil {
				if cerr := p.Close(true); cerr != nil {
					e.Log.WithError(cerr).Warn("swifota: could not force-close partition")
				}
			}
			if j != nil {
				if jerr := j.Erase(); jerr != nil {
					e.Log.WithError(jerr).Warn("swifota: could not erase journal")
				}
			}
			e.st = engineState{}
		}
	}()

	lastFlush := uint64(0)
	if p != nil {
		lastFlush = p.FlushCount()
	}

	for !e.st.firstSeen || e.st.totalRead < e.st.inImageLength {
		n := e.lengthToRead()
		if n == 0 {
			return errors.Wrap(ErrFault, "swifota: parser stalled with zero-length read")
		}
		chunk, rerr := in.read(n)
		// A body prefix cut short by a closed or stalled input is still
		// valid image data; lay it down before surfacing the error so
		// the final checkpoint reflects it. A truncated header cannot
		// be processed and its bytes are re-delivered on resume.
		if len(chunk) > 0 && (rerr == nil || e.st.imageToBeRead) {
			if perr := e.process(chunk, &p); perr != nil {
				return perr
			}
			if p != nil && j != nil && p.FlushCount() > lastFlush {
				lastFlush = p.FlushCount()
				e.checkpoint(j, p)
			}
		}
		if rerr != nil {
			return rerr
		}
	}

	if e.st.imageToBeRead || e.st.pendingPatchMeta || (e.st.applier != nil && !e.st.applier.Done()) {
		return errors.Wrap(ErrFault, "swifota: package ended mid-component")
	}

	// End-of-download integrity: the bytes on media after the first
	// header must carry exactly the CRC the first header declared. Delta
	// packages were reconciled component by component against their
	// patch-meta destination checksums instead.
	if !e.st.deltaSeen {
		crc, cerr := p.DataCRC32(int64(cwe.HeaderSize), int64(e.st.fullImageLength)-cwe.HeaderSize)
		if cerr != nil {
			return errors.Wrap(ErrFault, cerr.Error())
		}
		if crc != e.st.fullImageCRC {
			return errors.Wrapf(ErrFault,
				"swifota: full image CRC mismatch: got=0x%08x want=0x%08x", crc, e.st.fullImageCRC)
		}
	}
	if p.Mode() == ModeUBI {
		if uerr := p.CloseUBI(); uerr != nil {
			return errors.Wrap(ErrFault, uerr.Error())
		}
	}
	if cerr := p.Close(false); cerr != nil {
		return errors.Wrap(ErrFault, cerr.Error())
	}
	if j != nil {
		if jerr := j.Erase(); jerr != nil {
			e.Log.WithError(jerr).Warn("swifota: could not erase journal after success")
		}
	}
	e.Log.WithFields(logrus.Fields{
		"bytes": e.st.totalRead,
		"crc":   e.st.fullImageCRC,
	}).Info("swifota: download complete")
	return nil
}

// lengthToRead decides, deterministically from prior state, how many bytes
// the parser requests next: one of the three header sizes, or a body chunk
// bounded by the chunk length and the remaining component body.
func (e *Engine) lengthToRead() int {
	st := &e.st
	if !st.imageToBeRead {
		if st.pendingPatchMeta {
			return cwe.PatchMetaHeaderSize
		}
		if st.applier != nil && !st.applier.Done() {
			return cwe.PatchHeaderSize
		}
		return cwe.HeaderSize
	}
	remaining := uint64(st.imageSize) - st.currentInImageOffset
	n := uint64(cwe.ChunkLength)
	if st.applier != nil && st.applier.InSlice() {
		if l := uint64(st.applier.LengthToRead()); l < n {
			n = l
		}
	}
	if remaining < n {
		n = remaining
	}
	return int(n)
}

func (e *Engine) process(chunk []byte, pp **Partition) error {
	st := &e.st
	if !st.imageToBeRead {
		switch {
		case st.pendingPatchMeta:
			return e.processPatchMeta(chunk, *pp)
		case st.applier != nil && !st.applier.Done():
			return e.processPatchHeader(chunk)
		default:
			return e.processHeader(chunk, pp)
		}
	}
	return e.processBody(chunk, *pp)
}

// writeRaw drives the partition's re-feed handshake until every byte of b
// is accepted.
func writeRaw(p *Partition, b []byte) error {
	for len(b) > 0 {
		n, err := p.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// partitionWriter adapts the raw re-feed handshake to io.Writer for the
// patch appliers.
type partitionWriter struct{ p *Partition }

func (w partitionWriter) Write(b []byte) (int, error) {
	if err := writeRaw(w.p, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// volumeWriter is the UBI-volume analog.
type volumeWriter struct{ p *Partition }

func (w volumeWriter) Write(b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		n, err := w.p.WriteVolume(b)
		if err != nil {
			return total - len(b), err
		}
		b = b[n:]
	}
	return total, nil
}

func (e *Engine) destWriter(p *Partition) io.Writer {
	if e.st.destIsUBI {
		return volumeWriter{p}
	}
	return partitionWriter{p}
}

func (e *Engine) processHeader(chunk []byte, pp **Partition) error {
	st := &e.st
	h, err := cwe.DecodeHeader(chunk)
	if err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	st.totalRead += cwe.HeaderSize

	if !st.firstSeen {
		st.firstSeen = true
		st.fullImageLength = uint64(h.ImageSize) + cwe.HeaderSize
		st.fullImageCRC = h.CRC32
		st.inImageLength = st.fullImageLength
		st.currentGlobalCRC = 0

		copy(st.slotMeta.CWERaw[:], chunk[:MetaCWERawSize])
		st.slotMeta.ImageSize = uint32(st.fullImageLength)
		st.slotMeta.DldSource = 0
		st.slotMeta.NbComponents = 1
		st.slotMeta.Offset = 0

		dev, derr := e.openDevice(mtd.ReadWrite)
		if derr != nil {
			return derr
		}
		p, oerr := OpenPartition(dev, int64(st.fullImageLength), 0, e.Log)
		if oerr != nil {
			dev.Close()
			return errors.Wrap(ErrFault, oerr.Error())
		}
		lb, phys, berr := p.PayloadBlocks()
		if berr != nil {
			p.Close(true)
			return errors.Wrap(ErrFault, berr.Error())
		}
		st.slotMeta.LogicalBlock = lb
		st.slotMeta.PhyBlock = phys
		*pp = p
		e.Log.WithFields(logrus.Fields{
			"type": h.ImageType.String(),
			"size": st.fullImageLength,
		}).Info("swifota: package started")
	} else {
		st.currentGlobalCRC = crc32.Update(st.currentGlobalCRC, crc32.IEEETable, chunk)
	}

	p := *pp
	if p.Mode() != ModeRaw {
		return errors.Wrapf(ErrFault, "swifota: CWE header while partition in %s mode", p.Mode())
	}
	if err := writeRaw(p, chunk); err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}

	switch {
	case h.ImageType.Composite():
		// The body is a sequence of sub-components; the next chunk is
		// the first sub-header.
		st.imageType = h.ImageType
		st.imageToBeRead = false

	case h.ImageType == cwe.TypeMETA:
		if h.ImageSize == 0 || h.ImageSize%cwe.HeaderSize != 0 ||
			h.ImageSize > cwe.MaxMetaHeaders*cwe.HeaderSize {
			return errors.Wrapf(ErrFault, "swifota: META body of %d bytes", h.ImageSize)
		}
		st.imageType = h.ImageType
		st.imageSize = h.ImageSize
		st.imageCRC = h.CRC32
		st.currentImageCRC = 0
		st.currentInImageOffset = 0
		st.metaHeaders = nil
		st.metaBuf = nil
		st.metaIndex = 0
		st.deltaSeen = true
		st.imageToBeRead = true

	default:
		st.imageType = h.ImageType
		st.imageSize = h.ImageSize
		st.imageCRC = h.CRC32
		st.miscOpts = h.MiscOpts
		st.currentImageCRC = 0
		st.currentInImageOffset = 0
		if h.MiscOpts.DeltaPatch() {
			st.pendingPatchMeta = true
			st.deltaSeen = true
			st.imageToBeRead = false
		} else {
			st.imageToBeRead = h.ImageSize > 0
		}
	}
	return nil
}

func (e *Engine) processPatchMeta(chunk []byte, p *Partition) error {
	st := &e.st
	m, err := cwe.DecodePatchMetaHeader(chunk)
	if err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	st.totalRead += cwe.PatchMetaHeaderSize
	st.currentInImageOffset += cwe.PatchMetaHeaderSize
	st.currentImageCRC = crc32.Update(st.currentImageCRC, crc32.IEEETable, chunk)
	st.currentGlobalCRC = crc32.Update(st.currentGlobalCRC, crc32.IEEETable, chunk)
	st.pendingPatchMeta = false
	st.patchMeta = m

	// Replay the cached original header for this delta child. The first
	// one went to flash when the META body completed; later ones are
	// emitted just in time.
	st.destCachedValid = false
	if len(st.metaHeaders) > 0 {
		if st.metaIndex >= len(st.metaHeaders) {
			return errors.Wrapf(ErrFault, "swifota: delta component %d beyond META header cache", st.metaIndex)
		}
		cached := st.metaHeaders[st.metaIndex]
		if st.metaIndex > 0 && p.Mode() == ModeRaw {
			if werr := writeRaw(p, cached); werr != nil {
				return errors.Wrap(ErrFault, werr.Error())
			}
		}
		oh, derr := cwe.DecodeHeader(cached)
		if derr != nil {
			return errors.Wrap(ErrFault, derr.Error())
		}
		st.destCachedValid = true
		st.destCachedSize = oh.ImageSize
		st.destCachedCRC = oh.CRC32
		st.metaIndex++
	}

	var origin io.ReaderAt
	if e.OpenOrigin != nil {
		if origin, err = e.OpenOrigin(m); err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
		if origin != nil && m.OrigSize > 0 {
			if verr := verifyOrigin(origin, m.OrigSize, m.OrigCRC); verr != nil {
				return verr
			}
		}
	}

	switch m.MagicString() {
	case cwe.MagicImgdiff:
		// UBI-aware patch: volume 0 opens a fresh container at the
		// write head, carrying the image sequence from the meta.
		if m.UBIVolID == 0 && p.Mode() == ModeRaw {
			if uerr := p.OpenUBI(m.UBIImageSeq, m.UBIImageSeq != 0, false); uerr != nil {
				return errors.Wrap(ErrFault, uerr.Error())
			}
		}
		if p.Mode() == ModeUBI {
			volName := st.imageType.String()
			if uerr := p.OpenVolume(m.UBIVolID, uint8(m.UBIVolType), m.DestSize,
				uint8(m.UBIVolFlags), volName, !st.ubiVolumeCreated); uerr != nil {
				if errors.Cause(uerr) == ErrBadParameter {
					return uerr
				}
				return errors.Wrap(ErrFault, uerr.Error())
			}
			st.ubiVolumeCreated = true
		} else if p.Mode() != ModeUBIVolume {
			return errors.Wrapf(ErrFault, "swifota: IMGDIFF2 with partition in %s mode", p.Mode())
		}
		st.destIsUBI = true
		st.destVolID = m.UBIVolID

	default:
		// BSDIFF40 and NODIFF00 target the raw region at the write
		// head.
		if p.Mode() != ModeRaw {
			return errors.Wrapf(ErrFault, "swifota: %s with partition in %s mode", m.MagicString(), p.Mode())
		}
		st.destIsUBI = false
		st.destStart = p.Flushed() + int64(p.Buffered())
	}

	a, aerr := patch.New(m, origin)
	if aerr != nil {
		return errors.Wrap(ErrFault, aerr.Error())
	}
	st.applier = a

	if a.Done() {
		// Degenerate patch with zero slices.
		if ferr := e.finishDelta(p); ferr != nil {
			return ferr
		}
		return e.maybeCompleteComponent(p)
	}
	return nil
}

func verifyOrigin(origin io.ReaderAt, size, wantCRC uint32) error {
	buf := make([]byte, 64*1024)
	crc := uint32(0)
	var off int64
	remaining := int64(size)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		rn, err := origin.ReadAt(buf[:n], off)
		if err != nil && err != io.EOF {
			return errors.Wrap(ErrFault, err.Error())
		}
		if rn == 0 {
			return errors.Wrap(ErrFault, "swifota: origin image shorter than declared")
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:rn])
		off += int64(rn)
		remaining -= int64(rn)
	}
	if crc != wantCRC {
		return errors.Wrapf(ErrFault,
			"swifota: origin CRC mismatch: got=0x%08x want=0x%08x", crc, wantCRC)
	}
	return nil
}

func (e *Engine) processPatchHeader(chunk []byte) error {
	st := &e.st
	h, err := cwe.DecodePatchHeader(chunk)
	if err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	st.totalRead += cwe.PatchHeaderSize
	st.currentInImageOffset += cwe.PatchHeaderSize
	st.currentImageCRC = crc32.Update(st.currentImageCRC, crc32.IEEETable, chunk)
	st.currentGlobalCRC = crc32.Update(st.currentGlobalCRC, crc32.IEEETable, chunk)
	if err := st.applier.StartSlice(h); err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	st.imageToBeRead = true
	return nil
}

func (e *Engine) processBody(chunk []byte, p *Partition) error {
	st := &e.st
	st.totalRead += uint64(len(chunk))
	st.currentInImageOffset += uint64(len(chunk))
	st.currentImageCRC = crc32.Update(st.currentImageCRC, crc32.IEEETable, chunk)
	st.currentGlobalCRC = crc32.Update(st.currentGlobalCRC, crc32.IEEETable, chunk)

	switch {
	case st.imageType == cwe.TypeMETA:
		st.metaBuf = append(st.metaBuf, chunk...)
		for len(st.metaBuf) >= cwe.HeaderSize {
			if len(st.metaHeaders) >= cwe.MaxMetaHeaders {
				return errors.Wrap(ErrFault, "swifota: META header cache overflow")
			}
			hdr := make([]byte, cwe.HeaderSize)
			copy(hdr, st.metaBuf[:cwe.HeaderSize])
			st.metaHeaders = append(st.metaHeaders, hdr)
			st.metaBuf = st.metaBuf[cwe.HeaderSize:]
		}
		if st.currentInImageOffset == uint64(st.imageSize) {
			if st.currentImageCRC != st.imageCRC {
				return errors.Wrapf(ErrFault,
					"swifota: META body CRC mismatch: got=0x%08x want=0x%08x", st.currentImageCRC, st.imageCRC)
			}
			// The first original header goes to flash now; the rest
			// are replayed ahead of their delta children.
			if err := writeRaw(p, st.metaHeaders[0]); err != nil {
				return errors.Wrap(ErrFault, err.Error())
			}
			st.imageToBeRead = false
		}
		return nil

	case st.applier != nil:
		if err := st.applier.Feed(chunk, e.destWriter(p)); err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
		if !st.applier.InSlice() {
			st.imageToBeRead = false
			if st.applier.Done() {
				if err := e.finishDelta(p); err != nil {
					return err
				}
			}
		}
		return e.maybeCompleteComponent(p)

	default:
		if err := writeRaw(p, chunk); err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
		return e.maybeCompleteComponent(p)
	}
}

// finishDelta finalizes the applier and reconciles the destination image
// against the patch-meta checksums and, when present, the cached original
// header from the META sub-package.
func (e *Engine) finishDelta(p *Partition) error {
	st := &e.st
	m := st.patchMeta
	if err := st.applier.Finalize(e.destWriter(p)); err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}

	var size, crc uint32
	if st.destIsUBI {
		if p.Mode() == ModeUBIVolume {
			if err := p.CloseVolume(m.DestSize); err != nil {
				return errors.Wrap(ErrFault, err.Error())
			}
			st.ubiVolumeCreated = false
		}
		var err error
		size, crc, _, _, err = p.UBIVolumeSizeCRC(st.destVolID)
		if err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
	} else {
		destLen := p.Flushed() + int64(p.Buffered()) - st.destStart
		if destLen != int64(m.DestSize) {
			return errors.Wrapf(ErrFault,
				"swifota: patch produced %d bytes, meta declared %d", destLen, m.DestSize)
		}
		var err error
		crc, err = p.DataCRC32(st.destStart, int64(m.DestSize))
		if err != nil {
			return errors.Wrap(ErrFault, err.Error())
		}
		size = m.DestSize
	}

	if size != m.DestSize || crc != m.DestCRC {
		return errors.Wrapf(ErrFault,
			"swifota: destination mismatch: got (%d, 0x%08x), meta declared (%d, 0x%08x)",
			size, crc, m.DestSize, m.DestCRC)
	}
	if st.destCachedValid && (size != st.destCachedSize || crc != st.destCachedCRC) {
		return errors.Wrapf(ErrFault,
			"swifota: destination mismatch against original header: got (%d, 0x%08x), header declared (%d, 0x%08x)",
			size, crc, st.destCachedSize, st.destCachedCRC)
	}
	return nil
}

// maybeCompleteComponent runs the end-of-component verification once the
// full body has been consumed.
func (e *Engine) maybeCompleteComponent(p *Partition) error {
	st := &e.st
	if st.currentInImageOffset < uint64(st.imageSize) {
		return nil
	}
	if st.applier != nil && !st.applier.Done() {
		return errors.Wrap(ErrFault, "swifota: component body ended mid-patch")
	}
	if st.currentImageCRC != st.imageCRC {
		return errors.Wrapf(ErrFault,
			"swifota: component %s CRC mismatch: got=0x%08x want=0x%08x",
			st.imageType, st.currentImageCRC, st.imageCRC)
	}
	st.applier = nil
	st.patchMeta = nil
	st.destCachedValid = false
	// The next component starts fresh.
	st.miscOpts &^= cwe.OptDeltaPatch
	st.imageToBeRead = false
	return nil
}
