// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"io"

	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/cwe"
)

// Applier drives one delta component: it tracks slice sequencing and feeds
// slice payloads to the algorithm selected by the meta-header magic.
type Applier struct {
	meta *cwe.PatchMetaHeader
	alg  Algorithm

	slicesDone uint32
	cur        *cwe.PatchHeader
	curFed     uint32
}

// New builds an applier for one delta component. ErrUnsupported is returned
// when no algorithm is registered for the meta-header magic.
func New(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (*Applier, error) {
	f, ok := lookup(meta.MagicString())
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "patch: %q", meta.MagicString())
	}
	alg, err := f(meta, origin)
	if err != nil {
		return nil, errors.Wrapf(err, "patch: could not build %q algorithm", meta.MagicString())
	}
	return &Applier{meta: meta, alg: alg}, nil
}

// Meta returns the meta header the applier was built from.
func (a *Applier) Meta() *cwe.PatchMetaHeader { return a.meta }

// StartSlice begins the next patch slice. Slices must arrive in sequence
// starting at 0.
func (a *Applier) StartSlice(h *cwe.PatchHeader) error {
	if a.cur != nil {
		return errors.Errorf("patch: slice %d started before slice %d completed", h.SliceNum, a.cur.SliceNum)
	}
	if h.SliceNum != a.slicesDone {
		return errors.Wrapf(ErrBadSequence, "patch: got slice %d, want %d", h.SliceNum, a.slicesDone)
	}
	if a.slicesDone >= a.meta.NumPatches {
		return errors.Wrapf(ErrBadSequence, "patch: slice %d beyond declared count %d", h.SliceNum, a.meta.NumPatches)
	}
	a.cur = h
	a.curFed = 0
	return nil
}

// InSlice reports whether a slice is currently being fed.
func (a *Applier) InSlice() bool { return a.cur != nil }

// LengthToRead returns how many patch bytes the parser should request next
// for the current slice, bounded by the chunk length.
func (a *Applier) LengthToRead() uint32 {
	if a.cur == nil {
		return cwe.PatchHeaderSize
	}
	remaining := a.cur.SliceSize - a.curFed
	if remaining > cwe.ChunkLength {
		remaining = cwe.ChunkLength
	}
	return remaining
}

// Feed hands patch bytes of the current slice to the algorithm. When the
// slice completes, the applier advances to expect the next slice header.
func (a *Applier) Feed(p []byte, dst io.Writer) error {
	if a.cur == nil {
		return errors.New("patch: feed outside a slice")
	}
	if uint32(len(p)) > a.cur.SliceSize-a.curFed {
		return errors.Errorf("patch: slice %d overfed by %d bytes", a.cur.SliceNum, uint32(len(p))-(a.cur.SliceSize-a.curFed))
	}
	if _, err := a.alg.Feed(p, dst); err != nil {
		return errors.Wrapf(err, "patch: slice %d", a.cur.SliceNum)
	}
	a.curFed += uint32(len(p))
	if a.curFed == a.cur.SliceSize {
		a.cur = nil
		a.slicesDone++
	}
	return nil
}

// Done reports whether every declared slice has been applied.
func (a *Applier) Done() bool {
	return a.cur == nil && a.slicesDone == a.meta.NumPatches
}

// Finalize flushes the algorithm after the last slice.
func (a *Applier) Finalize(dst io.Writer) error {
	if !a.Done() {
		return errors.Errorf("patch: finalize after %d of %d slices", a.slicesDone, a.meta.NumPatches)
	}
	if _, err := a.alg.Finalize(dst); err != nil {
		return errors.Wrap(err, "patch: finalize")
	}
	return nil
}

// Progress returns total patch bytes consumed and destination bytes
// produced by the algorithm.
func (a *Applier) Progress() (int64, int64) {
	return a.alg.Progress()
}

// SliceProgress returns the number of completed slices, the in-flight slice
// header (nil between slices) and the bytes fed into it. Checkpointed by
// the engine.
func (a *Applier) SliceProgress() (done uint32, cur *cwe.PatchHeader, fed uint32) {
	return a.slicesDone, a.cur, a.curFed
}

// RestoreProgress rewinds a fresh applier to a checkpointed position.
// Algorithms are rebuilt from scratch, so implementations must either be
// stateless across slices or reconstruct their own state from the origin.
func (a *Applier) RestoreProgress(done uint32, cur *cwe.PatchHeader, fed uint32) {
	a.slicesDone = done
	a.cur = cur
	a.curFed = fed
}
