// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package journal checkpoints the download engine state across power loss.
//
// Two files, resume_ctx_0 and resume_ctx_1, are written round-robin: every
// checkpoint bumps a generation counter and lands in the file opposite the
// one written last. On load the record with the higher counter wins if its
// CRCs verify, with failover to the other file. At any instant at least one
// file holds either the previous checkpoint or the new one, so a power cut
// costs at most one checkpoint.
package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileNames of the two round-robin checkpoint files.
var FileNames = [2]string{"resume_ctx_0", "resume_ctx_1"}

// ErrNoCheckpoint reports that no valid checkpoint exists: cold start.
var ErrNoCheckpoint = errors.New("journal: no valid checkpoint")

// Sizes of the fixed fields captured verbatim from the wire.
const (
	// PatchMetaRawSize holds a raw patch meta header.
	PatchMetaRawSize = 56
	// PatchRawSize holds a raw patch slice header.
	PatchRawSize = 12
	// ImgdiffStateSize holds the opaque imgdiff context.
	ImgdiffStateSize = 32
	// MetaHeaders is the capacity of the META header cache.
	MetaHeaders = 9
	// CWEHeaderRawSize holds one raw CWE header.
	CWEHeaderRawSize = 400
	// SlotMetaSize holds the slot metadata record under construction.
	SlotMetaSize = 256
)

// SaveCtx is the engine state persisted at every checkpoint. The layout is
// fixed and little-endian; CtxCRC covers every preceding byte of the
// record, PartitionCtxCRC covers the opaque partition blob appended after
// it.
type SaveCtx struct {
	CtxCounter uint32
	FileIndex  uint32

	ImageType        uint32
	ImageSize        uint32
	ImageCRC         uint32
	CurrentImageCRC  uint32
	CurrentGlobalCRC uint32

	TotalRead            uint64
	CurrentInImageOffset uint64
	FullImageCRC         uint32
	FullImageLength      uint64
	InImageLength        uint64
	MiscOpts             uint32
	ImageToBeRead        uint32

	PatchMetaValid uint32
	PatchMetaRaw   [PatchMetaRawSize]byte
	PatchValid     uint32
	PatchRaw       [PatchRawSize]byte
	ImgdiffState   [ImgdiffStateSize]byte

	MetaImgCount uint32
	MetaImgIndex uint32
	MetaImgData  [MetaHeaders][CWEHeaderRawSize]byte

	UbiVolumeCreated uint32
	SlotMeta         [SlotMetaSize]byte

	PartitionCtxLen uint32
	PartitionCtxCRC uint32
	CtxCRC          uint32
}

// encode serializes the SaveCtx to its fixed little-endian form with CtxCRC
// freshly computed.
func (c *SaveCtx) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
		return nil, errors.Wrap(err, "journal: could not serialize context")
	}
	raw := buf.Bytes()
	c.CtxCRC = crc32.ChecksumIEEE(raw[:len(raw)-4])
	binary.LittleEndian.PutUint32(raw[len(raw)-4:], c.CtxCRC)
	return raw, nil
}

func decodeSaveCtx(raw []byte) (*SaveCtx, error) {
	c := new(SaveCtx)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, c); err != nil {
		return nil, errors.Wrap(err, "journal: could not parse context")
	}
	return c, nil
}

func ctxSize() int {
	return binary.Size(&SaveCtx{})
}

// Journal owns the checkpoint directory.
type Journal struct {
	dir string
	// lastIndex is the file written by the previous Save; the next Save
	// targets the opposite one.
	lastIndex int
	// counter is the generation of the last checkpoint.
	counter uint32
}

// New returns a journal rooted at dir, creating the directory if needed.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "journal: could not create directory")
	}
	return &Journal{dir: dir, lastIndex: 1}, nil
}

func (j *Journal) path(index int) string {
	return filepath.Join(j.dir, FileNames[index])
}

// Save writes one checkpoint: the context with a bumped generation counter,
// followed by the opaque partition blob, into the file opposite the last
// one written.
func (j *Journal) Save(ctx *SaveCtx, partitionBlob []byte) error {
	j.counter++
	index := j.lastIndex ^ 1

	ctx.CtxCounter = j.counter
	ctx.FileIndex = uint32(index)
	ctx.PartitionCtxLen = uint32(len(partitionBlob))
	ctx.PartitionCtxCRC = crc32.ChecksumIEEE(partitionBlob)

	raw, err := ctx.encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(j.path(index), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "journal: could not open checkpoint file")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: could not write context")
	}
	if _, err := f.Write(partitionBlob); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: could not write partition context")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "journal: could not sync checkpoint")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "journal: could not close checkpoint")
	}
	j.lastIndex = index
	return nil
}

func (j *Journal) readOne(index int) (*SaveCtx, []byte, error) {
	raw, err := os.ReadFile(j.path(index))
	if err != nil {
		return nil, nil, err
	}
	n := ctxSize()
	if len(raw) < n {
		return nil, nil, errors.Errorf("journal: short record in %s", FileNames[index])
	}
	ctx, err := decodeSaveCtx(raw[:n])
	if err != nil {
		return nil, nil, err
	}
	if got := crc32.ChecksumIEEE(raw[:n-4]); got != ctx.CtxCRC {
		return nil, nil, errors.Errorf("journal: context CRC mismatch in %s: got=0x%08x want=0x%08x", FileNames[index], got, ctx.CtxCRC)
	}
	blob := raw[n:]
	if uint32(len(blob)) != ctx.PartitionCtxLen {
		return nil, nil, errors.Errorf("journal: partition context length mismatch in %s", FileNames[index])
	}
	if got := crc32.ChecksumIEEE(blob); got != ctx.PartitionCtxCRC {
		return nil, nil, errors.Errorf("journal: partition context CRC mismatch in %s", FileNames[index])
	}
	return ctx, blob, nil
}

// Load selects the newest valid checkpoint. With neither file valid the
// files are erased and ErrNoCheckpoint returned.
func (j *Journal) Load() (*SaveCtx, []byte, error) {
	type candidate struct {
		ctx  *SaveCtx
		blob []byte
	}
	var cands [2]*candidate
	missing := 0
	for i := 0; i < 2; i++ {
		ctx, blob, err := j.readOne(i)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				missing++
			}
			continue
		}
		cands[i] = &candidate{ctx: ctx, blob: blob}
	}
	if missing == 2 {
		return nil, nil, ErrNoCheckpoint
	}

	best := -1
	for i, c := range cands {
		if c == nil {
			continue
		}
		if best < 0 || c.ctx.CtxCounter > cands[best].ctx.CtxCounter {
			best = i
		}
	}
	if best < 0 {
		// Both files present but neither verifies.
		if err := j.Erase(); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrNoCheckpoint
	}
	j.counter = cands[best].ctx.CtxCounter
	j.lastIndex = best
	return cands[best].ctx, cands[best].blob, nil
}

// Erase removes both checkpoint files. Idempotent.
func (j *Journal) Erase() error {
	for i := 0; i < 2; i++ {
		if err := os.Remove(j.path(i)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "journal: could not remove %s", FileNames[i])
		}
	}
	j.counter = 0
	j.lastIndex = 1
	return nil
}
