// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zchee/go-swifota/cwe"
	"github.com/zchee/go-swifota/journal"
	"github.com/zchee/go-swifota/mtd"
	"github.com/zchee/go-swifota/patch"
)

// Engine is the firmware-update engine: the streaming parser, resumable
// writer and integrity checker over the staging partition. One engine
// serves one update at a time; a second download while one is running
// reports ErrBusy.
type Engine struct {
	// Log receives engine lifecycle and progress logging.
	Log *logrus.Logger
	// JournalDir holds the two resume checkpoint files.
	JournalDir string
	// StatusPath is the single-byte download status file.
	StatusPath string
	// ReadTimeout bounds how long a download waits for input bytes.
	ReadTimeout time.Duration
	// Watchdog, when set, is kicked between input reads.
	Watchdog func()
	// Reboot, when set, is invoked by Install after the metadata is on
	// flash.
	Reboot func() error
	// OpenDevice opens the staging partition. The default locates the
	// partition named "swifota" in /proc/mtd.
	OpenDevice func(mode mtd.OpenMode) (mtd.Device, error)
	// OpenOrigin provides read access to the original image a delta
	// patch transforms. Without it origin checksums go unverified.
	OpenOrigin func(meta *cwe.PatchMetaHeader) (io.ReaderAt, error)

	mu   sync.Mutex
	busy bool

	st engineState
}

// engineState is the mutable download state; the journal persists it.
type engineState struct {
	imageType        cwe.ImageType
	imageSize        uint32
	imageCRC         uint32
	currentImageCRC  uint32
	currentGlobalCRC uint32

	totalRead            uint64
	currentInImageOffset uint64
	fullImageCRC         uint32
	fullImageLength      uint64
	inImageLength        uint64
	miscOpts             cwe.MiscOpts
	imageToBeRead        bool
	firstSeen            bool

	pendingPatchMeta bool
	patchMeta        *cwe.PatchMetaHeader
	applier          *patch.Applier
	deltaSeen        bool
	destStart        int64
	destIsUBI        bool
	destVolID        uint32
	destCachedValid  bool
	destCachedSize   uint32
	destCachedCRC    uint32

	metaHeaders [][]byte
	metaIndex   int
	metaBuf     []byte

	ubiVolumeCreated bool
	slotMeta         MetaRecord
}

// New returns an engine with defaults: the logrus standard logger, the
// 900-second read timeout, and the system "swifota" partition.
func New() *Engine {
	return &Engine{
		Log:         logrus.StandardLogger(),
		ReadTimeout: DefaultReadTimeout,
		OpenDevice: func(mode mtd.OpenMode) (mtd.Device, error) {
			dev, err := mtd.Open(PartitionName, mode)
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
	}
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return errors.Wrap(ErrBusy, "swifota: download in progress")
	}
	e.busy = true
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

func (e *Engine) setStatus(s Status) {
	if e.StatusPath == "" {
		return
	}
	if err := WriteStatusFile(e.StatusPath, s); err != nil {
		e.Log.WithError(err).Warn("swifota: could not record status")
	}
}

// UpdateStatus returns the persisted status and its label.
func (e *Engine) UpdateStatus() (Status, string, error) {
	if e.StatusPath == "" {
		return StatusUnknown, StatusUnknown.String(), errors.Wrap(ErrBadParameter, "swifota: no status path configured")
	}
	s, err := ReadStatusFile(e.StatusPath)
	return s, s.String(), err
}

// journal returns the engine's resume journal.
func (e *Engine) journal() (*journal.Journal, error) {
	if e.JournalDir == "" {
		return nil, errors.Wrap(ErrBadParameter, "swifota: no journal directory configured")
	}
	return journal.New(e.JournalDir)
}

// InitDownload discards any partial download: both journal files are
// erased and the engine state cleared. Idempotent.
func (e *Engine) InitDownload() error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	j, err := e.journal()
	if err != nil {
		return err
	}
	if err := j.Erase(); err != nil {
		return errors.Wrap(ErrFault, err.Error())
	}
	e.st = engineState{}
	return nil
}

// ResumePosition returns how many input bytes are already safely reflected
// on media: the consumed-byte count of the newest valid checkpoint, or zero
// with no checkpoint.
func (e *Engine) ResumePosition() (int64, error) {
	j, err := e.journal()
	if err != nil {
		return 0, err
	}
	ctx, _, err := j.Load()
	if err != nil {
		if err == journal.ErrNoCheckpoint {
			return 0, nil
		}
		return 0, errors.Wrap(ErrFault, err.Error())
	}
	return int64(ctx.TotalRead), nil
}
