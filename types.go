// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"time"

	"github.com/pkg/errors"
)

// PartitionName is the staging partition every download targets.
const PartitionName = "swifota"

// MetadataPEBs is the number of good erase blocks reserved at the head of
// the staging partition for the slot metadata record.
const MetadataPEBs = 2

const (
	// DefaultReadTimeout bounds how long a download waits for input.
	DefaultReadTimeout = 900 * time.Second
	// WatchdogKickInterval is the wall-clock interval between watchdog
	// kicks while waiting for input.
	WatchdogKickInterval = 10 * time.Second
	// CRCYield is the pause inserted between erase blocks while
	// computing a CRC over flash, so the download thread never starves
	// the watchdog.
	CRCYield = time.Millisecond
)

// Result kinds exposed to callers. Layers wrap these with context; classify
// with errors.Cause.
var (
	// ErrBadParameter reports a caller error.
	ErrBadParameter = errors.New("swifota: bad parameter")
	// ErrBusy reports that the engine or a resource is held elsewhere.
	ErrBusy = errors.New("swifota: busy")
	// ErrClosed reports input ending before the full image length. The
	// last checkpoint remains valid; a later download resumes.
	ErrClosed = errors.New("swifota: input closed")
	// ErrTimeout reports no input within the read timeout.
	ErrTimeout = errors.New("swifota: input timeout")
	// ErrUnavailable reports that the staging partition cannot be
	// opened.
	ErrUnavailable = errors.New("swifota: partition unavailable")
	// ErrFault reports an integrity violation or hardware error.
	ErrFault = errors.New("swifota: fault")
)

// Mode is the write mode of the staging partition.
type Mode int

const (
	// ModeClosed means the partition is not open.
	ModeClosed Mode = iota
	// ModeRaw accepts raw image bytes.
	ModeRaw
	// ModeUBI has an open UBI container but no volume being written.
	ModeUBI
	// ModeUBIVolume is writing a UBI volume.
	ModeUBIVolume
)

// String implementations of fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeRaw:
		return "raw"
	case ModeUBI:
		return "ubi"
	case ModeUBIVolume:
		return "ubi-volume"
	default:
		return "<invalid>"
	}
}
