// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"os"

	"github.com/pkg/errors"
)

// Status is the persisted download/install outcome. It is stored as a
// single byte in the status file and recreated on every transition.
type Status uint8

const (
	// StatusOK means the last update operation succeeded.
	StatusOK Status = iota
	// StatusSwifotaCorrupt means the staged image failed verification.
	StatusSwifotaCorrupt
	// StatusUAFail means the update agent failed.
	StatusUAFail
	// StatusBLFail means the bootloader rejected the staged image.
	StatusBLFail
	// StatusDwlOngoing means a download is in progress.
	StatusDwlOngoing
	// StatusDwlFailed means the last download failed.
	StatusDwlFailed
	// StatusDwlTimeout means the last download timed out waiting for
	// input.
	StatusDwlTimeout
	// StatusInstOngoing means an install is in progress.
	StatusInstOngoing
	// StatusUnknown means no outcome is recorded.
	StatusUnknown
)

// String implementations of fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSwifotaCorrupt:
		return "SWIFOTA_CORRUPT"
	case StatusUAFail:
		return "UA_FAIL"
	case StatusBLFail:
		return "BL_FAIL"
	case StatusDwlOngoing:
		return "DWL_ONGOING"
	case StatusDwlFailed:
		return "DWL_FAILED"
	case StatusDwlTimeout:
		return "DWL_TIMEOUT"
	case StatusInstOngoing:
		return "INST_ONGOING"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return "<invalid>"
	}
}

// Status read errors. A missing or corrupt file still yields StatusUnknown,
// but the two conditions stay distinguishable.
var (
	// ErrStatusMissing reports that no status file exists.
	ErrStatusMissing = errors.New("swifota: no status file")
	// ErrStatusCorrupt reports a status file holding an invalid value.
	ErrStatusCorrupt = errors.New("swifota: corrupt status file")
)

// WriteStatusFile recreates the status file holding one byte.
func WriteStatusFile(path string, s Status) error {
	if err := os.WriteFile(path, []byte{byte(s)}, 0o644); err != nil {
		return errors.Wrap(err, "swifota: could not write status file")
	}
	return nil
}

// ReadStatusFile reads the stored status. A missing file returns
// (StatusUnknown, ErrStatusMissing); a file holding anything but a single
// valid status byte returns (StatusUnknown, ErrStatusCorrupt).
func ReadStatusFile(path string) (Status, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusUnknown, ErrStatusMissing
		}
		return StatusUnknown, errors.Wrap(err, "swifota: could not read status file")
	}
	if len(raw) != 1 || Status(raw[0]) > StatusUnknown {
		return StatusUnknown, ErrStatusCorrupt
	}
	return Status(raw[0]), nil
}
