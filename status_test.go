// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwupdate_status")
	for _, s := range []Status{StatusOK, StatusDwlOngoing, StatusDwlFailed, StatusDwlTimeout} {
		if err := WriteStatusFile(path, s); err != nil {
			t.Fatal(err)
		}
		got, err := ReadStatusFile(path)
		if err != nil {
			t.Fatalf("ReadStatusFile after writing %v: %v", s, err)
		}
		if got != s {
			t.Errorf("status = %v, want %v", got, s)
		}
	}
}

func TestStatusFileMissing(t *testing.T) {
	s, err := ReadStatusFile(filepath.Join(t.TempDir(), "nosuch"))
	if s != StatusUnknown || err != ErrStatusMissing {
		t.Errorf("ReadStatusFile = (%v, %v), want (StatusUnknown, ErrStatusMissing)", s, err)
	}
}

func TestStatusFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwupdate_status")
	if err := os.WriteFile(path, []byte{0xEE}, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := ReadStatusFile(path)
	if s != StatusUnknown || err != ErrStatusCorrupt {
		t.Errorf("ReadStatusFile = (%v, %v), want (StatusUnknown, ErrStatusCorrupt)", s, err)
	}

	if err := os.WriteFile(path, []byte{0, 1}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadStatusFile(path); err != ErrStatusCorrupt {
		t.Errorf("two-byte file error = %v, want ErrStatusCorrupt", err)
	}
}

func TestStatusStrings(t *testing.T) {
	if StatusDwlTimeout.String() != "DWL_TIMEOUT" {
		t.Errorf("StatusDwlTimeout = %q", StatusDwlTimeout.String())
	}
	if Status(200).String() != "<invalid>" {
		t.Errorf("invalid status = %q", Status(200).String())
	}
}
