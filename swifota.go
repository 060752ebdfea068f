// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package swifota is the firmware-update engine for cellular modem
// modules: it streams a composite CWE update package from a byte stream
// into the raw NAND staging partition named "swifota", where a bootloader
// installs it on the next reboot.
//
// The staging partition layout:
//
//	PEB 0..1 : reserved for the slot metadata record (written at install)
//	PEB 2..N : image payload, raw bytes or an embedded UBI container
//
// The engine combines an incremental parser that decides byte-for-byte how
// much input to request next, erase-block-aligned writes with bad-block
// skipping, nested UBI volume construction, a two-file journaled checkpoint
// after every erase-block flush, and layered CRC32 accounting — per
// component, global, per UBI volume — that must all reconcile before the
// metadata is ever written.
//
// Scheduling is single-threaded and strictly serial: byte N is parsed,
// written, checksummed and checkpointed before byte N+1 is read, so an
// arbitrary power cut during a download is recoverable from the last
// checkpoint.
package swifota
