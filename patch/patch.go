// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch applies delta patches to images being laid down in the
// staging partition. The package owns the framing and sequencing contract:
// patch slices arrive in order, each framed by a 12-byte header, and the
// decoded payload is handed to a patch algorithm selected by the magic of
// the patch meta header.
//
// The byte-mixing algorithms themselves are plugins. NODIFF00 — a plain
// copy — ships built in; BSDIFF40 and IMGDIFF2 implementations are
// registered by the integrator.
package patch

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/zchee/go-swifota/cwe"
)

// Errors surfaced to the engine.
var (
	// ErrUnsupported reports a patch magic with no registered algorithm.
	ErrUnsupported = errors.New("patch: no algorithm registered for magic")
	// ErrBadSequence reports a slice arriving out of order.
	ErrBadSequence = errors.New("patch: slice out of sequence")
)

// Algorithm consumes patch-stream bytes and produces destination-image
// bytes. Implementations sequence "read from origin, mix with patch, write
// to destination" internally and may buffer input before emitting output.
type Algorithm interface {
	// Feed consumes all of p, writing any ready destination bytes to
	// dst. It returns the number of destination bytes written.
	Feed(p []byte, dst io.Writer) (int64, error)
	// Progress returns total patch bytes consumed and destination bytes
	// produced so far.
	Progress() (in, out int64)
	// Finalize flushes any pending destination bytes after the last
	// slice has been fed.
	Finalize(dst io.Writer) (int64, error)
}

// Factory builds an Algorithm for one delta component. origin reads the
// original image the patch transforms.
type Factory func(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (Algorithm, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register installs the algorithm factory for a patch magic, replacing any
// previous registration.
func Register(magic string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[magic] = f
}

func lookup(magic string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[magic]
	return f, ok
}

func init() {
	Register(cwe.MagicNodiff, newCopy)
}
