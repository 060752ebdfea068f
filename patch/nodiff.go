// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"io"

	"github.com/zchee/go-swifota/cwe"
)

// copyAlgorithm is the NODIFF00 algorithm: the patch stream is the
// destination image and passes straight through.
type copyAlgorithm struct {
	in  int64
	out int64
}

func newCopy(meta *cwe.PatchMetaHeader, origin io.ReaderAt) (Algorithm, error) {
	return &copyAlgorithm{}, nil
}

// NewCopyAlgorithm returns the pass-through algorithm, also useful as a
// stand-in when exercising the framing around a pluggable patch family.
func NewCopyAlgorithm() Algorithm {
	return &copyAlgorithm{}
}

func (c *copyAlgorithm) Feed(p []byte, dst io.Writer) (int64, error) {
	n, err := dst.Write(p)
	c.in += int64(len(p))
	c.out += int64(n)
	return int64(n), err
}

func (c *copyAlgorithm) Progress() (int64, int64) {
	return c.in, c.out
}

func (c *copyAlgorithm) Finalize(dst io.Writer) (int64, error) {
	return 0, nil
}
