// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import (
	"io"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// input wraps the download byte stream. Regular files read with plain
// blocking reads; sockets and pipes go through deadline-bounded reads so a
// stalled peer surfaces as ErrTimeout rather than hanging the engine. The
// watchdog is kicked between reads either way.
type input struct {
	r        io.Reader
	f        *os.File
	pollable bool
	timeout  time.Duration
	watchdog func()
}

func newInput(r io.Reader, timeout time.Duration, watchdog func()) *input {
	in := &input{r: r, timeout: timeout, watchdog: watchdog}
	if f, ok := r.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && !fi.Mode().IsRegular() {
			in.f = f
			in.pollable = true
		}
	}
	if in.timeout <= 0 {
		in.timeout = DefaultReadTimeout
	}
	return in
}

func (in *input) kick() {
	if in.watchdog != nil {
		in.watchdog()
	}
}

// read returns n bytes of input, or the bytes gathered so far alongside an
// error. A cleanly closed stream surfaces as ErrClosed, a stall longer than
// the timeout as ErrTimeout; transient EINTR and EAGAIN are retried in
// place.
func (in *input) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(in.timeout)
	for got < n {
		in.kick()
		if in.pollable {
			kickAt := time.Now().Add(WatchdogKickInterval)
			if kickAt.After(deadline) {
				kickAt = deadline
			}
			if err := in.f.SetReadDeadline(kickAt); err != nil {
				in.pollable = false
			}
		}
		rn, err := in.r.Read(buf[got:])
		got += rn
		if rn > 0 {
			deadline = time.Now().Add(in.timeout)
		}
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				if !time.Now().Before(deadline) {
					return buf[:got], errors.Wrapf(ErrTimeout, "swifota: no input for %v", in.timeout)
				}
				continue
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				return buf[:got], errors.Wrapf(ErrClosed, "swifota: input ended after %d of %d bytes", got, n)
			case errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN):
				continue
			default:
				return buf[:got], errors.Wrap(err, "swifota: input read")
			}
		}
	}
	return buf, nil
}
