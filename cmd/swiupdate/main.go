// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Program swiupdate drives the firmware-update engine from the command
// line: it feeds a CWE package into the staging partition from a file,
// stdin or a serial line, reports resume positions, and triggers installs.
//
//	swiupdate -download update.cwe
//	swiupdate -tty /dev/ttyUSB0 -baud 115200
//	swiupdate -resume
//	swiupdate -install
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/term"
	"github.com/sirupsen/logrus"

	swifota "github.com/zchee/go-swifota"
	"github.com/zchee/go-swifota/mtd"
)

var (
	partition  = flag.String("partition", swifota.PartitionName, "staging partition name in /proc/mtd")
	ctxDir     = flag.String("ctxdir", "/data/le_fs/fwupdate", "directory holding the resume checkpoint files")
	statusFile = flag.String("statusfile", "/data/le_fs/fwupdate/fwupdate_status", "single-byte download status file")
	download   = flag.String("download", "", "CWE package to download ('-' for stdin)")
	tty        = flag.String("tty", "", "serial device to stream the package from (instead of -download)")
	baud       = flag.Int("baud", 115200, "serial line speed for -tty")
	timeout    = flag.Duration("timeout", swifota.DefaultReadTimeout, "input read timeout")
	initDwl    = flag.Bool("init", false, "discard any partial download and erase the journal")
	resume     = flag.Bool("resume", false, "print the resume position and exit")
	install    = flag.Bool("install", false, "write the slot metadata and reboot into the update")
	markGood   = flag.Bool("markgood", false, "with -install, mark the new system good immediately")
	status     = flag.Bool("status", false, "print the stored update status and exit")
	debug      = flag.Bool("debug", false, "be more verbose")
)

func main() {
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	engine := swifota.New()
	engine.Log = log
	engine.JournalDir = *ctxDir
	engine.StatusPath = *statusFile
	engine.ReadTimeout = *timeout
	engine.OpenDevice = func(mode mtd.OpenMode) (mtd.Device, error) {
		return mtd.Open(*partition, mode)
	}

	switch {
	case *status:
		s, label, err := engine.UpdateStatus()
		if err != nil {
			log.Fatalf("could not read status: %v", err)
		}
		fmt.Printf("%d %s\n", s, label)

	case *resume:
		pos, err := engine.ResumePosition()
		if err != nil {
			log.Fatalf("could not read resume position: %v", err)
		}
		fmt.Println(pos)

	case *initDwl:
		if err := engine.InitDownload(); err != nil {
			log.Fatalf("init failed: %v", err)
		}

	case *install:
		if err := engine.Install(*markGood); err != nil {
			log.Fatalf("install failed: %v", err)
		}

	case *tty != "":
		t, err := term.Open(*tty, term.Speed(*baud), term.RawMode)
		if err != nil {
			log.Fatalf("could not open serial port %q: %v", *tty, err)
		}
		defer t.Close()
		if err := engine.DownloadStream(t); err != nil {
			log.Fatalf("download failed: %v", err)
		}

	case *download != "":
		f := os.Stdin
		if *download != "-" {
			var err error
			if f, err = os.Open(*download); err != nil {
				log.Fatalf("could not open %q: %v", *download, err)
			}
			defer f.Close()
		}
		start := time.Now()
		if err := engine.Download(f); err != nil {
			log.Fatalf("download failed: %v", err)
		}
		log.Infof("download complete in %v", time.Since(start).Round(time.Millisecond))

	default:
		flag.Usage()
		os.Exit(2)
	}
}
