// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Program swidump inspects a staged update image: it decodes the slot
// metadata record, walks the CWE headers laid down in the payload region,
// and hex-dumps selected ranges.
//
//	swidump -image staged.bin -erasesize 0x20000
//	swidump -image staged.bin -walk
//	swidump -image staged.bin -dump 0x40000 -length 256
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"zappem.net/pub/debug/xxd"

	swifota "github.com/zchee/go-swifota"
	"github.com/zchee/go-swifota/cwe"
)

var (
	image     = flag.String("image", "", "raw dump of the staging partition to inspect")
	eraseSize = flag.Int("erasesize", 0x20000, "erase block size of the dumped flash")
	walk      = flag.Bool("walk", false, "walk the CWE headers in the payload region")
	dumpAddr  = flag.Int("dump", -1, "hex-dump from this offset")
	dumpLen   = flag.Int("length", 256, "bytes to dump with -dump")
)

func main() {
	flag.Parse()
	if *image == "" {
		flag.Usage()
		os.Exit(2)
	}
	raw, err := os.ReadFile(*image)
	if err != nil {
		log.Fatalf("could not read %q: %v", *image, err)
	}

	if *dumpAddr >= 0 {
		end := *dumpAddr + *dumpLen
		if end > len(raw) {
			end = len(raw)
		}
		xxd.Print(*dumpAddr, raw[*dumpAddr:end])
		return
	}

	if rec, err := swifota.DecodeMetaRecord(raw); err == nil {
		fmt.Printf("slot metadata: version=%d size=%d leb=%d peb=%d components=%d crc=%08X\n",
			rec.Version, rec.ImageSize, rec.LogicalBlock, rec.PhyBlock, rec.NbComponents, rec.CRC32)
	} else {
		fmt.Printf("slot metadata: %v\n", err)
	}

	if *walk {
		walkHeaders(raw, swifota.MetadataPEBs*(*eraseSize))
	}
}

// walkHeaders scans forward from the payload region start, printing every
// CWE header it can decode and skipping over the bodies it describes.
func walkHeaders(raw []byte, off int) {
	for off+cwe.HeaderSize <= len(raw) {
		h, err := cwe.DecodeHeader(raw[off : off+cwe.HeaderSize])
		if err != nil {
			return
		}
		fmt.Printf("%#08x %s prod=%08x size=%d crc=%08X opts=%v version=%q\n",
			off, h.ImageType, h.ProdType, h.ImageSize, h.CRC32, h.MiscOpts, h.VersionString())
		off += cwe.HeaderSize
		if !h.ImageType.Composite() {
			off += int(h.ImageSize)
		}
	}
}
