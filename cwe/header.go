// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cwe

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// PSBEntry is one sub-entry of the product-specific buffer, describing a
// nested component of a composite package.
type PSBEntry struct {
	ImageType ImageType // [0:4]   image type of the nested component
	ImageSize uint32    // [4:8]   body size of the nested component
	CRC32     uint32    // [8:12]  body CRC of the nested component
	Offset    uint32    // [12:16] offset of the component within the body
	Reserved  [16]byte  // [16:32] zero
}

// Header represents a 400-byte CWE component header.
type Header struct {
	PSB       [PSBEntries]PSBEntry // [0:256]   product-specific buffer
	HdrCRC    uint32               // [256:260] CRC-32 over bytes [0:256]
	ImageType ImageType            // [260:264] component image type
	ProdType  uint32               // [264:268] product type FourCC
	ImageSize uint32               // [268:272] body size in bytes
	CRC32     uint32               // [272:276] body CRC-32
	Version   [84]byte             // [276:360] version string, NUL padded
	RelDate   [8]byte              // [360:368] release date
	MiscOpts  MiscOpts             // [368:372] option bits
	StorAddr  uint32               // [372:376] storage address
	ProgAddr  uint32               // [376:380] program address
	EntryAddr uint32               // [380:384] entry address
	Signature [16]byte             // [384:400] application signature
}

// VersionString returns the version field with NUL padding stripped.
func (h *Header) VersionString() string {
	if i := bytes.IndexByte(h.Version[:], 0); i >= 0 {
		return string(h.Version[:i])
	}
	return string(h.Version[:])
}

// DecodeHeader parses a 400-byte CWE header. The product-specific buffer CRC
// is verified; an unknown image type is rejected so that raw image bytes are
// never mistaken for a header.
func DecodeHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, errors.Errorf("cwe: short header: %d bytes, want %d", len(raw), HeaderSize)
	}
	h := new(Header)
	for i := 0; i < PSBEntries; i++ {
		e := raw[i*PSBEntrySize : (i+1)*PSBEntrySize]
		h.PSB[i].ImageType = ImageType(binary.BigEndian.Uint32(e[0:4]))
		h.PSB[i].ImageSize = binary.BigEndian.Uint32(e[4:8])
		h.PSB[i].CRC32 = binary.BigEndian.Uint32(e[8:12])
		h.PSB[i].Offset = binary.BigEndian.Uint32(e[12:16])
		copy(h.PSB[i].Reserved[:], e[16:32])
	}
	h.HdrCRC = binary.BigEndian.Uint32(raw[256:260])
	h.ImageType = ImageType(binary.BigEndian.Uint32(raw[260:264]))
	h.ProdType = binary.BigEndian.Uint32(raw[264:268])
	h.ImageSize = binary.BigEndian.Uint32(raw[268:272])
	h.CRC32 = binary.BigEndian.Uint32(raw[272:276])
	copy(h.Version[:], raw[276:360])
	copy(h.RelDate[:], raw[360:368])
	h.MiscOpts = MiscOpts(binary.BigEndian.Uint32(raw[368:372]))
	h.StorAddr = binary.BigEndian.Uint32(raw[372:376])
	h.ProgAddr = binary.BigEndian.Uint32(raw[376:380])
	h.EntryAddr = binary.BigEndian.Uint32(raw[380:384])
	copy(h.Signature[:], raw[384:400])

	if !h.ImageType.Known() {
		return nil, errors.Errorf("cwe: unknown image type 0x%08x", uint32(h.ImageType))
	}
	if got := crc32.ChecksumIEEE(raw[:256]); got != h.HdrCRC {
		return nil, errors.Errorf("cwe: header CRC mismatch: got=0x%08x want=0x%08x", got, h.HdrCRC)
	}
	return h, nil
}

// Encode serializes the header to its 400-byte wire form. The product
// specific buffer CRC is recomputed so the result always decodes.
func (h *Header) Encode() []byte {
	raw := make([]byte, HeaderSize)
	for i := 0; i < PSBEntries; i++ {
		e := raw[i*PSBEntrySize : (i+1)*PSBEntrySize]
		binary.BigEndian.PutUint32(e[0:4], uint32(h.PSB[i].ImageType))
		binary.BigEndian.PutUint32(e[4:8], h.PSB[i].ImageSize)
		binary.BigEndian.PutUint32(e[8:12], h.PSB[i].CRC32)
		binary.BigEndian.PutUint32(e[12:16], h.PSB[i].Offset)
		copy(e[16:32], h.PSB[i].Reserved[:])
	}
	h.HdrCRC = crc32.ChecksumIEEE(raw[:256])
	binary.BigEndian.PutUint32(raw[256:260], h.HdrCRC)
	binary.BigEndian.PutUint32(raw[260:264], uint32(h.ImageType))
	binary.BigEndian.PutUint32(raw[264:268], h.ProdType)
	binary.BigEndian.PutUint32(raw[268:272], h.ImageSize)
	binary.BigEndian.PutUint32(raw[272:276], h.CRC32)
	copy(raw[276:360], h.Version[:])
	copy(raw[360:368], h.RelDate[:])
	binary.BigEndian.PutUint32(raw[368:372], uint32(h.MiscOpts))
	binary.BigEndian.PutUint32(raw[372:376], h.StorAddr)
	binary.BigEndian.PutUint32(raw[376:380], h.ProgAddr)
	binary.BigEndian.PutUint32(raw[380:384], h.EntryAddr)
	copy(raw[384:400], h.Signature[:])
	return raw
}
