// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cwe implements the Compressed Wireless Envelope container format:
// the fixed 400-byte component headers that frame a firmware update package,
// and the delta-patch meta and slice headers that frame patch payloads.
//
// All multi-byte integer fields are big-endian on the wire.
package cwe

// HeaderSize is the fixed size of a CWE header on the wire.
const HeaderSize = 400

// ChunkLength is the largest body slice the parser requests in one read.
const ChunkLength = 65536

// PSBEntries is the number of sub-entries in the product-specific buffer.
const PSBEntries = 8

// PSBEntrySize is the on-wire size of one product-specific buffer entry.
const PSBEntrySize = 32

// MaxMetaHeaders bounds how many original-image headers a META sub-package
// may carry: one per delta sub-component plus the top-level header.
const MaxMetaHeaders = PSBEntries + 1

// ImageType identifies the payload kind of a CWE component. Types are FourCC
// values, stored big-endian so the ASCII name appears in byte order on the
// wire.
type ImageType uint32

func fourcc(s string) ImageType {
	return ImageType(uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3]))
}

var (
	// Composite containers: their body is a sequence of further CWE
	// components, each with its own header.
	TypeAPPL = fourcc("APPL")
	TypeMODM = fourcc("MODM")
	TypeSPKG = fourcc("SPKG")
	TypeBOOT = fourcc("BOOT")

	// TypeMETA is the pseudo component whose body is a concatenation of
	// original-image CWE headers used to replay header data for delta
	// children.
	TypeMETA = fourcc("META")

	// Leaf image types.
	TypeQPAR = fourcc("QPAR")
	TypeSBL1 = fourcc("SBL1")
	TypeSBL2 = fourcc("SBL2")
	TypeDSP1 = fourcc("DSP1")
	TypeDSP2 = fourcc("DSP2")
	TypeDSP3 = fourcc("DSP3")
	TypeQRPM = fourcc("QRPM")
	TypeOSBL = fourcc("OSBL")
	TypeAMSS = fourcc("AMSS")
	TypeAPPS = fourcc("APPS")
	TypeAPBL = fourcc("APBL")
	TypeNVBF = fourcc("NVBF")
	TypeSFFS = fourcc("SFFS")
	TypeCUS0 = fourcc("CUS0")
	TypeCUS1 = fourcc("CUS1")
	TypeCUS2 = fourcc("CUS2")
	TypeUSDT = fourcc("USDT")
	TypeHDAT = fourcc("HDAT")
	TypeEDAT = fourcc("EDAT")
	TypeWIMG = fourcc("WIMG")
	TypeADAT = fourcc("ADAT")
	TypeMDT0 = fourcc("MDT0")
	TypeMDT1 = fourcc("MDT1")
	TypeMDT2 = fourcc("MDT2")
	TypeCAP0 = fourcc("CAP0")
	TypeCAP1 = fourcc("CAP1")
	TypeSYST = fourcc("SYST")
	TypeUSER = fourcc("USER")
	TypeUAPP = fourcc("UAPP")
	TypeCACH = fourcc("CACH")
	TypeNVBU = fourcc("NVBU")
	TypeSPLA = fourcc("SPLA")
	TypeNVUP = fourcc("NVUP")
	TypeQMBA = fourcc("QMBA")
	TypeTZON = fourcc("TZON")
	TypeQSDI = fourcc("QSDI")
	TypeARCH = fourcc("ARCH")
	TypeFILE = fourcc("FILE")
	TypeRPM0 = fourcc("RPM0")
)

// knownTypes is every image type the parser accepts in a header.
var knownTypes = map[ImageType]bool{
	TypeAPPL: true, TypeMODM: true, TypeSPKG: true, TypeBOOT: true,
	TypeMETA: true,
	TypeQPAR: true, TypeSBL1: true, TypeSBL2: true, TypeDSP1: true,
	TypeDSP2: true, TypeDSP3: true, TypeQRPM: true, TypeOSBL: true,
	TypeAMSS: true, TypeAPPS: true, TypeAPBL: true, TypeNVBF: true,
	TypeSFFS: true, TypeCUS0: true, TypeCUS1: true, TypeCUS2: true,
	TypeUSDT: true, TypeHDAT: true, TypeEDAT: true, TypeWIMG: true,
	TypeADAT: true, TypeMDT0: true, TypeMDT1: true, TypeMDT2: true,
	TypeCAP0: true, TypeCAP1: true, TypeSYST: true, TypeUSER: true,
	TypeUAPP: true, TypeCACH: true, TypeNVBU: true, TypeSPLA: true,
	TypeNVUP: true, TypeQMBA: true, TypeTZON: true, TypeQSDI: true,
	TypeARCH: true, TypeFILE: true, TypeRPM0: true,
}

// Known reports whether t is an image type this parser understands.
func (t ImageType) Known() bool { return knownTypes[t] }

// Composite reports whether t is a container whose body holds further
// CWE components rather than image bytes.
func (t ImageType) Composite() bool {
	switch t {
	case TypeAPPL, TypeMODM, TypeSPKG, TypeBOOT:
		return true
	}
	return false
}

// String implementations of fmt.Stringer.
func (t ImageType) String() string {
	b := [4]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return "<unknown>"
		}
	}
	return string(b[:])
}

// MiscOpts is the options bitfield of a CWE header.
type MiscOpts uint32

const (
	// OptCompressed indicates a compressed payload.
	OptCompressed MiscOpts = 1 << 0
	// OptEncrypted indicates an encrypted payload.
	OptEncrypted MiscOpts = 1 << 1
	// OptSigned indicates a signed payload.
	OptSigned MiscOpts = 1 << 2
	// OptDeltaPatch indicates the body is a delta patch against an image
	// already on the device, framed by a patch meta header.
	OptDeltaPatch MiscOpts = 1 << 3
)

// DeltaPatch reports whether the delta-patch bit is set.
func (o MiscOpts) DeltaPatch() bool { return o&OptDeltaPatch != 0 }

// String implementations of fmt.Stringer.
func (o MiscOpts) String() string {
	if o == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if o&OptCompressed != 0 {
		add("compressed")
	}
	if o&OptEncrypted != 0 {
		add("encrypted")
	}
	if o&OptSigned != 0 {
		add("signed")
	}
	if o&OptDeltaPatch != 0 {
		add("deltapatch")
	}
	return s
}
