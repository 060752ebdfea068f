// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swifota

import "encoding/binary"

// On-wire CWE integers are big-endian; the slot metadata record and the
// journal are native little-endian. The helpers below keep the two domains
// apart at the call site.

// ToBigEndian32 converts a uint32 to big-endian wire bytes.
func ToBigEndian32(i uint32) []byte {
	dst := [4]byte{}
	binary.BigEndian.PutUint32(dst[:], i)
	return dst[:]
}

// ToBigEndian64 converts a uint64 to big-endian wire bytes.
func ToBigEndian64(i uint64) []byte {
	dst := [8]byte{}
	binary.BigEndian.PutUint64(dst[:], i)
	return dst[:]
}

// ToLittleEndian32 converts a uint32 to little-endian record bytes.
func ToLittleEndian32(i uint32) []byte {
	dst := [4]byte{}
	binary.LittleEndian.PutUint32(dst[:], i)
	return dst[:]
}

// FromBigEndian32 reads a big-endian uint32 from wire bytes.
func FromBigEndian32(p []byte) uint32 {
	return binary.BigEndian.Uint32(p)
}

// FromLittleEndian32 reads a little-endian uint32 from record bytes.
func FromLittleEndian32(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p)
}
