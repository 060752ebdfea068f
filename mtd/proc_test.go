// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtd

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const sampleProcMTD = `dev:    size   erasesize  name
mtd0: 00280000 00020000 "sbl"
mtd1: 00100000 00020000 "mibib"
mtd2: 02f00000 00020000 "swifota"
`

func TestParsePartitionTable(t *testing.T) {
	parts, err := ParsePartitionTable(strings.NewReader(sampleProcMTD))
	if err != nil {
		t.Fatal(err)
	}
	want := []PartitionInfo{
		{Index: 0, Name: "sbl", Size: 0x280000, EraseSize: 0x20000},
		{Index: 1, Name: "mibib", Size: 0x100000, EraseSize: 0x20000},
		{Index: 2, Name: "swifota", Size: 0x2f00000, EraseSize: 0x20000},
	}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Errorf("partition table mismatch (-want +got):\n%s", diff)
	}
}

func TestFindPartition(t *testing.T) {
	p, err := FindPartition(strings.NewReader(sampleProcMTD), "swifota")
	if err != nil {
		t.Fatal(err)
	}
	if p.Index != 2 {
		t.Errorf("Index = %d, want 2", p.Index)
	}
}

func TestFindPartitionNotFound(t *testing.T) {
	_, err := FindPartition(strings.NewReader(sampleProcMTD), "nosuch")
	if errors.Cause(err) != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestParsePartitionTableMalformed(t *testing.T) {
	if _, err := ParsePartitionTable(strings.NewReader("mtd0: zz 00020000 \"x\"\n")); err == nil {
		t.Error("malformed size accepted")
	}
}
