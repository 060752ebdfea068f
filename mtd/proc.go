// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtd

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PartitionInfo is one entry of the system partition table.
type PartitionInfo struct {
	// Index is N in /dev/mtdN.
	Index int
	// Name is the partition name without quotes.
	Name string
	// Size is the partition size in bytes.
	Size uint32
	// EraseSize is the erase block size in bytes.
	EraseSize uint32
}

// ParsePartitionTable parses a line-oriented partition table in the format
//
//	mtdN: <hexsize> <hexerasesize> "<name>"
//
// as exposed by /proc/mtd. The header line ("dev: size ...") is skipped.
func ParsePartitionTable(r io.Reader) ([]PartitionInfo, error) {
	var parts []PartitionInfo
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "mtd") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, errors.Errorf("mtd: malformed partition table line %q", line)
		}
		idxStr := strings.TrimSuffix(strings.TrimPrefix(fields[0], "mtd"), ":")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, errors.Wrapf(err, "mtd: bad device index in %q", line)
		}
		size, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "mtd: bad size in %q", line)
		}
		eraseSize, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "mtd: bad erase size in %q", line)
		}
		name := strings.Trim(strings.Join(fields[3:], " "), `"`)
		parts = append(parts, PartitionInfo{
			Index:     idx,
			Name:      name,
			Size:      uint32(size),
			EraseSize: uint32(eraseSize),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "mtd: could not read partition table")
	}
	return parts, nil
}

// FindPartition returns the table entry whose name matches exactly.
func FindPartition(r io.Reader, name string) (PartitionInfo, error) {
	parts, err := ParsePartitionTable(r)
	if err != nil {
		return PartitionInfo{}, err
	}
	for _, p := range parts {
		if p.Name == name {
			return p, nil
		}
	}
	return PartitionInfo{}, errors.Wrapf(ErrNotFound, "mtd: no partition named %q", name)
}
