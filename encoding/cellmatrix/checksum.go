// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmatrix

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"

	"blainsmith.com/go/seahash"
	gunsafe "github.com/grailbio/base/unsafe"
)

// Checksum is an order-independent digest of the cells of a cell matrix.
// The checksum of a concatenation equals the sum of the inputs' checksums,
// regardless of the order of cells or of obs columns.
type Checksum struct {
	// NumCells is the number of cells.
	NumCells int64
	// NumNonzero is the number of stored counts.
	NumNonzero int64
	// Sum is the sum (mod 2^64) of the per-cell hashes.
	Sum uint64
}

// Add merges the checksum of another set of cells into c.
func (c *Checksum) Add(o Checksum) {
	c.NumCells += o.NumCells
	c.NumNonzero += o.NumNonzero
	c.Sum += o.Sum
}

func (c Checksum) String() string {
	return fmt.Sprintf("cells=%d nonzero=%d sum=%016x", c.NumCells, c.NumNonzero, c.Sum)
}

type cellHasher struct {
	h   hash.Hash64
	buf [8]byte
}

func (ch *cellHasher) writeString(s string) {
	binary.LittleEndian.PutUint64(ch.buf[:], uint64(len(s)))
	ch.h.Write(ch.buf[:])
	ch.h.Write(gunsafe.StringToBytes(s))
}

func (ch *cellHasher) writeUint32(v uint32) {
	binary.LittleEndian.PutUint32(ch.buf[:4], v)
	ch.h.Write(ch.buf[:4])
}

// hashCell hashes the barcode, the nonempty obs values keyed by their column
// names, and the counts keyed by feature names. Obs values are combined by
// addition so that column order does not matter.
func (ch *cellHasher) hashCell(s *Schema, c *Cell) uint64 {
	ch.h.Reset()
	ch.writeString(c.Barcode)
	for i, idx := range c.Indices {
		ch.writeString(s.Features[idx])
		ch.writeUint32(c.Counts[i])
	}
	sum := ch.h.Sum64()
	for i, v := range c.Obs {
		if v == "" {
			continue
		}
		ch.h.Reset()
		ch.writeString(c.Barcode)
		ch.writeString(s.ObsColumns[i])
		ch.writeString(v)
		sum += ch.h.Sum64()
	}
	return sum
}

// ComputeChecksum computes the checksum of the cell matrix file at path.
func ComputeChecksum(ctx context.Context, path string) (cs Checksum, err error) {
	r, err := Open(ctx, path)
	if err != nil {
		return cs, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	schema := r.Schema()
	ch := cellHasher{h: seahash.New()}
	for r.Scan() {
		c := r.Cell()
		cs.NumCells++
		cs.NumNonzero += int64(len(c.Indices))
		cs.Sum += ch.hashCell(&schema, c)
	}
	return cs, r.Err()
}
