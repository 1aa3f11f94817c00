// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmatrix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Known modality names. The modality is informational, but Concat refuses to
// mix files of different modalities.
const (
	RNA  = "rna"
	ATAC = "atac"
)

// Ext is the conventional file extension of a cell matrix file.
const Ext = ".cmx"

const (
	// <versionHeader, version> is stored in the recordio header.
	versionHeader  = "cellmatrix_version"
	version        = "CMX_V1"
	modalityHeader = "modality"
	featuresHeader = "features"
	obsHeader      = "obs"

	trailerVersion = 1
	nameSep        = "\000"
)

// Schema describes the axes of a cell matrix file, except for the cell axis.
type Schema struct {
	// Modality names the measurement type, e.g. RNA or ATAC.
	Modality string
	// Features is the ordered feature axis (genes, peaks, chromosomes, ...).
	Features []string
	// ObsColumns is the ordered list of per-cell annotation columns.
	ObsColumns []string
}

// CheckFeatures returns an errors.Integrity error if s and o have different
// feature axes.
func (s Schema) CheckFeatures(o Schema) error {
	if len(s.Features) != len(o.Features) {
		return errors.E(errors.Integrity,
			fmt.Sprintf("feature axis mismatch: %d vs %d features", len(s.Features), len(o.Features)))
	}
	for i := range s.Features {
		if s.Features[i] != o.Features[i] {
			return errors.E(errors.Integrity,
				fmt.Sprintf("feature axis mismatch at index %d: %q vs %q", i, s.Features[i], o.Features[i]))
		}
	}
	return nil
}

func (s Schema) validate() error {
	if err := checkUnique("feature", s.Features); err != nil {
		return err
	}
	return checkUnique("obs column", s.ObsColumns)
}

func checkUnique(what string, names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("empty %s name", what))
		}
		if strings.Contains(n, nameSep) {
			return errors.E(errors.Invalid, fmt.Sprintf("%s name %q contains NUL", what, n))
		}
		if _, ok := seen[n]; ok {
			return errors.E(errors.Invalid, fmt.Sprintf("duplicate %s name %q", what, n))
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Cell is one row of a cell matrix.
type Cell struct {
	// Barcode is the cell identifier. It is unique within a file.
	Barcode string
	// Obs has one value per Schema.ObsColumns entry. "" means missing.
	Obs []string
	// Indices are feature indexes in strictly increasing order, and Counts
	// are the corresponding nonzero counts. len(Indices) == len(Counts).
	Indices []uint32
	Counts  []uint32
}

// Total returns the sum of the cell's counts.
func (c *Cell) Total() uint64 {
	var n uint64
	for _, v := range c.Counts {
		n += uint64(v)
	}
	return n
}

func (c *Cell) validate(s *Schema) error {
	if c.Barcode == "" {
		return errors.E(errors.Invalid, "cell with an empty barcode")
	}
	if len(c.Obs) != len(s.ObsColumns) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("cell %s: %d obs values, schema has %d columns", c.Barcode, len(c.Obs), len(s.ObsColumns)))
	}
	if len(c.Indices) != len(c.Counts) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("cell %s: %d indices but %d counts", c.Barcode, len(c.Indices), len(c.Counts)))
	}
	for i, idx := range c.Indices {
		if int(idx) >= len(s.Features) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("cell %s: feature index %d out of range [0,%d)", c.Barcode, idx, len(s.Features)))
		}
		if i > 0 && idx <= c.Indices[i-1] {
			return errors.E(errors.Invalid,
				fmt.Sprintf("cell %s: feature indices not strictly increasing at %d", c.Barcode, i))
		}
	}
	return nil
}

// Matrix is a fully loaded cell matrix.
type Matrix struct {
	Schema Schema
	Cells  []Cell
}

// Obs is the per-cell annotation table of a cell matrix. Barcodes[i] is the
// identifier of row Values[i], and Values[i][j] is the value of Columns[j].
type Obs struct {
	Columns  []string
	Barcodes []string
	Values   [][]string
}

func marshalCell(scratch []byte, v interface{}) ([]byte, error) {
	c := v.(*Cell)
	b := scratch[:0]
	b = appendString(b, c.Barcode)
	b = appendUvarint(b, uint64(len(c.Obs)))
	for _, o := range c.Obs {
		b = appendString(b, o)
	}
	b = appendUvarint(b, uint64(len(c.Indices)))
	var prev uint32
	for i, idx := range c.Indices {
		// Delta-encoded; the first delta is the index itself.
		b = appendUvarint(b, uint64(idx-prev))
		b = appendUvarint(b, uint64(c.Counts[i]))
		prev = idx
	}
	return b, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func appendString(b []byte, s string) []byte {
	b = appendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// cellDecoder decodes a record produced by marshalCell.
type cellDecoder struct {
	buf []byte
	err error
}

func (d *cellDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.E(errors.Integrity, "cellmatrix: corrupt varint in cell record")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *cellDecoder) str() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.buf)) < n {
		d.err = errors.E(errors.Integrity, "cellmatrix: truncated string in cell record")
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func unmarshalCell(in []byte) (interface{}, error) {
	d := cellDecoder{buf: in}
	c := &Cell{Barcode: d.str()}
	nObs := d.uvarint()
	if d.err == nil && nObs > uint64(len(d.buf)) {
		d.err = errors.E(errors.Integrity, "cellmatrix: bad obs count in cell record")
	}
	if d.err == nil {
		c.Obs = make([]string, nObs)
		for i := range c.Obs {
			c.Obs[i] = d.str()
		}
	}
	nnz := d.uvarint()
	if d.err == nil && nnz > uint64(len(d.buf)) {
		d.err = errors.E(errors.Integrity, "cellmatrix: bad count length in cell record")
	}
	if d.err == nil {
		c.Indices = make([]uint32, nnz)
		c.Counts = make([]uint32, nnz)
		var prev uint64
		for i := range c.Indices {
			prev += d.uvarint()
			c.Indices[i] = uint32(prev)
			c.Counts[i] = uint32(d.uvarint())
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, errors.E(errors.Integrity, "cellmatrix: trailing bytes in cell record")
	}
	return c, nil
}

type trailer struct {
	nCells int64
	nnz    int64
}

func (t trailer) marshal() []byte {
	var buffer bytes.Buffer
	for _, v := range []int64{trailerVersion, t.nCells, t.nnz} {
		if err := binary.Write(&buffer, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}
	return buffer.Bytes()
}

func parseTrailer(data []byte) (t trailer, err error) {
	r := bytes.NewReader(data)
	var v int64
	if err = binary.Read(r, binary.LittleEndian, &v); err != nil {
		return
	}
	if v != trailerVersion {
		err = fmt.Errorf("unrecognized trailer version: got %d, want %d", v, trailerVersion)
		return
	}
	if err = binary.Read(r, binary.LittleEndian, &t.nCells); err != nil {
		return
	}
	err = binary.Read(r, binary.LittleEndian, &t.nnz)
	return
}

func joinNames(names []string) string { return strings.Join(names, nameSep) }

func splitNames(packed string) []string {
	if packed == "" {
		return nil
	}
	return strings.Split(packed, nameSep)
}
