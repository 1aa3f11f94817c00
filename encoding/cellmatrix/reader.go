// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmatrix

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

// Reader reads a cell matrix file. Open reads only the schema and the
// trailer; cells are decoded on demand by Scan, so a Reader never holds more
// than one cell in memory.
//
// Example:
//   r, err := cellmatrix.Open(ctx, path)
//   ...
//   for r.Scan() {
//     c := r.Cell()
//     ...
//   }
//   err = r.Close(ctx)
type Reader struct {
	path   string
	in     file.File
	rs     io.ReadSeeker
	rio    recordio.Scanner
	schema Schema
	tr     trailer
	cell   *Cell
	err    error
}

// Open opens the cell matrix file at path in backed mode.
func Open(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	r := &Reader{path: path, in: in, rs: in.Reader(ctx)}
	if err := r.init(); err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(err, path)
	}
	return r, nil
}

// NewReader reads a cell matrix from rs. The returned reader's Close is a
// no-op on rs.
func NewReader(rs io.ReadSeeker) (*Reader, error) {
	r := &Reader{path: "(reader)", rs: rs}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	recordiozstd.Init()
	r.rio = recordio.NewScanner(r.rs, recordio.ScannerOpts{Unmarshal: unmarshalCell})
	if err := r.rio.Err(); err != nil {
		return err
	}
	versionFound := false
	for _, kv := range r.rio.Header() {
		// recordio adds its own keys; unknown keys are ignored.
		value, _ := kv.Value.(string)
		switch kv.Key {
		case versionHeader:
			if value != version {
				return errors.E(errors.Integrity,
					fmt.Sprintf("cell matrix version mismatch, got %v, expect %v", kv.Value, version))
			}
			versionFound = true
		case modalityHeader:
			r.schema.Modality = value
		case featuresHeader:
			r.schema.Features = splitNames(value)
		case obsHeader:
			r.schema.ObsColumns = splitNames(value)
		}
	}
	if !versionFound {
		return errors.E(errors.Integrity, versionHeader+" not found; not a cell matrix file")
	}
	tr, err := parseTrailer(r.rio.Trailer())
	if err != nil {
		return errors.E(errors.Integrity, "cell matrix trailer", err)
	}
	r.tr = tr
	return nil
}

// Path returns the pathname of the file, for logging.
func (r *Reader) Path() string { return r.path }

// Schema returns the feature and obs axes of the file.
func (r *Reader) Schema() Schema { return r.schema }

// NumCells returns the number of cells in the file, as recorded in the
// trailer.
func (r *Reader) NumCells() int64 { return r.tr.nCells }

// NumNonzero returns the number of stored counts in the file.
func (r *Reader) NumNonzero() int64 { return r.tr.nnz }

// Scan reads the next cell. It returns false on EOF or error.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	if !r.rio.Scan() {
		r.err = r.rio.Err()
		return false
	}
	c := r.rio.Get().(*Cell)
	if err := c.validate(&r.schema); err != nil {
		r.err = errors.E(errors.Integrity, r.path, err)
		return false
	}
	r.cell = c
	return true
}

// Cell returns the cell read by the last successful Scan. The caller owns the
// returned object.
func (r *Reader) Cell() *Cell { return r.cell }

// Err returns any error encountered by Scan.
func (r *Reader) Err() error { return r.err }

// Rewind restarts the cell stream from the first cell.
func (r *Reader) Rewind() error {
	if err := r.rio.Finish(); err != nil && r.err == nil {
		r.err = err
	}
	if r.err != nil {
		return r.err
	}
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.cell = nil
	return r.init()
}

// Obs rewinds the reader and returns the annotation table of all cells in
// file order. Counts are decoded and dropped one cell at a time.
func (r *Reader) Obs() (*Obs, error) {
	if err := r.Rewind(); err != nil {
		return nil, err
	}
	obs := &Obs{
		Columns:  append([]string(nil), r.schema.ObsColumns...),
		Barcodes: make([]string, 0, r.tr.nCells),
		Values:   make([][]string, 0, r.tr.nCells),
	}
	for r.Scan() {
		c := r.Cell()
		obs.Barcodes = append(obs.Barcodes, c.Barcode)
		obs.Values = append(obs.Values, c.Obs)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return obs, nil
}

// Close releases the resources. It must be called exactly once.
func (r *Reader) Close(ctx context.Context) error {
	err := r.rio.Finish()
	if r.in != nil {
		if e := r.in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Load reads the whole cell matrix file at path into memory.
func Load(ctx context.Context, path string) (m *Matrix, err error) {
	r, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	m = &Matrix{Schema: r.Schema(), Cells: make([]Cell, 0, r.NumCells())}
	for r.Scan() {
		m.Cells = append(m.Cells, *r.Cell())
	}
	if err = r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Write writes m to path. On error, path is removed.
func Write(ctx context.Context, path string, m *Matrix) error {
	w, err := Create(ctx, path, m.Schema)
	if err != nil {
		return err
	}
	for i := range m.Cells {
		if err = w.Append(&m.Cells[i]); err != nil {
			break
		}
	}
	if e := w.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		if e := file.Remove(ctx, path); e != nil {
			log.Error.Printf("cellmatrix: remove %s: %v", path, e)
		}
		return errors.E(err, path)
	}
	return nil
}
