// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmatrix

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

// Writer writes a cell matrix file. Cells are written in the order of Append
// calls. A Writer is not thread safe.
type Writer struct {
	schema Schema
	rio    recordio.Writer
	out    file.File // non-nil iff created by Create.
	nCells int64
	nnz    int64
	err    errors.Once
}

// NewWriter creates a writer that emits a cell matrix with the given schema
// to out. Close must be called after the last Append.
func NewWriter(out io.Writer, schema Schema) *Writer {
	recordiozstd.Init()
	w := &Writer{schema: schema}
	w.err.Set(schema.validate())
	w.rio = recordio.NewWriter(out, recordio.WriterOpts{
		Marshal:      marshalCell,
		Transformers: []string{recordiozstd.Name},
	})
	w.rio.AddHeader(versionHeader, version)
	w.rio.AddHeader(modalityHeader, schema.Modality)
	w.rio.AddHeader(featuresHeader, joinNames(schema.Features))
	w.rio.AddHeader(obsHeader, joinNames(schema.ObsColumns))
	w.rio.AddHeader(recordio.KeyTrailer, true)
	return w
}

// Create creates a cell matrix file at path. Close must be called to
// finalize the file.
func Create(ctx context.Context, path string, schema Schema) (*Writer, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create", path)
	}
	w := NewWriter(out.Writer(ctx), schema)
	w.out = out
	return w, nil
}

// Schema returns the schema passed to NewWriter or Create.
func (w *Writer) Schema() Schema { return w.schema }

// Append adds a cell. The cell must conform to the schema, and it must not be
// modified after the call.
func (w *Writer) Append(c *Cell) error {
	if err := w.err.Err(); err != nil {
		return err
	}
	if err := c.validate(&w.schema); err != nil {
		w.err.Set(err)
		return err
	}
	w.rio.Append(c)
	w.nCells++
	w.nnz += int64(len(c.Indices))
	return nil
}

// NumCells returns the number of cells appended so far.
func (w *Writer) NumCells() int64 { return w.nCells }

// Close writes the trailer and flushes the file. It must be called exactly
// once.
func (w *Writer) Close(ctx context.Context) error {
	w.rio.SetTrailer(trailer{nCells: w.nCells, nnz: w.nnz}.marshal())
	w.err.Set(w.rio.Finish())
	if w.out != nil {
		w.err.Set(w.out.Close(ctx))
	}
	return w.err.Err()
}
