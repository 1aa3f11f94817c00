// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package consolidate merges per-batch cell matrix files of one modality
// into one dataset.
package consolidate

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/multiome/encoding/cellmatrix"
)

// Consolidate merges the cell matrix files inPaths, which must share a
// feature axis and have disjoint barcodes, into one file at outPath, and
// reopens the result in backed mode. The caller must close the returned
// reader.
//
// With one input, the file is copied unchanged. With more, the inputs are
// concatenated along the cell axis in order, one cell at a time (see
// cellmatrix.Concat), so the batches are never resident in memory.
//
// Consolidate fails with errors.Invalid if inPaths is empty, and with
// errors.Integrity if the feature axes differ or a barcode occurs in more than
// one batch. In both cases outPath is not created.
func Consolidate(ctx context.Context, inPaths []string, outPath string) (*cellmatrix.Reader, error) {
	var (
		stats cellmatrix.ConcatStats
		err   error
	)
	switch len(inPaths) {
	case 0:
		return nil, errors.E(errors.Invalid, "consolidate: no input batches")
	case 1:
		log.Printf("consolidate: writing single batch %s to %s", inPaths[0], outPath)
		stats, err = cellmatrix.Copy(ctx, inPaths[0], outPath)
	default:
		log.Printf("consolidate: concatenating %d batches into %s", len(inPaths), outPath)
		stats, err = cellmatrix.Concat(ctx, inPaths, outPath)
	}
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("consolidate %v", inPaths))
	}
	r, err := cellmatrix.Open(ctx, outPath)
	if err != nil {
		return nil, err
	}
	if r.NumCells() != stats.TotalCells {
		_ = r.Close(ctx)
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("consolidate: %s has %d cells, expect %d", outPath, r.NumCells(), stats.TotalCells))
	}
	log.Printf("consolidate: %s: %d cells, %d features, %d obs columns",
		outPath, r.NumCells(), len(stats.Schema.Features), len(stats.Schema.ObsColumns))
	return r, nil
}
