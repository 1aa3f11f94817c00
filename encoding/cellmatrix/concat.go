// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmatrix

import (
	"context"
	"fmt"
	"path/filepath"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"v.io/x/lib/vlog"
)

// ConcatStats summarizes a Concat call.
type ConcatStats struct {
	// Schema is the schema of the output file.
	Schema Schema
	// NumCells[i] is the number of cells copied from the i'th input.
	NumCells []int64
	// TotalCells is the sum of NumCells.
	TotalCells int64
}

// MergeSchemas computes the schema of the concatenation of files with the
// given schemas. All schemas must share the modality (empty matches any) and
// the feature axis. The obs columns of the result are the union of the
// inputs' obs columns, in order of first appearance.
func MergeSchemas(schemas []Schema) (Schema, error) {
	if len(schemas) == 0 {
		return Schema{}, errors.E(errors.Invalid, "no schemas to merge")
	}
	merged := Schema{
		Modality: schemas[0].Modality,
		Features: schemas[0].Features,
	}
	seen := map[string]bool{}
	for i, s := range schemas {
		if s.Modality != "" {
			if merged.Modality == "" {
				merged.Modality = s.Modality
			} else if merged.Modality != s.Modality {
				return Schema{}, errors.E(errors.Integrity,
					fmt.Sprintf("input %d: modality %q, expect %q", i, s.Modality, merged.Modality))
			}
		}
		if err := merged.CheckFeatures(s); err != nil {
			return Schema{}, errors.E(err, fmt.Sprintf("input %d", i))
		}
		for _, col := range s.ObsColumns {
			if !seen[col] {
				seen[col] = true
				merged.ObsColumns = append(merged.ObsColumns, col)
			}
		}
	}
	return merged, nil
}

// ReadSchemas reads the schemas of the given cell matrix files. Only the
// header and trailer of each file are read.
func ReadSchemas(ctx context.Context, paths []string) ([]Schema, error) {
	schemas := make([]Schema, len(paths))
	for i, path := range paths {
		r, err := Open(ctx, path)
		if err != nil {
			return nil, err
		}
		schemas[i] = r.Schema()
		vlog.VI(1).Infof("%s: %d cells, %d features, %d obs columns",
			path, r.NumCells(), len(schemas[i].Features), len(schemas[i].ObsColumns))
		if err := r.Close(ctx); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

// Concat concatenates the cell matrix files inPaths along the cell axis and
// writes the result to outPath, in input order. Inputs are streamed one cell
// at a time, so memory use does not depend on the size of the inputs.
//
// All inputs must have the same feature axis, or Concat fails with an
// errors.Integrity error before writing any cell. Barcodes must be unique
// across all inputs; a duplicate is also reported as errors.Integrity. The
// output has the union of the inputs' obs columns, with missing values for
// cells whose input lacks a column.
//
// outPath must not name one of the inputs (errors.Invalid). On any other
// error, outPath is removed.
func Concat(ctx context.Context, inPaths []string, outPath string) (ConcatStats, error) {
	for _, inPath := range inPaths {
		if SamePath(inPath, outPath) {
			return ConcatStats{}, errors.E(errors.Invalid, fmt.Sprintf("concat: output %s is also an input", outPath))
		}
	}
	schemas, err := ReadSchemas(ctx, inPaths)
	if err != nil {
		return ConcatStats{}, err
	}
	schema, err := MergeSchemas(schemas)
	if err != nil {
		return ConcatStats{}, errors.E(err, fmt.Sprintf("concat %v", inPaths))
	}
	stats := ConcatStats{Schema: schema, NumCells: make([]int64, len(inPaths))}
	w, err := Create(ctx, outPath, schema)
	if err != nil {
		return stats, err
	}
	// 64bit fingerprints of barcodes seen so far. This keeps the duplicate
	// check independent of barcode length.
	barcodes := map[uint64]struct{}{}
	for i, inPath := range inPaths {
		var n int64
		n, err = appendFile(ctx, w, inPath, schemas[i], barcodes)
		stats.NumCells[i] = n
		stats.TotalCells += n
		if err != nil {
			break
		}
		log.Printf("concat: copied %d cells from %s (%d/%d)", n, inPath, i+1, len(inPaths))
	}
	if e := w.Close(ctx); e != nil && err == nil {
		err = errors.E(e, "close", outPath)
	}
	if err != nil {
		if e := file.Remove(ctx, outPath); e != nil {
			log.Error.Printf("concat: remove %s: %v", outPath, e)
		}
		return stats, err
	}
	return stats, nil
}

// SamePath reports whether a and b name the same file, ignoring redundant
// separators and dot elements. Symlinks are not resolved.
func SamePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// Copy copies the cell matrix file inPath to outPath, one cell at a time.
func Copy(ctx context.Context, inPath, outPath string) (ConcatStats, error) {
	return Concat(ctx, []string{inPath}, outPath)
}

func appendFile(ctx context.Context, w *Writer, inPath string, in Schema, barcodes map[uint64]struct{}) (n int64, err error) {
	r, err := Open(ctx, inPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	out := w.Schema()
	// colMap[j] is the index in in.ObsColumns of out.ObsColumns[j], or -1.
	colMap := make([]int, len(out.ObsColumns))
	identity := len(in.ObsColumns) == len(out.ObsColumns)
	for j, col := range out.ObsColumns {
		colMap[j] = -1
		for k, c := range in.ObsColumns {
			if c == col {
				colMap[j] = k
				break
			}
		}
		if colMap[j] != j {
			identity = false
		}
	}
	for r.Scan() {
		c := r.Cell()
		fp := farm.Fingerprint64(gunsafe.StringToBytes(c.Barcode))
		if _, ok := barcodes[fp]; ok {
			return n, errors.E(errors.Integrity,
				fmt.Sprintf("%s: duplicate barcode %s across inputs", inPath, c.Barcode))
		}
		barcodes[fp] = struct{}{}
		if !identity {
			obs := make([]string, len(colMap))
			for j, k := range colMap {
				if k >= 0 {
					obs[j] = c.Obs[k]
				}
			}
			c.Obs = obs
		}
		if err := w.Append(c); err != nil {
			return n, err
		}
		n++
	}
	return n, r.Err()
}
