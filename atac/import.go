// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package atac builds per-cell ATAC datasets from fragment files.
package atac

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"github.com/grailbio/multiome/encoding/fragments"
	"github.com/grailbio/multiome/genome"
	"v.io/x/lib/vlog"
)

// Obs columns produced by Import, in order.
const (
	// NFragment is the number of unique fragments on the non-mitochondrial
	// chromosomes of the genome.
	NFragment = "n_fragment"
	// FracDup is 1 - unique/total, where total sums the duplicate counts of
	// all the cell's fragments.
	FracDup = "frac_dup"
	// FracMito is the fraction of the cell's unique fragments (on known or
	// mitochondrial chromosomes) that are mitochondrial.
	FracMito = "frac_mito"
)

// ObsColumns lists the obs columns of an imported ATAC dataset.
var ObsColumns = []string{NFragment, FracDup, FracMito}

// Stats summarizes an Import call.
type Stats struct {
	// NumFragments is the number of fragment lines read.
	NumFragments int
	// NumBarcodes is the number of distinct barcodes in the input.
	NumBarcodes int
	// NumCells is the number of cells written.
	NumCells int
	// NumUnknownChrom is the number of fragments on chromosomes outside the
	// genome table.
	NumUnknownChrom int
}

// Result is the outcome of Import.
type Result struct {
	Stats
	// Obs is the annotation table of the written cells, in file order.
	Obs *cellmatrix.Obs
}

// cellAccumulator collects the fragments of the current barcode.
type cellAccumulator struct {
	barcode string
	counts  []uint32 // indexed by feature
	unique  int64    // on non-mito chromosomes in the table
	mito    int64
	other   int64 // unique fragments on unknown chromosomes
	total   int64 // sum of duplicate counts
}

func (a *cellAccumulator) reset(barcode string) {
	a.barcode = barcode
	for i := range a.counts {
		a.counts[i] = 0
	}
	a.unique, a.mito, a.other, a.total = 0, 0, 0, 0
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// cell converts the accumulated fragments into a cellmatrix.Cell.
func (a *cellAccumulator) cell() *cellmatrix.Cell {
	c := &cellmatrix.Cell{Barcode: a.barcode}
	for i, n := range a.counts {
		if n > 0 {
			c.Indices = append(c.Indices, uint32(i))
			c.Counts = append(c.Counts, n)
		}
	}
	nUnique := a.unique + a.mito + a.other
	fracDup := 0.0
	if a.total > 0 {
		fracDup = 1 - float64(nUnique)/float64(a.total)
	}
	fracMito := 0.0
	if a.unique+a.mito > 0 {
		fracMito = float64(a.mito) / float64(a.unique+a.mito)
	}
	c.Obs = []string{
		strconv.FormatInt(a.unique, 10),
		formatFloat(fracDup),
		formatFloat(fracMito),
	}
	return c
}

// Import reads the fragment file at fragPath and writes one cell matrix file
// to outPath, with one cell per barcode. Counts are unique fragments per
// chromosome of opts.ChromSizes; the obs columns are ObsColumns.
//
// The fragment file must be sorted (grouped) by barcode, as cellranger-atac
// and "sort -k4,4" produce. This is a caller obligation: Import reads the
// input in one pass and keeps only the current barcode in memory. A barcode
// that reappears after a different barcode is reported as an
// errors.Precondition error.
//
// On error, outPath is removed.
func Import(ctx context.Context, fragPath, outPath string, opts Opts) (res Result, err error) {
	if opts.ChromSizes == nil {
		return res, errors.E(errors.Invalid, "atac.Import: no chromosome sizes")
	}
	if opts.Modality == "" {
		opts.Modality = cellmatrix.ATAC
	}
	// featureIndex maps a chromosome index in the table to a feature index,
	// or -1 for mitochondrial chromosomes.
	var (
		features     []string
		featureIndex = make([]int, opts.ChromSizes.Len())
	)
	for i, ch := range opts.ChromSizes.Chroms() {
		if genome.IsMito(ch.Name) {
			featureIndex[i] = -1
			continue
		}
		featureIndex[i] = len(features)
		features = append(features, ch.Name)
	}

	in, err := fragments.Open(ctx, fragPath)
	if err != nil {
		return res, err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	w, err := cellmatrix.Create(ctx, outPath, cellmatrix.Schema{
		Modality:   opts.Modality,
		Features:   features,
		ObsColumns: ObsColumns,
	})
	if err != nil {
		return res, err
	}
	res.Obs = &cellmatrix.Obs{Columns: append([]string(nil), ObsColumns...)}

	var (
		acc  = cellAccumulator{counts: make([]uint32, len(features))}
		seen = map[string]struct{}{}
	)
	flush := func() error {
		if acc.barcode == "" {
			return nil
		}
		if acc.unique < int64(opts.MinFragments) {
			vlog.VI(1).Infof("%s: drop %s with %d fragments", fragPath, acc.barcode, acc.unique)
			return nil
		}
		c := acc.cell()
		if err := w.Append(c); err != nil {
			return err
		}
		res.Obs.Barcodes = append(res.Obs.Barcodes, c.Barcode)
		res.Obs.Values = append(res.Obs.Values, c.Obs)
		res.NumCells++
		return nil
	}
	for in.Scan() {
		f := in.Fragment()
		if f.Barcode != acc.barcode {
			if err = flush(); err != nil {
				break
			}
			if _, ok := seen[f.Barcode]; ok {
				err = errors.E(errors.Precondition,
					fmt.Sprintf("%s: fragment %d: barcode %s reappears; the input must be sorted by barcode",
						fragPath, in.NumFragments(), f.Barcode))
				break
			}
			seen[f.Barcode] = struct{}{}
			acc.reset(f.Barcode)
		}
		acc.total += f.Count
		ci, ok := opts.ChromSizes.Index(f.Chrom)
		switch {
		case genome.IsMito(f.Chrom):
			acc.mito++
		case !ok:
			acc.other++
			res.NumUnknownChrom++
		case featureIndex[ci] < 0:
			acc.mito++
		default:
			acc.unique++
			acc.counts[featureIndex[ci]]++
		}
	}
	if err == nil {
		err = in.Err()
	}
	if err == nil {
		err = flush()
	}
	res.NumFragments = in.NumFragments()
	res.NumBarcodes = len(seen)
	if e := w.Close(ctx); e != nil && err == nil {
		err = errors.E(e, "close", outPath)
	}
	if err != nil {
		if e := file.Remove(ctx, outPath); e != nil {
			log.Error.Printf("atac: remove %s: %v", outPath, e)
		}
		return Result{}, err
	}
	log.Printf("atac: %s: %d fragments, %d barcodes, %d cells with >= %d fragments written to %s",
		fragPath, res.NumFragments, res.NumBarcodes, res.NumCells, opts.MinFragments, outPath)
	if res.NumUnknownChrom > 0 {
		log.Printf("atac: %s: %d fragments on chromosomes outside the genome table", fragPath, res.NumUnknownChrom)
	}
	return res, nil
}
