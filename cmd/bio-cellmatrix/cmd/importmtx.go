// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/multiome/cellmeta"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"v.io/x/lib/vlog"
)

type importOpts struct {
	modality string
	outPath  string

	mtxPath      string
	barcodesPath string
	featuresPath string
	obsPath      string // optional

	// featureColumn is the column of featuresPath that names the features.
	featureColumn int
}

// readLines calls fn for each line of the possibly compressed file at path.
func readLines(ctx context.Context, path string, fn func(line string) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	r, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for n := 1; sc.Scan(); n++ {
		if err = fn(sc.Text()); err != nil {
			return errors.E(err, fmt.Sprintf("%s:%d", path, n))
		}
	}
	return sc.Err()
}

// readColumn returns column col of every non-empty line of path, or column 0
// for lines with fewer columns.
func readColumn(ctx context.Context, path string, col int) ([]string, error) {
	var names []string
	err := readLines(ctx, path, func(line string) error {
		if line == "" {
			return nil
		}
		fields := strings.Split(line, "\t")
		if col < len(fields) {
			names = append(names, fields[col])
		} else {
			names = append(names, fields[0])
		}
		return nil
	})
	return names, err
}

// makeUnique appends "-1", "-2", ... to repeated names, in the manner of
// anndata's var_names_make_unique.
func makeUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	out := make([]string, len(names))
	used := make(map[string]int, len(names))
	for i, n := range names {
		k := used[n]
		used[n] = k + 1
		if k == 0 {
			out[i] = n
			continue
		}
		for {
			candidate := n + "-" + strconv.Itoa(k)
			if !seen[candidate] {
				seen[candidate] = true
				out[i] = candidate
				break
			}
			k++
		}
	}
	return out
}

type mtxEntry struct {
	feature uint32
	count   uint32
}

// mtxParser parses a MatrixMarket coordinate matrix with features as rows and
// cells as columns.
type mtxParser struct {
	nFeatures, nCells int
	pattern           bool // entries have no value
	header, size      bool
	nEntries          int
	cells             [][]mtxEntry
}

func (p *mtxParser) parseCount(v string) (uint32, error) {
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		return uint32(n), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("value %q is not a count", v))
	}
	return uint32(f), nil
}

func (p *mtxParser) parseLine(line string) error {
	if !p.header {
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) < 5 || fields[0] != "%%matrixmarket" || fields[1] != "matrix" || fields[2] != "coordinate" {
			return errors.E(errors.Invalid, fmt.Sprintf("not a MatrixMarket coordinate matrix: %q", line))
		}
		switch fields[3] {
		case "integer", "real":
		case "pattern":
			p.pattern = true
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("unsupported MatrixMarket field %q", fields[3]))
		}
		if fields[4] != "general" {
			return errors.E(errors.Invalid, fmt.Sprintf("unsupported MatrixMarket symmetry %q", fields[4]))
		}
		p.header = true
		return nil
	}
	if strings.HasPrefix(line, "%") || strings.TrimSpace(line) == "" {
		return nil
	}
	fields := strings.Fields(line)
	if !p.size {
		if len(fields) != 3 {
			return errors.E(errors.Invalid, fmt.Sprintf("malformed size line %q", line))
		}
		var dims [3]int
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil || n < 0 {
				return errors.E(errors.Invalid, fmt.Sprintf("malformed size line %q", line))
			}
			dims[i] = n
		}
		if dims[0] != p.nFeatures || dims[1] != p.nCells {
			return errors.E(errors.Integrity,
				fmt.Sprintf("matrix is %dx%d, but there are %d features and %d barcodes",
					dims[0], dims[1], p.nFeatures, p.nCells))
		}
		p.size = true
		return nil
	}
	want := 3
	if p.pattern {
		want = 2
	}
	if len(fields) != want {
		return errors.E(errors.Invalid, fmt.Sprintf("malformed entry %q", line))
	}
	row, err1 := strconv.Atoi(fields[0])
	col, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || row < 1 || row > p.nFeatures || col < 1 || col > p.nCells {
		return errors.E(errors.Invalid, fmt.Sprintf("entry %q out of range", line))
	}
	count := uint32(1)
	if !p.pattern {
		var err error
		if count, err = p.parseCount(fields[2]); err != nil {
			return err
		}
	}
	p.nEntries++
	if count > 0 {
		p.cells[col-1] = append(p.cells[col-1], mtxEntry{uint32(row - 1), count})
	}
	return nil
}

// cell sorts the entries of cell i and sums the repeated ones.
func (p *mtxParser) cell(i int, c *cellmatrix.Cell) {
	entries := p.cells[i]
	sort.Slice(entries, func(a, b int) bool { return entries[a].feature < entries[b].feature })
	c.Indices, c.Counts = c.Indices[:0], c.Counts[:0]
	for _, e := range entries {
		if n := len(c.Indices); n > 0 && c.Indices[n-1] == e.feature {
			c.Counts[n-1] += e.count
			continue
		}
		c.Indices = append(c.Indices, e.feature)
		c.Counts = append(c.Counts, e.count)
	}
	p.cells[i] = nil
}

// importMTX converts 10x MatrixMarket output into a cell matrix file. It
// returns the number of cells written.
func importMTX(ctx context.Context, opts importOpts) (n int, err error) {
	barcodes, err := readColumn(ctx, opts.barcodesPath, 0)
	if err != nil {
		return 0, err
	}
	features, err := readColumn(ctx, opts.featuresPath, opts.featureColumn)
	if err != nil {
		return 0, err
	}
	features = makeUnique(features)
	var obs *cellmeta.Table
	schema := cellmatrix.Schema{Modality: opts.modality, Features: features}
	if opts.obsPath != "" {
		if obs, err = cellmeta.ReadTable(ctx, opts.obsPath); err != nil {
			return 0, err
		}
		schema.ObsColumns = obs.Columns()
		for _, b := range barcodes {
			if _, ok := obs.Row(b); !ok {
				return 0, errors.E(errors.NotExist, fmt.Sprintf("%s: no annotations for barcode %s", opts.obsPath, b))
			}
		}
	}

	p := mtxParser{nFeatures: len(features), nCells: len(barcodes), cells: make([][]mtxEntry, len(barcodes))}
	if err = readLines(ctx, opts.mtxPath, p.parseLine); err != nil {
		return 0, err
	}
	if !p.size {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("%s: no MatrixMarket size line", opts.mtxPath))
	}
	vlog.VI(1).Infof("%s: %d entries, %d features, %d barcodes", opts.mtxPath, p.nEntries, len(features), len(barcodes))

	w, err := cellmatrix.Create(ctx, opts.outPath, schema)
	if err != nil {
		return 0, err
	}
	for i, b := range barcodes {
		c := &cellmatrix.Cell{Barcode: b}
		p.cell(i, c)
		if obs != nil {
			c.Obs, _ = obs.Row(b)
		}
		if err = w.Append(c); err != nil {
			break
		}
		n++
	}
	if e := w.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		if e := file.Remove(ctx, opts.outPath); e != nil {
			log.Error.Printf("import-mtx: remove %s: %v", opts.outPath, e)
		}
		return 0, err
	}
	log.Printf("import-mtx: wrote %d cells to %s", n, opts.outPath)
	return n, nil
}
