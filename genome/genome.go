// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package genome provides chromosome-size tables of reference genome builds.
package genome

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// Chrom is one entry of a chromosome-size table.
type Chrom struct {
	Name string
	Size int64
}

// ChromSizes is an ordered chromosome-size table.
type ChromSizes struct {
	chroms []Chrom
	index  map[string]int
}

// New creates a table from the given chromosomes, in order. Names must be
// unique and sizes positive.
func New(chroms []Chrom) (*ChromSizes, error) {
	if len(chroms) == 0 {
		return nil, errors.New("empty chromosome size table")
	}
	c := &ChromSizes{
		chroms: append([]Chrom(nil), chroms...),
		index:  make(map[string]int, len(chroms)),
	}
	for i, ch := range c.chroms {
		if ch.Name == "" {
			return nil, errors.Errorf("chromosome %d: empty name", i)
		}
		if ch.Size <= 0 {
			return nil, errors.Errorf("chromosome %s: invalid size %d", ch.Name, ch.Size)
		}
		if _, ok := c.index[ch.Name]; ok {
			return nil, errors.Errorf("duplicate chromosome %s", ch.Name)
		}
		c.index[ch.Name] = i
	}
	return c, nil
}

// Builtin returns the table of a built-in genome build: hg38 (GRCh38), hg19
// (GRCh37), or mm10 (GRCm38).
func Builtin(build string) (*ChromSizes, error) {
	chroms, ok := builtins[build]
	if !ok {
		return nil, errors.Errorf("unknown genome build %q, known builds are %s",
			build, strings.Join(BuiltinNames(), ", "))
	}
	return New(chroms)
}

// BuiltinNames lists the names accepted by Builtin, sorted.
func BuiltinNames() []string {
	var names []string
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read parses a UCSC chrom.sizes table: one "name<TAB>size" line per
// chromosome. Lines starting with '#' are ignored.
func Read(r io.Reader) (*ChromSizes, error) {
	tr := tsv.NewReader(r)
	tr.Comment = '#'
	tr.FieldsPerRecord = -1
	var chroms []Chrom
	for line := 1; ; line++ {
		row, err := tr.Reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "chrom sizes line %d", line)
		}
		if len(row) < 2 {
			return nil, errors.Errorf("chrom sizes line %d: %d columns, expect name and size", line, len(row))
		}
		size, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "chrom sizes line %d", line)
		}
		chroms = append(chroms, Chrom{Name: row[0], Size: size})
	}
	return New(chroms)
}

// ReadChromSizes reads a chrom.sizes file.
func ReadChromSizes(ctx context.Context, path string) (c *ChromSizes, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	c, err = Read(in.Reader(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return c, nil
}

// Chroms returns the chromosomes in table order. The caller must not modify
// the result.
func (c *ChromSizes) Chroms() []Chrom { return c.chroms }

// Len returns the number of chromosomes.
func (c *ChromSizes) Len() int { return len(c.chroms) }

// Index returns the position of the named chromosome in the table.
func (c *ChromSizes) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Size returns the length of the named chromosome.
func (c *ChromSizes) Size(name string) (int64, bool) {
	i, ok := c.index[name]
	if !ok {
		return 0, false
	}
	return c.chroms[i].Size, true
}

// IsMito reports whether name is a conventional mitochondrial chromosome
// name.
func IsMito(name string) bool {
	switch name {
	case "chrM", "chrMT", "MT", "M":
		return true
	}
	return false
}
