// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cellmeta merges per-cell annotation tables of different modalities
// and attaches cluster labels to them.
package cellmeta

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/multiome/encoding/cellmatrix"
)

// Table is an immutable per-cell annotation table: rows are keyed by cell
// identifier and every row has one value per column. A missing value is the
// empty string.
type Table struct {
	columns []string
	ids     []string
	rows    map[string][]string
}

// NewTable creates a table. rows[i] holds the values of cell ids[i], in column
// order. Duplicate identifiers or column names yield an errors.Integrity
// error. The table takes ownership of the slices.
func NewTable(columns, ids []string, rows [][]string) (*Table, error) {
	if len(ids) != len(rows) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("cellmeta.NewTable: %d identifiers, %d rows", len(ids), len(rows)))
	}
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	t := &Table{columns: columns, ids: ids, rows: make(map[string][]string, len(ids))}
	for i, id := range ids {
		if id == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cellmeta.NewTable: row %d: empty identifier", i))
		}
		if len(rows[i]) != len(columns) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("cellmeta.NewTable: cell %s: %d values, %d columns", id, len(rows[i]), len(columns)))
		}
		if _, ok := t.rows[id]; ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("cellmeta.NewTable: duplicate cell %s", id))
		}
		t.rows[id] = rows[i]
	}
	return t, nil
}

func checkColumns(columns []string) error {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if _, ok := seen[c]; ok {
			return errors.E(errors.Integrity, fmt.Sprintf("cellmeta: duplicate column %q", c))
		}
		seen[c] = struct{}{}
	}
	return nil
}

// FromObs creates a table from the obs annotations of a cell matrix.
func FromObs(obs *cellmatrix.Obs) (*Table, error) {
	return NewTable(obs.Columns, obs.Barcodes, obs.Values)
}

// ParseTable reads a tab-separated table from in. The first line is a header
// and the first column holds cell identifiers; the header of that column is
// ignored. Short rows are padded with missing values and extra fields are
// dropped. Surrounding spaces are trimmed from every field.
func ParseTable(in io.Reader) (*Table, error) {
	// The column set is open, so records are read raw from the embedded
	// csv.Reader. Records are reused across reads.
	r := tsv.NewReader(in)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Reader.Read()
	if err == io.EOF {
		return nil, errors.E(errors.Integrity, "cellmeta: empty table")
	}
	if err != nil {
		return nil, errors.E(errors.Invalid, "cellmeta: table header", err)
	}
	columns := make([]string, len(header)-1)
	for i := range columns {
		columns[i] = strings.TrimSpace(header[i+1])
	}
	var (
		ids  []string
		rows [][]string
	)
	for {
		rec, err := r.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, "cellmeta: table", err)
		}
		row := make([]string, len(columns))
		for i := range row {
			if i+1 < len(rec) {
				row[i] = strings.TrimSpace(rec[i+1])
			}
		}
		ids = append(ids, strings.TrimSpace(rec[0]))
		rows = append(rows, row)
	}
	return NewTable(columns, ids, rows)
}

// ReadTable reads the table at path. See ParseTable.
func ReadTable(ctx context.Context, path string) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if t, err = ParseTable(in.Reader(ctx)); err != nil {
		return nil, errors.E(err, path)
	}
	return t, nil
}

// Placeholder creates a table with the given identifiers and columns in which
// every value is missing.
func Placeholder(ids, columns []string) *Table {
	empty := make([]string, len(columns))
	t := &Table{columns: columns, ids: ids, rows: make(map[string][]string, len(ids))}
	for _, id := range ids {
		t.rows[id] = empty
	}
	return t
}

// Columns returns the column names. The caller must not modify the result.
func (t *Table) Columns() []string { return t.columns }

// IDs returns the cell identifiers in row order. The caller must not modify
// the result.
func (t *Table) IDs() []string { return t.ids }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.ids) }

// Row returns the values of cell id, in column order.
func (t *Table) Row(id string) ([]string, bool) {
	row, ok := t.rows[id]
	return row, ok
}

// Value returns the value of cell id in the named column. ok is false if the
// table has no such cell or column.
func (t *Table) Value(id, column string) (v string, ok bool) {
	row, ok := t.rows[id]
	if !ok {
		return "", false
	}
	for i, c := range t.columns {
		if c == column {
			return row[i], true
		}
	}
	return "", false
}

// Prefixed returns a copy of t with prefix prepended to every column name.
// Rows are shared with t.
func (t *Table) Prefixed(prefix string) *Table {
	columns := make([]string, len(t.columns))
	for i, c := range t.columns {
		columns[i] = prefix + c
	}
	return &Table{columns: columns, ids: t.ids, rows: t.rows}
}

// cellID orders identifiers in the join index.
type cellID string

// Compare implements llrb.Comparable.
func (c cellID) Compare(o llrb.Comparable) int { return strings.Compare(string(c), string(o.(cellID))) }

// OuterJoin joins two tables on the cell identifier. The result has the
// columns of left followed by those of right, and one row per identifier of
// either table, ordered by identifier. Values for the side that lacks a cell
// are missing. The two tables must not share a column name.
func OuterJoin(left, right *Table) (*Table, error) {
	columns := make([]string, 0, len(left.columns)+len(right.columns))
	columns = append(columns, left.columns...)
	columns = append(columns, right.columns...)
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	index := llrb.Tree{}
	for _, id := range left.ids {
		index.Insert(cellID(id))
	}
	for _, id := range right.ids {
		index.Insert(cellID(id))
	}
	var (
		n          = index.Len()
		leftEmpty  = make([]string, len(left.columns))
		rightEmpty = make([]string, len(right.columns))
		t          = &Table{columns: columns, ids: make([]string, 0, n), rows: make(map[string][]string, n)}
	)
	index.Do(func(c llrb.Comparable) bool {
		id := string(c.(cellID))
		l, ok := left.rows[id]
		if !ok {
			l = leftEmpty
		}
		r, ok := right.rows[id]
		if !ok {
			r = rightEmpty
		}
		row := make([]string, 0, len(columns))
		row = append(row, l...)
		t.rows[id] = append(row, r...)
		t.ids = append(t.ids, id)
		return false
	})
	return t, nil
}
