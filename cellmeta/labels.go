// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmeta

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"v.io/x/lib/vlog"
)

// LabelEncoding tells how the raw values of a label column were interpreted.
type LabelEncoding int

const (
	// NumericLabels means every present value is a number. Canonical labels
	// are "cluster_<value>".
	NumericLabels LabelEncoding = iota
	// StringLabels means the values are used verbatim.
	StringLabels
)

func (e LabelEncoding) String() string {
	if e == NumericLabels {
		return "numeric"
	}
	return "string"
}

// NumericLabelPrefix is prepended to numeric cluster labels.
const NumericLabelPrefix = "cluster_"

// Values that denote a missing label, as in pandas' default NA set.
var naValues = map[string]bool{
	"": true, "#N/A": true, "#N/A N/A": true, "#NA": true, "-1.#IND": true,
	"-1.#QNAN": true, "-NaN": true, "-nan": true, "1.#IND": true, "1.#QNAN": true,
	"<NA>": true, "N/A": true, "NA": true, "NULL": true, "NaN": true, "None": true,
	"n/a": true, "nan": true, "null": true,
}

// LabelTable maps cell identifiers to canonical cluster labels.
type LabelTable struct {
	// Column is the name of the label column.
	Column string
	// Encoding is the interpretation of the raw label values.
	Encoding LabelEncoding

	ids    []string
	labels map[string]string // absent labels are not stored
}

// NewLabelTable creates a label table from raw values. values[i] is the label
// of cell ids[i]. The encoding is resolved once over all present values; see
// LabelEncoding. Duplicate identifiers yield an errors.Integrity error.
func NewLabelTable(column string, ids, values []string) (*LabelTable, error) {
	if len(ids) != len(values) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("cellmeta.NewLabelTable: %d identifiers, %d values", len(ids), len(values)))
	}
	l := &LabelTable{Column: column, ids: ids, labels: make(map[string]string, len(ids))}
	var (
		ints   = make([]int64, len(values))
		floats = make([]float64, len(values))
		isInt  = true
	)
	l.Encoding = NumericLabels
	for i, v := range values {
		if naValues[v] {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ints[i], floats[i] = n, float64(n)
			continue
		}
		isInt = false
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.Encoding = StringLabels
			break
		}
		floats[i] = f
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if _, ok := seen[id]; ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("cellmeta: duplicate labeled cell %s", id))
		}
		seen[id] = struct{}{}
		v := values[i]
		switch {
		case naValues[v]:
		case l.Encoding == StringLabels:
			l.labels[id] = v
		case isInt:
			l.labels[id] = NumericLabelPrefix + strconv.FormatInt(ints[i], 10)
		default:
			l.labels[id] = NumericLabelPrefix + formatFloatLabel(floats[i])
		}
	}
	return l, nil
}

// formatFloatLabel formats v the way Python's str(float) does: the shortest
// representation that round trips, with a ".0" suffix for integral values and
// exponent notation outside [1e-4, 1e16).
func formatFloatLabel(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParseLabels reads a tab-separated label table from in, in the format of
// ParseTable. The first column after the identifiers holds the labels;
// further columns are ignored. A table with no label column yields an
// errors.Integrity error.
func ParseLabels(in io.Reader) (*LabelTable, error) {
	t, err := ParseTable(in)
	if err != nil {
		return nil, err
	}
	if len(t.columns) == 0 {
		return nil, errors.E(errors.Integrity, "cellmeta: label table has no label column")
	}
	values := make([]string, len(t.ids))
	for i, id := range t.ids {
		values[i] = t.rows[id][0]
	}
	return NewLabelTable(t.columns[0], t.ids, values)
}

// ReadLabels reads the label table at path. See ParseLabels.
func ReadLabels(ctx context.Context, path string) (l *LabelTable, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if l, err = ParseLabels(in.Reader(ctx)); err != nil {
		return nil, errors.E(err, path)
	}
	vlog.VI(1).Infof("%s: %d %s labels in column %q", path, l.Len(), l.Encoding, l.Column)
	return l, nil
}

// Len returns the number of cells in the table, including those with an
// absent label.
func (l *LabelTable) Len() int { return len(l.ids) }

// IDs returns the cell identifiers in file order.
func (l *LabelTable) IDs() []string { return l.ids }

// Label returns the canonical label of cell id. ok is false if the cell is not
// in the table or its label is absent.
func (l *LabelTable) Label(id string) (label string, ok bool) {
	label, ok = l.labels[id]
	return
}
