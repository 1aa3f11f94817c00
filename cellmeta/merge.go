// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmeta

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Column namespaces of the merged table.
const (
	RNAPrefix  = "RNA_"
	ATACPrefix = "ATAC_"
)

// ClusterColumn is the unprefixed column of the merged table that holds the
// canonical cluster label.
const ClusterColumn = "CellClusterID"

// Columns of the placeholder tables that stand in for an absent modality.
var (
	RNAPlaceholderColumns  = []string{"CellClusterID", "n_genes_by_counts", "total_counts", "pct_counts_mito", "pct_counts_ribo"}
	ATACPlaceholderColumns = []string{"n_fragment", "frac_dup", "frac_mito", "CellClusterID"}
)

// maxReportedMissing bounds the identifiers listed in a missing label error.
const maxReportedMissing = 5

// Merge builds the per-cell metadata table of one cluster. rna and atac are
// the obs tables of the two modalities; either may be nil, in which case a
// placeholder with the other side's identifiers and all values missing takes
// its place. Columns are prefixed with RNAPrefix and ATACPrefix, the tables
// are outer joined on the cell identifier, and ClusterColumn is appended with
// each cell's label from labels.
//
// Merge returns an errors.Invalid error if both tables are nil, and an
// errors.NotExist error if some cell has no label. Labels of cells absent
// from both tables are ignored.
func Merge(rna, atac *Table, labels *LabelTable) (*Table, error) {
	switch {
	case rna == nil && atac == nil:
		return nil, errors.E(errors.Invalid, "cellmeta.Merge: neither RNA nor ATAC annotations")
	case labels == nil:
		return nil, errors.E(errors.Invalid, "cellmeta.Merge: no label table")
	case rna == nil:
		rna = Placeholder(atac.IDs(), RNAPlaceholderColumns)
	case atac == nil:
		atac = Placeholder(rna.IDs(), ATACPlaceholderColumns)
	}
	joined, err := OuterJoin(rna.Prefixed(RNAPrefix), atac.Prefixed(ATACPrefix))
	if err != nil {
		return nil, err
	}
	columns := append(append([]string(nil), joined.columns...), ClusterColumn)
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	var (
		rows    = make([][]string, len(joined.ids))
		missing []string
	)
	for i, id := range joined.ids {
		label, ok := labels.Label(id)
		if !ok {
			missing = append(missing, id)
		}
		row := make([]string, 0, len(columns))
		row = append(row, joined.rows[id]...)
		rows[i] = append(row, label)
	}
	if len(missing) > 0 {
		report := missing
		if len(report) > maxReportedMissing {
			report = report[:maxReportedMissing]
		}
		return nil, errors.E(errors.NotExist,
			fmt.Sprintf("cellmeta.Merge: %d of %d cells have no %q label: %s",
				len(missing), len(joined.ids), labels.Column, strings.Join(report, ", ")))
	}
	return NewTable(columns, joined.ids, rows)
}

func checkField(id, v string) error {
	if strings.ContainsAny(v, "\t\n\r") {
		return errors.E(errors.Invalid, fmt.Sprintf("cellmeta: cell %s: value %q contains a tab or newline", id, v))
	}
	return nil
}

// checkFields verifies that every name and value of t fits in a TSV field.
func (t *Table) checkFields() error {
	for _, c := range t.columns {
		if err := checkField("(header)", c); err != nil {
			return err
		}
	}
	for _, id := range t.ids {
		if err := checkField(id, id); err != nil {
			return err
		}
		for _, v := range t.rows[id] {
			if err := checkField(id, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteTSV writes t as a tab-separated table with a header line. The first
// column holds the cell identifiers and has an empty header; missing values are
// empty fields. Nothing is written if a name or value contains a tab or
// newline.
func WriteTSV(w io.Writer, t *Table) error {
	if err := t.checkFields(); err != nil {
		return err
	}
	out := tsv.NewWriter(w)
	out.WriteString("")
	for _, c := range t.columns {
		out.WriteString(c)
	}
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, id := range t.ids {
		out.WriteString(id)
		for _, v := range t.rows[id] {
			out.WriteString(v)
		}
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

// WriteFile writes t to path in the format of WriteTSV. On error, path is
// removed.
func WriteFile(ctx context.Context, path string, t *Table) error {
	if err := t.checkFields(); err != nil {
		return err
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	err = WriteTSV(out.Writer(ctx), t)
	if e := out.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		if e := file.Remove(ctx, path); e != nil {
			log.Error.Printf("cellmeta: remove %s: %v", path, e)
		}
		return errors.E(err, "write", path)
	}
	return nil
}
