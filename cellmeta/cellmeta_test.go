// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellmeta_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/multiome/cellmeta"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, columns []string, rows map[string][]string, order ...string) *cellmeta.Table {
	var vals [][]string
	for _, id := range order {
		vals = append(vals, rows[id])
	}
	tb, err := cellmeta.NewTable(columns, order, vals)
	require.NoError(t, err)
	return tb
}

func parseLabels(t *testing.T, data string) *cellmeta.LabelTable {
	l, err := cellmeta.ParseLabels(strings.NewReader(data))
	require.NoError(t, err)
	return l
}

func toTSV(t *testing.T, tb *cellmeta.Table) string {
	var buf bytes.Buffer
	require.NoError(t, cellmeta.WriteTSV(&buf, tb))
	return buf.String()
}

func scenario(t *testing.T) (rna, atac *cellmeta.Table, labels *cellmeta.LabelTable) {
	rna = newTable(t, []string{"x"}, map[string][]string{"c1": {"1"}, "c2": {"2"}}, "c2", "c1")
	atac = newTable(t, []string{"y"}, map[string][]string{"c2": {"9"}, "c3": {"7"}}, "c3", "c2")
	// Label rows are deliberately not in identifier order.
	labels = parseLabels(t, "barcode\tleiden\nc3\t1\nc1\t0\nc2\t0\n")
	return
}

func TestMergeScenario(t *testing.T) {
	rna, atac, labels := scenario(t)
	merged, err := cellmeta.Merge(rna, atac, labels)
	require.NoError(t, err)
	expect.EQ(t, merged.IDs(), []string{"c1", "c2", "c3"})
	expect.EQ(t, merged.Columns(), []string{"RNA_x", "ATAC_y", cellmeta.ClusterColumn})
	expect.EQ(t, toTSV(t, merged), "\tRNA_x\tATAC_y\tCellClusterID\n"+
		"c1\t1\t\tcluster_0\n"+
		"c2\t2\t9\tcluster_0\n"+
		"c3\t\t7\tcluster_1\n")
}

func TestMergeIdempotent(t *testing.T) {
	var outputs []string
	for i := 0; i < 2; i++ {
		rna, atac, labels := scenario(t)
		merged, err := cellmeta.Merge(rna, atac, labels)
		require.NoError(t, err)
		outputs = append(outputs, toTSV(t, merged))
	}
	expect.EQ(t, outputs[0], outputs[1])
}

func TestMergeNamespaces(t *testing.T) {
	rna := newTable(t, []string{"total_counts", cellmeta.ClusterColumn},
		map[string][]string{"c1": {"10", "a"}}, "c1")
	atac := newTable(t, []string{"total_counts", cellmeta.ClusterColumn},
		map[string][]string{"c1": {"20", "b"}}, "c1")
	merged, err := cellmeta.Merge(rna, atac, parseLabels(t, "id\tlabel\nc1\tT cells\n"))
	require.NoError(t, err)
	expect.EQ(t, merged.Columns(), []string{
		"RNA_total_counts", "RNA_CellClusterID", "ATAC_total_counts", "ATAC_CellClusterID", "CellClusterID"})
	for col, want := range map[string]string{
		"RNA_total_counts":  "10",
		"ATAC_total_counts": "20",
		"CellClusterID":     "T cells",
	} {
		v, ok := merged.Value("c1", col)
		expect.True(t, ok)
		expect.EQ(t, v, want, col)
	}
}

func TestMergeRNAOnly(t *testing.T) {
	rna := newTable(t, []string{"total_counts"}, map[string][]string{"c1": {"5"}, "c2": {"6"}}, "c1", "c2")
	merged, err := cellmeta.Merge(rna, nil, parseLabels(t, "id\tcluster\nc1\t3\nc2\t4\nc9\t5\n"))
	require.NoError(t, err)
	expect.EQ(t, merged.IDs(), []string{"c1", "c2"})
	expect.EQ(t, merged.Columns(), []string{"RNA_total_counts",
		"ATAC_n_fragment", "ATAC_frac_dup", "ATAC_frac_mito", "ATAC_CellClusterID", "CellClusterID"})
	row, ok := merged.Row("c2")
	expect.True(t, ok)
	expect.EQ(t, row, []string{"6", "", "", "", "", "cluster_4"})
}

func TestMergeATACOnly(t *testing.T) {
	atac := newTable(t, []string{"n_fragment"}, map[string][]string{"c1": {"300"}}, "c1")
	merged, err := cellmeta.Merge(nil, atac, parseLabels(t, "id\tcluster\nc1\t2\n"))
	require.NoError(t, err)
	expect.EQ(t, merged.Columns(), []string{
		"RNA_CellClusterID", "RNA_n_genes_by_counts", "RNA_total_counts", "RNA_pct_counts_mito", "RNA_pct_counts_ribo",
		"ATAC_n_fragment", "CellClusterID"})
	row, _ := merged.Row("c1")
	expect.EQ(t, row, []string{"", "", "", "", "", "300", "cluster_2"})
}

func TestMergeNoInput(t *testing.T) {
	_, err := cellmeta.Merge(nil, nil, parseLabels(t, "id\tcluster\nc1\t2\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestMergeMissingLabel(t *testing.T) {
	rna, atac, _ := scenario(t)
	_, err := cellmeta.Merge(rna, atac, parseLabels(t, "id\tcluster\nc1\t0\nc2\t\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
	assert.Contains(t, err.Error(), "2 of 3 cells")
	assert.Contains(t, err.Error(), "c2, c3")
}

func TestLabelEncodings(t *testing.T) {
	for _, test := range []struct {
		data     string
		encoding cellmeta.LabelEncoding
		want     map[string]string
	}{
		{"id\tc\na\t0\nb\t12\n", cellmeta.NumericLabels,
			map[string]string{"a": "cluster_0", "b": "cluster_12"}},
		{"id\tc\na\t1\nb\t2.5\nc\t1e-5\n", cellmeta.NumericLabels,
			map[string]string{"a": "cluster_1.0", "b": "cluster_2.5", "c": "cluster_1e-05"}},
		{"id\tc\na\t3\nb\tNA\n", cellmeta.NumericLabels,
			map[string]string{"a": "cluster_3"}},
		{"id\tc\na\tB cells\nb\t7\n", cellmeta.StringLabels,
			map[string]string{"a": "B cells", "b": "7"}},
		{"id\tc\textra\na\tx\tignored\nb\n", cellmeta.StringLabels,
			map[string]string{"a": "x"}},
	} {
		l := parseLabels(t, test.data)
		expect.EQ(t, l.Encoding, test.encoding, test.data)
		expect.EQ(t, l.Column, "c")
		for _, id := range l.IDs() {
			got, ok := l.Label(id)
			want, wantOK := test.want[id]
			expect.EQ(t, ok, wantOK, "%s %s", test.data, id)
			expect.EQ(t, got, want, "%s %s", test.data, id)
		}
	}
}

func TestLabelErrors(t *testing.T) {
	for _, data := range []string{
		"",
		"id\nc1\nc2\n",
		"id\tc\nc1\t0\nc1\t1\n",
	} {
		_, err := cellmeta.ParseLabels(strings.NewReader(data))
		require.Error(t, err, "data %q", data)
		assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	}
}

func TestNewTableErrors(t *testing.T) {
	_, err := cellmeta.NewTable([]string{"a"}, []string{"c1", "c1"}, [][]string{{"1"}, {"2"}})
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	_, err = cellmeta.NewTable([]string{"a", "a"}, nil, nil)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	_, err = cellmeta.NewTable([]string{"a"}, []string{"c1"}, [][]string{{"1", "2"}})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestFromObs(t *testing.T) {
	tb, err := cellmeta.FromObs(&cellmatrix.Obs{
		Columns:  []string{"n_fragment", "frac_dup"},
		Barcodes: []string{"AAAC-1", "CCGT-1"},
		Values:   [][]string{{"3", "0.5"}, {"1", "0"}},
	})
	require.NoError(t, err)
	expect.EQ(t, tb.Len(), 2)
	v, ok := tb.Value("CCGT-1", "frac_dup")
	expect.True(t, ok)
	expect.EQ(t, v, "0")
	_, ok = tb.Value("CCGT-1", "frac_mito")
	expect.False(t, ok)
}

func TestWriteFile(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	rna, atac, labels := scenario(t)
	merged, err := cellmeta.Merge(rna, atac, labels)
	require.NoError(t, err)
	path := filepath.Join(tempDir, "c1_per_cell_metadata.txt")
	require.NoError(t, cellmeta.WriteFile(ctx, path, merged))

	in, err := file.Open(ctx, path)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(in.Reader(ctx))
	require.NoError(t, err)
	require.NoError(t, in.Close(ctx))
	expect.EQ(t, buf.String(), toTSV(t, merged))

	bad := newTable(t, []string{"x"}, map[string][]string{"c1": {"a\tb"}}, "c1")
	badPath := filepath.Join(tempDir, "bad.txt")
	err = cellmeta.WriteFile(ctx, badPath, bad)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = file.Stat(ctx, badPath)
	assert.Error(t, err)
}

func TestParseTable(t *testing.T) {
	tb, err := cellmeta.ParseTable(strings.NewReader("\tn_genes\ttotal_counts\nAAAC-1\t10\t 25 \nCCGT-1\t7\n"))
	require.NoError(t, err)
	expect.EQ(t, tb.Columns(), []string{"n_genes", "total_counts"})
	expect.EQ(t, tb.IDs(), []string{"AAAC-1", "CCGT-1"})
	row, ok := tb.Row("AAAC-1")
	expect.True(t, ok)
	expect.EQ(t, row, []string{"10", "25"})
	row, _ = tb.Row("CCGT-1")
	expect.EQ(t, row, []string{"7", ""})

	// Every row keeps its own values; extra fields are dropped and stray
	// quotes are kept.
	tb, err = cellmeta.ParseTable(strings.NewReader(
		"barcode\tdonor\nA\td1\tx\nB\td\"2\nC\td3\n"))
	require.NoError(t, err)
	expect.EQ(t, tb.IDs(), []string{"A", "B", "C"})
	for id, want := range map[string]string{"A": "d1", "B": "d\"2", "C": "d3"} {
		v, ok := tb.Value(id, "donor")
		expect.True(t, ok)
		expect.EQ(t, v, want)
	}
}
