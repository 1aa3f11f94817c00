// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"github.com/grailbio/multiome/pipeline"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fragmentData = "chr1\t100\t250\tc2\t2\n" +
		"chr2\t300\t420\tc2\t1\n" +
		"chrM\t10\t90\tc2\t1\n" +
		"chr1\t500\t800\tc3\t1\n"
	labelData = "barcode\tleiden\nc3\t1\nc1\t0\nc2\t0\n"
)

func writeFile(t *testing.T, path, data string) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	_, err = out.Writer(ctx).Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, out.Close(ctx))
}

func readFile(t *testing.T, path string) string {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(in.Reader(ctx))
	require.NoError(t, err)
	require.NoError(t, in.Close(ctx))
	return buf.String()
}

func exists(path string) bool {
	_, err := file.Stat(vcontext.Background(), path)
	return err == nil
}

// setup writes two RNA batches (c1 and c2), a fragment file (c2 and c3), and
// a label table into dir.
func setup(t *testing.T, dir string) pipeline.Config {
	ctx := vcontext.Background()
	schema := cellmatrix.Schema{
		Modality:   cellmatrix.RNA,
		Features:   []string{"GAPDH", "ACTB"},
		ObsColumns: []string{"total_counts"},
	}
	cfg := pipeline.DefaultConfig
	cfg.Cluster = "c7"
	cfg.MinFragments = 0
	cfg.OutDir = dir
	for i, barcode := range []string{"c1", "c2"} {
		path := filepath.Join(dir, "batch"+barcode+cellmatrix.Ext)
		require.NoError(t, cellmatrix.Write(ctx, path, &cellmatrix.Matrix{
			Schema: schema,
			Cells: []cellmatrix.Cell{{
				Barcode: barcode,
				Obs:     []string{[]string{"1", "2"}[i]},
				Indices: []uint32{uint32(i)},
				Counts:  []uint32{uint32(i + 1)},
			}},
		}))
		cfg.RNAPaths = append(cfg.RNAPaths, path)
	}
	cfg.FragmentsPath = filepath.Join(dir, "fragments.tsv")
	writeFile(t, cfg.FragmentsPath, fragmentData)
	cfg.LabelsPath = filepath.Join(dir, "labels.tsv")
	writeFile(t, cfg.LabelsPath, labelData)
	return cfg
}

func TestRunBoth(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)

	res, err := pipeline.Run(ctx, cfg)
	require.NoError(t, err)
	expect.EQ(t, res.Paths, pipeline.OutputPaths(tempDir, "c7"))
	expect.EQ(t, res.NumRNACells, 2)
	expect.EQ(t, res.NumATACCells, 2)
	expect.EQ(t, res.NumCells, 3)
	expect.EQ(t, filepath.Base(res.Paths.Metadata), "c7_per_cell_metadata.txt")
	expect.EQ(t, readFile(t, res.Paths.Metadata),
		"\tRNA_total_counts\tATAC_n_fragment\tATAC_frac_dup\tATAC_frac_mito\tCellClusterID\n"+
			"c1\t1\t\t\t\tcluster_0\n"+
			"c2\t2\t2\t0.25\t0.3333333333333333\tcluster_0\n"+
			"c3\t\t1\t0\t0\tcluster_1\n")

	rna, err := cellmatrix.Open(ctx, res.Paths.RNA)
	require.NoError(t, err)
	expect.EQ(t, rna.NumCells(), int64(2))
	require.NoError(t, rna.Close(ctx))
	atac, err := cellmatrix.Open(ctx, res.Paths.ATAC)
	require.NoError(t, err)
	expect.EQ(t, atac.Schema().Modality, cellmatrix.ATAC)
	expect.EQ(t, atac.NumCells(), int64(2))
	require.NoError(t, atac.Close(ctx))

	// A second run produces the same table.
	first := readFile(t, res.Paths.Metadata)
	_, err = pipeline.Run(ctx, cfg)
	require.NoError(t, err)
	expect.EQ(t, readFile(t, res.Paths.Metadata), first)
}

func TestRunRNAOnly(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	cfg.FragmentsPath = ""

	res, err := pipeline.Run(vcontext.Background(), cfg)
	require.NoError(t, err)
	expect.EQ(t, res.Paths.ATAC, "")
	expect.False(t, exists(pipeline.OutputPaths(tempDir, "c7").ATAC))
	expect.EQ(t, readFile(t, res.Paths.Metadata),
		"\tRNA_total_counts\tATAC_n_fragment\tATAC_frac_dup\tATAC_frac_mito\tATAC_CellClusterID\tCellClusterID\n"+
			"c1\t1\t\t\t\t\tcluster_0\n"+
			"c2\t2\t\t\t\t\tcluster_0\n")
}

func TestRunATACOnly(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	cfg.RNAPaths = nil

	res, err := pipeline.Run(vcontext.Background(), cfg)
	require.NoError(t, err)
	expect.EQ(t, res.NumCells, 2)
	expect.EQ(t, readFile(t, res.Paths.Metadata),
		"\tRNA_CellClusterID\tRNA_n_genes_by_counts\tRNA_total_counts\tRNA_pct_counts_mito\tRNA_pct_counts_ribo"+
			"\tATAC_n_fragment\tATAC_frac_dup\tATAC_frac_mito\tCellClusterID\n"+
			"c2\t\t\t\t\t\t2\t0.25\t0.3333333333333333\tcluster_0\n"+
			"c3\t\t\t\t\t\t1\t0\t0\tcluster_1\n")
}

func TestRunMissingInput(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	cfg.RNAPaths, cfg.FragmentsPath = nil, ""

	_, err := pipeline.Run(vcontext.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	expect.False(t, exists(pipeline.OutputPaths(tempDir, "c7").Metadata))
}

func TestRunMissingLabel(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	writeFile(t, cfg.LabelsPath, "barcode\tleiden\nc1\t0\nc2\t0\n")

	_, err := pipeline.Run(vcontext.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
	expect.False(t, exists(pipeline.OutputPaths(tempDir, "c7").Metadata))
}

func TestRunBadLabelsWritesNothing(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	writeFile(t, cfg.LabelsPath, "barcode\n")

	_, err := pipeline.Run(vcontext.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	paths := pipeline.OutputPaths(tempDir, "c7")
	expect.False(t, exists(paths.RNA))
	expect.False(t, exists(paths.ATAC))
	expect.False(t, exists(paths.Metadata))
}

func TestValidate(t *testing.T) {
	base := pipeline.DefaultConfig
	base.Cluster, base.LabelsPath, base.FragmentsPath = "c1", "labels.tsv", "fragments.tsv"
	require.NoError(t, base.Validate())
	for _, mod := range []func(c *pipeline.Config){
		func(c *pipeline.Config) { c.Cluster = "" },
		func(c *pipeline.Config) { c.Cluster = "a/b" },
		func(c *pipeline.Config) { c.LabelsPath = "" },
		func(c *pipeline.Config) { c.FragmentsPath = "" },
		func(c *pipeline.Config) { c.MinFragments = -1 },
		func(c *pipeline.Config) { c.Genome = "hg0" },
		func(c *pipeline.Config) { c.RNAPaths = []string{""} },
		func(c *pipeline.Config) { c.RNAPaths = []string{"batch0.cmx", "rna_c1.cmx"} },
		func(c *pipeline.Config) { c.OutDir, c.RNAPaths = "out", []string{"out/./rna_c1.cmx"} },
		func(c *pipeline.Config) { c.LabelsPath = "c1_per_cell_metadata.txt" },
	} {
		c := base
		mod(&c)
		err := c.Validate()
		require.Error(t, err, "%+v", c)
		assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	}
}

func TestRunOnOwnOutput(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cfg := setup(t, tempDir)
	res, err := pipeline.Run(ctx, cfg)
	require.NoError(t, err)

	cfg.RNAPaths = append(cfg.RNAPaths, res.Paths.RNA)
	_, err = pipeline.Run(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	expect.True(t, exists(res.Paths.RNA))
}

func TestOutputPaths(t *testing.T) {
	expect.EQ(t, pipeline.OutputPaths(".", "T"), pipeline.Paths{
		RNA: "rna_T.cmx", ATAC: "atac_T.cmx", Metadata: "T_per_cell_metadata.txt"})
	expect.EQ(t, pipeline.OutputPaths("s3://bucket/out/", "T").Metadata, "s3://bucket/out/T_per_cell_metadata.txt")
}
