// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline produces the consolidated datasets and the per-cell
// metadata table of one cell cluster.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/multiome/atac"
	"github.com/grailbio/multiome/cellmeta"
	"github.com/grailbio/multiome/consolidate"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"github.com/grailbio/multiome/genome"
)

// Config describes one run.
type Config struct {
	// Cluster names the cluster. It is embedded in the output file names.
	Cluster string
	// LabelsPath is the cluster-label table; see cellmeta.ParseLabels.
	LabelsPath string
	// RNAPaths lists the per-batch RNA cell matrix files. Optional.
	RNAPaths []string
	// FragmentsPath is the barcode-sorted ATAC fragment file. Optional.
	FragmentsPath string
	// Genome is the built-in genome build of the fragments; see
	// genome.Builtin. Ignored if ChromSizesPath is set.
	Genome string
	// ChromSizesPath is a chrom.sizes file that replaces Genome.
	ChromSizesPath string
	// MinFragments is the ATAC cell filter; see atac.Opts.
	MinFragments int
	// OutDir is the directory of the output files.
	OutDir string
}

// DefaultConfig sets the default values of the optional fields.
var DefaultConfig = Config{
	Genome:       "hg38",
	MinFragments: atac.DefaultOpts.MinFragments,
	OutDir:       ".",
}

// Validate checks that c describes a runnable configuration. All failures
// are errors.Invalid.
func (c *Config) Validate() error {
	switch {
	case c.Cluster == "":
		return errors.E(errors.Invalid, "pipeline: no cluster name")
	case strings.ContainsAny(c.Cluster, "/\\"):
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: cluster name %q contains a path separator", c.Cluster))
	case c.LabelsPath == "":
		return errors.E(errors.Invalid, "pipeline: no cluster label table")
	case len(c.RNAPaths) == 0 && c.FragmentsPath == "":
		return errors.E(errors.Invalid, "pipeline: neither RNA inputs nor an ATAC fragment file given")
	case c.MinFragments < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: negative MinFragments %d", c.MinFragments))
	}
	if c.FragmentsPath != "" && c.ChromSizesPath == "" {
		if _, err := genome.Builtin(c.Genome); err != nil {
			return errors.E(errors.Invalid, "pipeline", err)
		}
	}
	for _, p := range c.RNAPaths {
		if p == "" {
			return errors.E(errors.Invalid, "pipeline: empty RNA input path")
		}
	}
	out := OutputPaths(c.OutDir, c.Cluster)
	inputs := append([]string{c.LabelsPath, c.FragmentsPath, c.ChromSizesPath}, c.RNAPaths...)
	for _, in := range inputs {
		if in == "" {
			continue
		}
		for _, o := range []string{out.RNA, out.ATAC, out.Metadata} {
			if cellmatrix.SamePath(in, o) {
				return errors.E(errors.Invalid, fmt.Sprintf("pipeline: input %s would be overwritten by an output", in))
			}
		}
	}
	return nil
}

// Paths lists the output files of a run.
type Paths struct {
	// RNA is the consolidated RNA cell matrix.
	RNA string
	// ATAC is the imported ATAC cell matrix.
	ATAC string
	// Metadata is the per-cell metadata table.
	Metadata string
}

// OutputPaths returns the output file names of cluster in outDir.
func OutputPaths(outDir, cluster string) Paths {
	join := func(name string) string {
		if outDir == "" || outDir == "." {
			return name
		}
		return strings.TrimSuffix(outDir, "/") + "/" + name
	}
	return Paths{
		RNA:      join("rna_" + cluster + cellmatrix.Ext),
		ATAC:     join("atac_" + cluster + cellmatrix.Ext),
		Metadata: join(cluster + "_per_cell_metadata.txt"),
	}
}

// Result summarizes a successful run.
type Result struct {
	// Paths are the files written. RNA and ATAC are empty for a modality that
	// was not given.
	Paths Paths
	// NumRNACells and NumATACCells count the cells of the two datasets.
	NumRNACells, NumATACCells int
	// NumCells is the number of rows in the metadata table.
	NumCells int
}

// Run executes the configuration. The label table is read first, so that a
// bad table fails the run before any dataset is written. The metadata table
// is completely built before its file is created; a failed run never leaves
// a partial metadata table.
func Run(ctx context.Context, cfg Config) (res Result, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	paths := OutputPaths(cfg.OutDir, cfg.Cluster)
	labels, err := cellmeta.ReadLabels(ctx, cfg.LabelsPath)
	if err != nil {
		return
	}
	log.Printf("pipeline: cluster %s: %d labeled cells (%s labels)", cfg.Cluster, labels.Len(), labels.Encoding)

	var rna, atacObs *cellmeta.Table
	if len(cfg.RNAPaths) > 0 {
		log.Printf("pipeline: reading %d RNA batches of cluster %s", len(cfg.RNAPaths), cfg.Cluster)
		if rna, err = consolidateRNA(ctx, cfg.RNAPaths, paths.RNA); err != nil {
			return
		}
		res.Paths.RNA = paths.RNA
		res.NumRNACells = rna.Len()
	}
	if cfg.FragmentsPath != "" {
		log.Printf("pipeline: reading ATAC fragments of cluster %s", cfg.Cluster)
		if atacObs, err = importATAC(ctx, cfg, paths.ATAC); err != nil {
			return
		}
		res.Paths.ATAC = paths.ATAC
		res.NumATACCells = atacObs.Len()
	}

	merged, err := cellmeta.Merge(rna, atacObs, labels)
	if err != nil {
		return
	}
	if err = cellmeta.WriteFile(ctx, paths.Metadata, merged); err != nil {
		return
	}
	res.Paths.Metadata = paths.Metadata
	res.NumCells = merged.Len()
	log.Printf("pipeline: wrote metadata of %d cells to %s", res.NumCells, paths.Metadata)
	return
}

func consolidateRNA(ctx context.Context, inPaths []string, outPath string) (t *cellmeta.Table, err error) {
	r, err := consolidate.Consolidate(ctx, inPaths, outPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	obs, err := r.Obs()
	if err != nil {
		return nil, err
	}
	return cellmeta.FromObs(obs)
}

func importATAC(ctx context.Context, cfg Config, outPath string) (*cellmeta.Table, error) {
	var (
		chroms *genome.ChromSizes
		err    error
	)
	if cfg.ChromSizesPath != "" {
		if chroms, err = genome.ReadChromSizes(ctx, cfg.ChromSizesPath); err != nil {
			return nil, err
		}
	} else if chroms, err = genome.Builtin(cfg.Genome); err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	opts := atac.Opts{ChromSizes: chroms, MinFragments: cfg.MinFragments}
	res, err := atac.Import(ctx, cfg.FragmentsPath, outPath, opts)
	if err != nil {
		return nil, err
	}
	return cellmeta.FromObs(res.Obs)
}
