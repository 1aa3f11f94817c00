// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

// bio-cell-metadata consolidates the RNA and ATAC datasets of one cell
// cluster and writes its per-cell metadata table.
//
// Usage: bio-cell-metadata -s cluster -c labels.tsv [-r rna.cmx...] [-a fragments.tsv.gz] [rna.cmx...]

import (
	"flag"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/multiome/genome"
	"github.com/grailbio/multiome/pipeline"
)

// pathList is a flag.Value that accumulates comma-separated paths over
// repeated flags.
type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ",") }

func (p *pathList) Set(v string) error {
	for _, path := range strings.Split(v, ",") {
		if path != "" {
			*p = append(*p, path)
		}
	}
	return nil
}

// rnaFlags are the names of the RNA input flag. It takes one or more
// arguments, up to the next flag, each of which may be a comma-separated
// list. The flags are also registered with the flag package for -help.
var rnaFlags = []string{"r", "rna_h5ad"}

// flags holds the command line of one run.
type flags struct {
	cluster, labels, atac *string
	genome, chromSizes    *string
	minFragments          *int
	out                   *string
	rna                   pathList
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{
		cluster:    fs.String("s", "", "Name of the cluster. Output files are named after it. Required."),
		labels:     fs.String("c", "", "Tab-separated cell cluster label table, with a header line. Required."),
		atac:       fs.String("a", "", "Barcode-sorted ATAC fragment file of the cluster; plain, gzip, or bgzf."),
		genome:     fs.String("genome", pipeline.DefaultConfig.Genome, "Built-in genome build of the ATAC fragments."),
		chromSizes: fs.String("chrom-sizes", "", "chrom.sizes file of the ATAC fragments. Overrides -genome."),
		minFragments: fs.Int("min-fragments", pipeline.DefaultConfig.MinFragments,
			"ATAC barcodes with fewer unique fragments are not cells."),
		out: fs.String("out", pipeline.DefaultConfig.OutDir, "Output directory."),
	}
	const usage = "RNA cell matrix files of the cluster. Takes all arguments up to the next flag; may be repeated or comma-separated."
	for _, name := range rnaFlags {
		fs.Var(&f.rna, name, usage)
	}
	return f
}

// splitRNAArgs removes each RNA flag from args together with its value and
// the arguments that follow it up to the next flag, and returns the removed
// paths in command line order and the remaining arguments.
func splitRNAArgs(args []string) (rest, rna []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(rest, args[i:]...), rna
		}
		value, hasValue, ok := rnaFlag(arg)
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if hasValue {
			rna = append(rna, value)
		}
		for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			rna = append(rna, args[i])
		}
	}
	return rest, rna
}

// rnaFlag reports whether arg is one of rnaFlags, as "-name", "--name",
// "-name=value", or "--name=value".
func rnaFlag(arg string) (value string, hasValue, ok bool) {
	name := strings.TrimPrefix(strings.TrimPrefix(arg, "-"), "-")
	if name == arg {
		return "", false, false
	}
	if i := strings.IndexByte(name, '='); i >= 0 {
		name, value, hasValue = name[:i], name[i+1:], true
	}
	for _, f := range rnaFlags {
		if name == f {
			return value, hasValue, true
		}
	}
	return "", false, false
}

// config builds the run configuration from parsed flags. rna lists the
// paths taken by splitRNAArgs and the trailing arguments.
func (f *flags) config(rna []string) (pipeline.Config, error) {
	for _, arg := range rna {
		if err := f.rna.Set(arg); err != nil {
			return pipeline.Config{}, err
		}
	}
	return pipeline.Config{
		Cluster:        *f.cluster,
		LabelsPath:     *f.labels,
		RNAPaths:       f.rna,
		FragmentsPath:  *f.atac,
		Genome:         *f.genome,
		ChromSizesPath: *f.chromSizes,
		MinFragments:   *f.minFragments,
		OutDir:         *f.out,
	}, nil
}

// parseArgs parses a full argument list with fs.
func parseArgs(fs *flag.FlagSet, args []string) (pipeline.Config, error) {
	f := registerFlags(fs)
	rest, rna := splitRNAArgs(args)
	if err := fs.Parse(rest); err != nil {
		return pipeline.Config{}, err
	}
	return f.config(append(rna, fs.Args()...))
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage:
bio-cell-metadata -s <cluster> -c <labels.tsv> [-r <rna.cmx> [<rna.cmx>...]] [-a <fragments>] [<rna.cmx>...]

The command writes the following files to the -out directory:

  rna_<cluster>.cmx               the RNA batches concatenated into one dataset
  atac_<cluster>.cmx              per-cell chromosome counts of the fragments
  <cluster>_per_cell_metadata.txt RNA_ and ATAC_ prefixed annotations of every
                                  cell, joined on barcode, with the CellClusterID
                                  column from the label table

At least one of -r and -a is required. Trailing arguments are RNA files.
Built-in genomes: ` + strings.Join(genome.BuiltinNames(), ", ") + `
`)
		flag.PrintDefaults()
	}
	f := registerFlags(flag.CommandLine)
	// grail.Init parses os.Args.
	rest, rna := splitRNAArgs(os.Args[1:])
	os.Args = append([]string{os.Args[0]}, rest...)
	shutdown := grail.Init()
	defer shutdown()

	cfg, err := f.config(append(rna, flag.Args()...))
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		flag.Usage()
		log.Fatalf("%v", err)
	}
	res, err := pipeline.Run(vcontext.Background(), cfg)
	if err != nil {
		log.Fatalf("cluster %s: %v", cfg.Cluster, err)
	}
	log.Printf("cluster %s: %d cells (%d RNA, %d ATAC); metadata written to %s",
		cfg.Cluster, res.NumCells, res.NumRNACells, res.NumATACCells, res.Paths.Metadata)
}
