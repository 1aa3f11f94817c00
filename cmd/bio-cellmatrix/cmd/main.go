// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/multiome/encoding/cellmatrix"
	"v.io/x/lib/cmdline"
)

func newCmdView() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "view",
		Short:    "View the schema or the obs annotations of a cell matrix file",
		ArgsName: "path",
	}
	obsFlag := cmd.Flags.Bool("obs", false, "Print the obs annotations of every cell as TSV, instead of the schema")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("view takes one pathname argument, but got %v", argv)
		}
		ctx := vcontext.Background()
		if *obsFlag {
			return viewObs(ctx, env.Stdout, argv[0])
		}
		return viewSchema(ctx, env.Stdout, argv[0])
	})
	return cmd
}

func newCmdConcat() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "concat",
		Short: `Concatenate cell matrix files along the cell axis.
The inputs must share a feature axis and have disjoint barcodes. Cells are
streamed one at a time, so the inputs need not fit in memory.`,
		ArgsName: "path...",
	}
	outFlag := cmd.Flags.String("o", "", "Output path. Required.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 1 || *outFlag == "" {
			return fmt.Errorf("concat takes -o outpath and at least one input, but got %v", argv)
		}
		stats, err := cellmatrix.Concat(vcontext.Background(), argv, *outFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "%s: %d cells, %d features, %d obs columns\n",
			*outFlag, stats.TotalCells, len(stats.Schema.Features), len(stats.Schema.ObsColumns))
		return nil
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Compute an order-independent checksum of cell matrix files.
The checksum of a concatenation equals the sum of the checksums of its inputs;
the last line shows the sum over all the arguments.`,
		ArgsName: "path...",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 1 {
			return fmt.Errorf("checksum takes at least one path")
		}
		ctx := vcontext.Background()
		var total cellmatrix.Checksum
		for _, path := range argv {
			cs, err := cellmatrix.ComputeChecksum(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "%s\t%v\n", path, cs)
			total.Add(cs)
		}
		if len(argv) > 1 {
			fmt.Fprintf(env.Stdout, "total\t%v\n", total)
		}
		return nil
	})
	return cmd
}

func newCmdImportMTX() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "import-mtx",
		Short: `Create a cell matrix file from 10x MatrixMarket output.
matrix.mtx is a features x barcodes coordinate matrix, barcodes.tsv lists one
barcode per line, and features.tsv one feature per line (10x features.tsv or
genes.tsv). The optional obs.tsv is a tab-separated table with a header line
and the barcode in the first column. Any of the files may be gzip compressed.`,
		ArgsName: "matrix.mtx barcodes.tsv features.tsv [obs.tsv]",
	}
	opts := importOpts{}
	cmd.Flags.StringVar(&opts.modality, "modality", cellmatrix.RNA, "Modality stored in the output")
	cmd.Flags.StringVar(&opts.outPath, "o", "", "Output path. Required.")
	cmd.Flags.IntVar(&opts.featureColumn, "feature-column", 1,
		"0-based column of features.tsv that names the features; rows with fewer columns use column 0")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 3 || len(argv) > 4 || opts.outPath == "" {
			return fmt.Errorf("import-mtx takes -o outpath matrix.mtx barcodes.tsv features.tsv [obs.tsv], but got %v", argv)
		}
		opts.mtxPath, opts.barcodesPath, opts.featuresPath = argv[0], argv[1], argv[2]
		if len(argv) == 4 {
			opts.obsPath = argv[3]
		}
		n, err := importMTX(vcontext.Background(), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "%s: %d cells\n", opts.outPath, n)
		return nil
	})
	return cmd
}

func newRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-cellmatrix",
		Short:    "Tools for working with cell matrix files",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdView(),
			newCmdConcat(),
			newCmdChecksum(),
			newCmdImportMTX(),
		},
	}
}

// Run is the entry point of bio-cellmatrix.
func Run() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newRoot())
}
