// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"strings"
	"testing"

	"github.com/grailbio/multiome/pipeline"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, cmdline string) pipeline.Config {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseArgs(fs, strings.Fields(cmdline))
	require.NoError(t, err, cmdline)
	return cfg
}

func TestParseArgs(t *testing.T) {
	cfg := parse(t, "-s C -c labels.tsv -r x.cmx y.cmx -a frag.tsv.gz")
	expect.EQ(t, cfg.Cluster, "C")
	expect.EQ(t, cfg.LabelsPath, "labels.tsv")
	expect.EQ(t, cfg.RNAPaths, []string{"x.cmx", "y.cmx"})
	expect.EQ(t, cfg.FragmentsPath, "frag.tsv.gz")
	expect.EQ(t, cfg.Genome, pipeline.DefaultConfig.Genome)
	expect.EQ(t, cfg.MinFragments, pipeline.DefaultConfig.MinFragments)

	cfg = parse(t, "--rna_h5ad a.cmx b.cmx c.cmx -s C -c l.tsv -min-fragments 10")
	expect.EQ(t, cfg.RNAPaths, []string{"a.cmx", "b.cmx", "c.cmx"})
	expect.EQ(t, cfg.Cluster, "C")
	expect.EQ(t, cfg.MinFragments, 10)
	expect.EQ(t, cfg.FragmentsPath, "")

	// Repeated flags, comma lists, "=" forms, and trailing arguments
	// accumulate in order.
	cfg = parse(t, "-s C -c l.tsv -r a.cmx,b.cmx -rna_h5ad=c.cmx -r d.cmx -out o e.cmx")
	expect.EQ(t, cfg.RNAPaths, []string{"a.cmx", "b.cmx", "c.cmx", "d.cmx", "e.cmx"})
	expect.EQ(t, cfg.OutDir, "o")

	cfg = parse(t, "-s C -c l.tsv -a f.tsv")
	expect.EQ(t, len(cfg.RNAPaths), 0)
}

func TestSplitRNAArgs(t *testing.T) {
	rest, rna := splitRNAArgs(strings.Fields("-s C -r x y -a f -- -r z"))
	expect.EQ(t, rest, []string{"-s", "C", "-a", "f", "--", "-r", "z"})
	expect.EQ(t, rna, []string{"x", "y"})

	rest, rna = splitRNAArgs(strings.Fields("--r=x,y -rx z -rna_h5ad= w"))
	expect.EQ(t, rest, []string{"-rx", "z"})
	expect.EQ(t, rna, []string{"x,y", "", "w"})
}
