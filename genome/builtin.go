// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package genome

// Primary assembly chromosome sizes of the built-in genome builds, from the
// UCSC chrom.sizes files.

var hg38 = []Chrom{
	{"chr1", 248956422},
	{"chr2", 242193529},
	{"chr3", 198295559},
	{"chr4", 190214555},
	{"chr5", 181538259},
	{"chr6", 170805979},
	{"chr7", 159345973},
	{"chr8", 145138636},
	{"chr9", 138394717},
	{"chr10", 133797422},
	{"chr11", 135086622},
	{"chr12", 133275309},
	{"chr13", 114364328},
	{"chr14", 107043718},
	{"chr15", 101991189},
	{"chr16", 90338345},
	{"chr17", 83257441},
	{"chr18", 80373285},
	{"chr19", 58617616},
	{"chr20", 64444167},
	{"chr21", 46709983},
	{"chr22", 50818468},
	{"chrX", 156040895},
	{"chrY", 57227415},
	{"chrM", 16569},
}

var hg19 = []Chrom{
	{"chr1", 249250621},
	{"chr2", 243199373},
	{"chr3", 198022430},
	{"chr4", 191154276},
	{"chr5", 180915260},
	{"chr6", 171115067},
	{"chr7", 159138663},
	{"chr8", 146364022},
	{"chr9", 141213431},
	{"chr10", 135534747},
	{"chr11", 135006516},
	{"chr12", 133851895},
	{"chr13", 115169878},
	{"chr14", 107349540},
	{"chr15", 102531392},
	{"chr16", 90354753},
	{"chr17", 81195210},
	{"chr18", 78077248},
	{"chr19", 59128983},
	{"chr20", 63025520},
	{"chr21", 48129895},
	{"chr22", 51304566},
	{"chrX", 155270560},
	{"chrY", 59373566},
	{"chrM", 16571},
}

var mm10 = []Chrom{
	{"chr1", 195471971},
	{"chr2", 182113224},
	{"chr3", 160039680},
	{"chr4", 156508116},
	{"chr5", 151834684},
	{"chr6", 149736546},
	{"chr7", 145441459},
	{"chr8", 129401213},
	{"chr9", 124595110},
	{"chr10", 130694993},
	{"chr11", 122082543},
	{"chr12", 120129022},
	{"chr13", 120421639},
	{"chr14", 124902244},
	{"chr15", 104043685},
	{"chr16", 98207768},
	{"chr17", 94987271},
	{"chr18", 90702639},
	{"chr19", 61431566},
	{"chrX", 171031299},
	{"chrY", 91744698},
	{"chrM", 16299},
}

var builtins = map[string][]Chrom{
	"hg38":   hg38,
	"GRCh38": hg38,
	"hg19":   hg19,
	"GRCh37": hg19,
	"mm10":   mm10,
	"GRCm38": mm10,
}
