// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package atac

import "github.com/grailbio/multiome/genome"

// Opts controls Import.
type Opts struct {
	// ChromSizes is the chromosome-size table of the genome build the
	// fragments were aligned to. Its non-mitochondrial chromosomes form the
	// feature axis of the output. Required.
	ChromSizes *genome.ChromSizes

	// MinFragments drops cells with fewer unique non-mitochondrial fragments.
	// 0 keeps every barcode.
	MinFragments int

	// Modality is stored in the output file header. Defaults to
	// cellmatrix.ATAC.
	Modality string
}

// DefaultOpts sets the default values to Opts, except ChromSizes.
var DefaultOpts = Opts{
	MinFragments: 200, // snapatac2 import_data min_num_fragments
}
