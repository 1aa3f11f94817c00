// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*Package cellmatrix implements a recordio-based file format for sparse
  cell-by-feature count matrices together with per-cell annotations (the
  "obs" table).

  A cell matrix file contains, in order:

  - recordio header entries describing the schema: the modality ("rna",
    "atac", ...), the ordered feature names, and the ordered obs column
    names.

  - one record per cell: the cell barcode, one text value per obs column
    (empty means missing), and the cell's nonzero counts as (feature index,
    count) pairs with strictly increasing feature indexes.

  - a trailer that records the number of cells and stored counts.

  Files are meant to be streamed. Open reads only the header and trailer;
  cells are decoded one at a time by Reader.Scan. Concat appends any number of
  files with the same feature axis into one file while keeping at most one cell
  in memory. Load reads a whole file into memory for small inputs and tests.

  Example:
    w, err := cellmatrix.Create(ctx, "out.cmx", cellmatrix.Schema{
      Modality:   cellmatrix.RNA,
      Features:   []string{"GAPDH", "ACTB"},
      ObsColumns: []string{"total_counts"},
    })
    ...
    w.Append(&cellmatrix.Cell{Barcode: "AAAC-1", Obs: []string{"12"},
      Indices: []uint32{0, 1}, Counts: []uint32{5, 7}})
    err = w.Close(ctx)
*/
package cellmatrix
