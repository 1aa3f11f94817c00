// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/multiome/cellmeta"
	"github.com/grailbio/multiome/encoding/cellmatrix"
)

// viewSchema prints the axes of the cell matrix at path as key-value lines.
func viewSchema(ctx context.Context, out io.Writer, path string) (err error) {
	r, err := cellmatrix.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	schema := r.Schema()
	w := tsv.NewWriter(out)
	for _, kv := range [][2]string{
		{"modality", schema.Modality},
		{"cells", strconv.FormatInt(r.NumCells(), 10)},
		{"nonzero", strconv.FormatInt(r.NumNonzero(), 10)},
		{"features", strconv.Itoa(len(schema.Features))},
		{"obs", strings.Join(schema.ObsColumns, ",")},
	} {
		w.WriteString(kv[0])
		w.WriteString(kv[1])
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// viewObs prints the obs annotations of the cell matrix at path as a TSV
// table in the format of cellmeta.WriteTSV.
func viewObs(ctx context.Context, out io.Writer, path string) (err error) {
	r, err := cellmatrix.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	obs, err := r.Obs()
	if err != nil {
		return err
	}
	t, err := cellmeta.FromObs(obs)
	if err != nil {
		return err
	}
	return cellmeta.WriteTSV(out, t)
}
