// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fragments reads ATAC-seq fragment files, as produced by cellranger-atac
// and similar pipelines.
//
// A fragment file is a tab-separated table with one line per fragment:
//
//   chrom  start  end  barcode  count
//
// start is 0-based and end is exclusive. count is the number of read pairs
// that collapsed to the fragment (i.e., one plus the number of PCR
// duplicates). Lines starting with '#' are comments. The file may be
// uncompressed, gzip compressed, or BGZF compressed; the format is detected
// from the content.
package fragments

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/klauspost/compress/gzip"
)

// Fragment is one line of a fragment file.
type Fragment struct {
	Chrom   string
	Start   int64
	End     int64
	Barcode string
	Count   int64
}

// Compression identifies the encoding of a fragment file.
type Compression int

const (
	// Plain is an uncompressed file.
	Plain Compression = iota
	// Gzip is a plain gzip file.
	Gzip
	// BGZF is a blocked gzip file, as written by bgzip.
	BGZF
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case BGZF:
		return "bgzf"
	}
	return "plain"
}

// numFields is the number of columns of a fragment line.
const numFields = 5

var gzipMagic = []byte{0x1f, 0x8b}

// detect guesses the compression from the first bytes of a file. A BGZF
// block is a gzip member with the FEXTRA flag and a "BC" extra subfield.
func detect(head []byte) Compression {
	if len(head) < 2 || !bytes.Equal(head[:2], gzipMagic) {
		return Plain
	}
	if len(head) >= 14 && head[3]&0x04 != 0 && head[12] == 'B' && head[13] == 'C' {
		return BGZF
	}
	return Gzip
}

// Reader reads fragments sequentially.
//
// Example:
//   r, err := fragments.Open(ctx, "fragments.tsv.gz")
//   ...
//   for r.Scan() {
//     f := r.Fragment()
//     ...
//   }
//   err = r.Close(ctx)
type Reader struct {
	path        string
	in          file.File // nil if created by NewReader.
	decoder     io.Closer // nil if uncompressed.
	compression Compression
	tsv         *tsv.Reader
	line        int
	frag        Fragment
	err         error
}

// Open opens the fragment file at path.
func Open(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	r, err := NewReader(in.Reader(ctx))
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(err, path)
	}
	r.path = path
	r.in = in
	return r, nil
}

// NewReader creates a reader that parses fragments from in.
func NewReader(in io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(in, 1<<16)
	head, err := br.Peek(16)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	r := &Reader{path: "(reader)", compression: detect(head)}
	var body io.Reader = br
	switch r.compression {
	case BGZF:
		bz, err := bgzf.NewReader(br, 1)
		if err != nil {
			return nil, err
		}
		r.decoder, body = bz, bz
	case Gzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		r.decoder, body = gz, gz
	}
	r.tsv = tsv.NewReader(bufio.NewReaderSize(body, 1<<16))
	r.tsv.Comment = '#'
	r.tsv.FieldsPerRecord = numFields
	return r, nil
}

// Compression reports the detected encoding of the file.
func (r *Reader) Compression() Compression { return r.compression }

// Scan reads the next fragment. It returns false on EOF or error.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	var row struct {
		Chrom   string
		Start   int64
		End     int64
		Barcode string
		Count   int64
	}
	if err := r.tsv.Read(&row); err != nil {
		if err != io.EOF {
			r.err = errors.E(errors.Invalid, fmt.Sprintf("%s: fragment %d", r.path, r.line+1), err)
		}
		return false
	}
	r.line++
	if row.Start < 0 || row.End <= row.Start {
		r.err = errors.E(errors.Invalid,
			fmt.Sprintf("%s: fragment %d: invalid interval [%d,%d)", r.path, r.line, row.Start, row.End))
		return false
	}
	if row.Barcode == "" {
		r.err = errors.E(errors.Invalid, fmt.Sprintf("%s: fragment %d: empty barcode", r.path, r.line))
		return false
	}
	if row.Count < 1 {
		r.err = errors.E(errors.Invalid,
			fmt.Sprintf("%s: fragment %d: invalid count %d", r.path, r.line, row.Count))
		return false
	}
	r.frag = Fragment(row)
	return true
}

// Fragment returns the fragment read by the last successful Scan.
func (r *Reader) Fragment() Fragment { return r.frag }

// NumFragments returns the number of fragments read so far.
func (r *Reader) NumFragments() int { return r.line }

// Err returns the error encountered by Scan, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the resources. It must be called exactly once.
func (r *Reader) Close(ctx context.Context) error {
	var err error
	if r.decoder != nil {
		err = r.decoder.Close()
	}
	if r.in != nil {
		if e := r.in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}
