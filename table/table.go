// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package table implements the row-oriented input tables consumed by
// bigrow runners. Tables are read from and written to tab-separated
// files with a mandatory header row. Row order is significant: it
// determines chunk assignment, and it is preserved by every operation
// in this package.
package table

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// A Table is an ordered collection of rows sharing a header.
type Table struct {
	// Header contains the column names.
	Header []string
	// Rows contains the table's rows; each row has len(Header) fields.
	Rows [][]string

	index map[string]int
}

// New returns a new table with the provided header and rows. New
// returns an errors.Invalid error if the header contains duplicate
// or empty column names, or if a row's width differs from the
// header's.
func New(header []string, rows [][]string) (*Table, error) {
	index := make(map[string]int, len(header))
	for i, col := range header {
		if col == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("table: empty column name at position %d", i))
		}
		if _, ok := index[col]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("table: duplicate column %q", col))
		}
		index[col] = i
	}
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("table: row %d has %d fields, header has %d", i+1, len(row), len(header)))
		}
	}
	return &Table{Header: header, Rows: rows, index: index}, nil
}

// Len returns the number of rows in the table.
func (t *Table) Len() int { return len(t.Rows) }

// Row returns the i'th row of the table.
func (t *Table) Row(i int) Row {
	return Row{t: t, fields: t.Rows[i]}
}

// Has tells whether the table has the named column.
func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// Require returns an errors.Invalid error naming every column in cols
// that is missing from the table.
func (t *Table) Require(cols ...string) error {
	var missing []string
	for _, col := range cols {
		if !t.Has(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.E(errors.Invalid,
		fmt.Sprintf("table: missing mandatory columns %s (have %s)",
			strings.Join(missing, ", "), strings.Join(t.Header, ", ")))
}

// Dedup returns a table that retains only the first occurrence of each
// distinct tuple of values in the named columns, together with the
// number of rows that were dropped. Row order is otherwise preserved.
// If no columns are given, whole rows are compared.
func (t *Table) Dedup(cols ...string) (*Table, int, error) {
	if err := t.Require(cols...); err != nil {
		return nil, 0, err
	}
	idx := make([]int, len(cols))
	for i, col := range cols {
		idx[i] = t.index[col]
	}
	var (
		seen = make(map[string]bool, len(t.Rows))
		rows = make([][]string, 0, len(t.Rows))
		key  strings.Builder
	)
	for _, row := range t.Rows {
		key.Reset()
		if len(idx) == 0 {
			writeKey(&key, row)
		} else {
			for _, j := range idx {
				writeField(&key, row[j])
			}
		}
		k := key.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		rows = append(rows, row)
	}
	return &Table{Header: t.Header, Rows: rows, index: t.index}, len(t.Rows) - len(rows), nil
}

// Slice returns the table restricted to the half-open row range
// [start, end). The returned table shares storage with t.
func (t *Table) Slice(start, end int) *Table {
	if start < 0 || end > len(t.Rows) || start > end {
		panic(fmt.Sprintf("table.Slice: invalid range [%d, %d) for %d rows", start, end, len(t.Rows)))
	}
	return &Table{Header: t.Header, Rows: t.Rows[start:end], index: t.index}
}

// Fingerprint returns a hash of the table's header and rows, in order.
// Tables with equal fingerprints are, with high probability, equal.
func (t *Table) Fingerprint() uint64 {
	h := murmur3.New64()
	var b strings.Builder
	writeKey(&b, t.Header)
	io.WriteString(h, b.String())
	for _, row := range t.Rows {
		b.Reset()
		writeKey(&b, row)
		io.WriteString(h, b.String())
	}
	return h.Sum64()
}

// Columns returns the table's column names in sorted order.
func (t *Table) Columns() []string {
	cols := append([]string{}, t.Header...)
	sort.Strings(cols)
	return cols
}

func writeKey(b *strings.Builder, fields []string) {
	for _, f := range fields {
		writeField(b, f)
	}
	b.WriteByte('\n')
}

// writeField writes a length-prefixed field so that keys built from
// different field splits never collide.
func writeField(b *strings.Builder, f string) {
	fmt.Fprintf(b, "%d:%s", len(f), f)
}

// A Row is a single row of a table.
type Row struct {
	t      *Table
	fields []string
}

// Get returns the value of the named column. Get panics if the column
// does not exist; callers should validate tables with Require first.
func (r Row) Get(col string) string {
	i, ok := r.t.index[col]
	if !ok {
		panic(fmt.Sprintf("table.Row.Get: no column %q", col))
	}
	return r.fields[i]
}

// Fields returns the row's values in header order.
func (r Row) Fields() []string { return r.fields }

// Read reads a table from the tab-separated file at path. The path
// may be any path or URL supported by github.com/grailbio/base/file.
func Read(ctx context.Context, path string) (tab *Table, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	tab, err = ReadFrom(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("table.Read %s", path), err)
	}
	return tab, nil
}

// ReadFrom reads a tab-separated table from r. The first record is
// the header.
func ReadFrom(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.E(errors.Invalid, "table: missing header row")
	}
	if err != nil {
		return nil, errors.E(errors.Invalid, "table: reading header", err)
	}
	var rows [][]string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, "table: reading rows", err)
		}
		rows = append(rows, row)
	}
	return New(header, rows)
}

// Write writes the table as a tab-separated file with a header row to
// path.
func (t *Table) Write(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err = t.WriteTSV(f.Writer(ctx)); err != nil {
		f.Close(ctx)
		return errors.E(fmt.Sprintf("table.Write %s", path), err)
	}
	return f.Close(ctx)
}

// WriteTSV writes the table in tab-separated form to w. Every row is
// written to exactly one line, so that line ranges of the output map
// directly to row ranges; values containing line breaks are rejected.
func (t *Table) WriteTSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := checkLine(t.Header); err != nil {
		return err
	}
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := checkLine(row); err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func checkLine(fields []string) error {
	for _, f := range fields {
		if strings.ContainsAny(f, "\r\n") {
			return errors.E(errors.Invalid, fmt.Sprintf("table: value %q contains a line break", f))
		}
	}
	return nil
}
