// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunk partitions input tables into contiguous row ranges
// that are assigned to workers or job array tasks.
package chunk

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
)

// ErrEmptyInput is returned when a plan is requested for a table
// without rows.
var ErrEmptyInput = errors.E(errors.Invalid, "chunk: empty input: nothing to schedule")

// A Policy computes the chunk size for a table of the given number of
// rows processed with the given parallelism. Both arguments are
// positive.
type Policy func(rows, parallelism int) int

// Default is the default chunk size policy: every worker receives
// about four chunks, which keeps workers busy when rows vary in cost.
func Default(rows, parallelism int) int {
	return ceil(rows, 4*parallelism)
}

// Capped returns a policy that uses chunks of max rows regardless of
// parallelism. It is suited to tasks whose per-row cost is high enough
// that large chunks would starve other jobs on the scheduler.
func Capped(max int) Policy {
	return func(rows, parallelism int) int {
		if rows < max {
			return rows
		}
		return max
	}
}

// A Range is a zero-based, half-open range of rows.
type Range struct {
	Start, End int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// A Plan describes the partitioning of a table into chunks. Chunks
// cover the table's rows exactly once, in order; all chunks but the
// last have Size rows.
type Plan struct {
	// Rows is the number of rows in the table.
	Rows int
	// Parallelism is the effective parallelism the plan was computed
	// for.
	Parallelism int
	// Size is the number of rows per chunk.
	Size int
	// Count is the number of chunks.
	Count int
}

// New computes a plan for a table with the provided number of rows.
// Parallelism is clamped to [1, rows] and the chunk size returned by
// the policy to [1, rows]. New returns ErrEmptyInput if rows is 0.
func New(rows, parallelism int, policy Policy) (Plan, error) {
	if rows < 0 {
		return Plan{}, errors.E(errors.Invalid, fmt.Sprintf("chunk: negative row count %d", rows))
	}
	if rows == 0 {
		return Plan{}, ErrEmptyInput
	}
	if policy == nil {
		policy = Default
	}
	parallelism = clamp(parallelism, 1, rows)
	size := clamp(policy(rows, parallelism), 1, rows)
	p := Plan{
		Rows:        rows,
		Parallelism: parallelism,
		Size:        size,
		Count:       ceil(rows, size),
	}
	must.True(p.Count <= p.Rows, p)
	must.True(p.Count*p.Size >= p.Rows, p)
	return p, nil
}

// Chunk returns the row range of the i'th chunk, 0 <= i < Count.
func (p Plan) Chunk(i int) Range {
	if i < 0 || i >= p.Count {
		panic(fmt.Sprintf("chunk.Plan.Chunk: chunk %d out of range [0, %d)", i, p.Count))
	}
	r := Range{Start: i * p.Size, End: (i + 1) * p.Size}
	if r.End > p.Rows {
		r.End = p.Rows
	}
	return r
}

// Chunks returns all of the plan's chunks in order.
func (p Plan) Chunks() []Range {
	chunks := make([]Range, p.Count)
	for i := range chunks {
		chunks[i] = p.Chunk(i)
	}
	return chunks
}

// Lines returns the inclusive, one-based range of lines in a
// tab-separated file with a header line that holds the rows of the
// given job array task. Tasks are numbered from 1, as they are by the
// scheduler.
func (p Plan) Lines(task int) (first, last int) {
	r := p.Chunk(task - 1)
	return r.Start + 2, r.End + 1
}

func (p Plan) String() string {
	return fmt.Sprintf("%d rows in %d chunks of %d (parallelism %d)", p.Rows, p.Count, p.Size, p.Parallelism)
}

func ceil(n, d int) int {
	return (n + d - 1) / d
}

func clamp(x, lo, hi int) int {
	switch {
	case x < lo:
		return lo
	case x > hi:
		return hi
	}
	return x
}
