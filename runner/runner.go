// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runner defines the task types that bigrow distributes. A
// Runner describes how one row of an input table is turned into one
// invocation of an external tool: which columns the table must carry,
// which command line is run, where the result is written, and how large
// the chunks of rows handed to a single worker should be.
//
// Runners are immutable values. They are shipped to remote workers as
// versioned YAML payloads (see Encode and Decode), never as code.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrow/invoke"
	"github.com/grailbio/bigrow/table"
)

// Columns used by single-structure and pairwise runners.
var (
	SingleColumns = []string{"id", "structure_path"}
	PairColumns   = []string{"id1", "structure_path1", "id2", "structure_path2"}
)

// Options are the execution options shared by all runners.
type Options struct {
	// Cpus is the number of units a runner computes concurrently when
	// run directly. Values below 1 are treated as 1.
	Cpus int `yaml:"cpus"`
	// Strict aborts the run on the first failing tool invocation.
	// Otherwise failures are recorded per unit and the run continues.
	Strict bool `yaml:"strict"`
}

// A Unit is one unit of work: a single external tool invocation.
type Unit struct {
	// Key identifies the unit's results. It names the unit's output
	// directory and is unique among the units of a run.
	Key string
	// Inputs are the unit's input paths.
	Inputs []string
	// IDs are the row identifiers the unit was derived from.
	IDs []string
}

// Artifact describes the result of computing a unit.
type Artifact struct {
	Key string
	// Dir is the unit's output directory.
	Dir string
	// Marker is the path of the unit's result marker file.
	Marker string
	// Result is the tool invocation's result.
	Result *invoke.Result
}

// Runner is the interface implemented by every task type.
type Runner interface {
	// Name returns the runner's kind, under which it is registered.
	Name() string
	// RequiredColumns returns the columns an input table must carry.
	RequiredColumns() []string
	// ChunkSize returns the number of rows per chunk for a table of
	// the given size processed with the given parallelism.
	ChunkSize(rows, parallelism int) int
	// NeedsSharedIndex tells whether the runner reads a shared lookup
	// index that should be staged onto worker-local storage.
	NeedsSharedIndex() bool
	// SharedIndex returns the path of the runner's shared index, or ""
	// if it does not use one.
	SharedIndex() string
	// WithSharedIndex returns a copy of the runner that reads its
	// shared index from the provided path.
	WithSharedIndex(path string) Runner
	// ResultMarkerName returns the name of the file whose presence
	// marks a unit as computed.
	ResultMarkerName() string
	// Unit returns the unit of work for the provided row.
	Unit(row table.Row) (Unit, error)
	// ExecuteOne computes the provided unit with the invoker, writing
	// its results under outdir/<unit key>/. ExecuteOne returns an
	// errors.Integrity error if the tool exits successfully without
	// producing the result marker.
	ExecuteOne(ctx context.Context, inv invoke.Invoker, u Unit, outdir string) (*Artifact, error)
	// Options returns the runner's execution options.
	Options() Options
}

// singleUnit returns the unit of a single-structure row.
func singleUnit(row table.Row) (Unit, error) {
	id, path := row.Get("id"), row.Get("structure_path")
	if err := checkKey(id); err != nil {
		return Unit{}, err
	}
	return Unit{Key: id, Inputs: []string{path}, IDs: []string{id}}, nil
}

// pairUnit returns the unit of a pairwise row.
func pairUnit(row table.Row) (Unit, error) {
	id1, id2 := row.Get("id1"), row.Get("id2")
	if err := checkKey(id1); err != nil {
		return Unit{}, err
	}
	if err := checkKey(id2); err != nil {
		return Unit{}, err
	}
	return Unit{
		Key:    id1 + "_" + id2,
		Inputs: []string{row.Get("structure_path1"), row.Get("structure_path2")},
		IDs:    []string{id1, id2},
	}, nil
}

// checkKey rejects identifiers that cannot name an output directory.
func checkKey(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return errors.E(errors.Invalid, fmt.Sprintf("runner: invalid identifier %q", id))
	case strings.ContainsRune(id, '/'):
		return errors.E(errors.Invalid, fmt.Sprintf("runner: identifier %q contains a path separator", id))
	}
	return nil
}

// absPath resolves p against the working directory, so that tools
// never depend on the directory they are run in.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// unitDir creates and returns the output directory of unit u.
func unitDir(outdir string, u Unit) (string, error) {
	dir := filepath.Join(absPath(outdir), u.Key)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", err
	}
	return dir, nil
}

// checkMarker returns an artifact for a successful invocation, or an
// errors.Integrity error if the marker was not produced.
func checkMarker(r Runner, u Unit, dir string, res *invoke.Result) (*Artifact, error) {
	art := &Artifact{Key: u.Key, Dir: dir, Marker: filepath.Join(dir, r.ResultMarkerName()), Result: res}
	if !res.OK() {
		return art, nil
	}
	if _, err := os.Stat(art.Marker); err != nil {
		return art, errors.E(errors.Integrity,
			fmt.Sprintf("runner %s: unit %s: %s exited successfully without writing %s",
				r.Name(), u.Key, res.Args[0], r.ResultMarkerName()))
	}
	return art, nil
}

func ftoa(f float64) string {
	return fmt.Sprint(f)
}
