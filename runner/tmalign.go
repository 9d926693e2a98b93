// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strconv"

	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/invoke"
	"github.com/grailbio/bigrow/table"
)

// GlobalAlignMarker is the file to which the captured standard output
// of TM-align is written.
const GlobalAlignMarker = "tmalign_stdout.txt"

// GlobalAlign runs TM-align global structure alignments of structure
// pairs.
type GlobalAlign struct {
	Executable string `yaml:"executable"`
	// Split is passed as TM-align's -split option.
	Split int `yaml:"split"`
	// Ter, if set, is passed as TM-align's -ter option.
	Ter *int `yaml:"ter,omitempty"`
	// Rotation writes the rotation matrix of every alignment.
	Rotation bool `yaml:"rotation"`
	// SkipSame skips pairs of identical identifiers and paths.
	SkipSame bool `yaml:"skip_same"`

	Opts Options `yaml:"options"`
}

func (g *GlobalAlign) Name() string                  { return "globalalign" }
func (g *GlobalAlign) RequiredColumns() []string     { return PairColumns }
func (g *GlobalAlign) NeedsSharedIndex() bool        { return false }
func (g *GlobalAlign) SharedIndex() string           { return "" }
func (g *GlobalAlign) WithSharedIndex(string) Runner { return g }
func (g *GlobalAlign) ResultMarkerName() string      { return GlobalAlignMarker }
func (g *GlobalAlign) Options() Options              { return g.Opts }

func (g *GlobalAlign) ChunkSize(rows, parallelism int) int {
	return chunk.Capped(PairChunkSize)(rows, parallelism)
}

// Unit returns the unit of the provided pairwise row. Rows that align
// a structure against itself are skipped, with a nil error and an
// empty key, when SkipSame is set.
func (g *GlobalAlign) Unit(row table.Row) (Unit, error) {
	u, err := pairUnit(row)
	if err != nil {
		return u, err
	}
	if g.SkipSame && u.IDs[0] == u.IDs[1] && u.Inputs[0] == u.Inputs[1] {
		return Unit{}, nil
	}
	return u, nil
}

// Args returns the command line for computing unit u into dir.
func (g *GlobalAlign) Args(u Unit, dir string) []string {
	args := []string{
		g.Executable,
		absPath(u.Inputs[0]),
		absPath(u.Inputs[1]),
		"-o", filepath.Join(dir, "superposition"),
		"-split", strconv.Itoa(g.Split),
	}
	if g.Rotation {
		args = append(args, "-m", filepath.Join(dir, u.Key+"_rotation"))
	}
	if g.Ter != nil {
		args = append(args, "-ter", strconv.Itoa(*g.Ter))
	}
	return args
}

func (g *GlobalAlign) ExecuteOne(ctx context.Context, inv invoke.Invoker, u Unit, outdir string) (*Artifact, error) {
	dir, err := unitDir(outdir, u)
	if err != nil {
		return nil, err
	}
	res, err := inv.Run(ctx, "TM-align "+u.Key, g.Args(u, dir)...)
	if err != nil {
		return nil, err
	}
	if res.OK() {
		if err := ioutil.WriteFile(filepath.Join(dir, GlobalAlignMarker), res.Stdout, 0644); err != nil {
			return nil, err
		}
	}
	return checkMarker(g, u, dir, res)
}
