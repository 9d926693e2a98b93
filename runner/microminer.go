// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"strconv"

	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/invoke"
	"github.com/grailbio/bigrow/table"
)

// Result markers written by MicroMiner.
const (
	StatisticMarker = "resultStatistic.csv"
	PrefilterMarker = "prefilterResult.tsv"
)

// PairChunkSize is the maximum chunk size of pairwise runners.
const PairChunkSize = 50

// Params are the algorithm parameters passed to MicroMiner searches
// and site alignments.
type Params struct {
	// Threads is the number of threads used by one tool invocation.
	Threads                int     `yaml:"threads"`
	SiteRadius             float64 `yaml:"site_radius"`
	Identity               float64 `yaml:"identity"`
	FragmentLength         int     `yaml:"fragment_length"`
	FlexibilitySensitivity float64 `yaml:"flexibility_sensitivity"`
	KmerMatchingRate       float64 `yaml:"kmer_matching_rate"`
}

// DefaultParams are the parameters MicroMiner is run with unless
// configured otherwise.
var DefaultParams = Params{
	Threads:                1,
	SiteRadius:             6.5,
	Identity:               0.95,
	FragmentLength:         9,
	FlexibilitySensitivity: 0.6,
	KmerMatchingRate:       0.5,
}

func (p Params) siteArgs() []string {
	return []string{
		"--cpus", strconv.Itoa(p.Threads),
		"--site_radius", ftoa(p.SiteRadius),
		"--identity", ftoa(p.Identity),
		"--fragment_length", strconv.Itoa(p.FragmentLength),
		"--flexibility_sensitivity", ftoa(p.FlexibilitySensitivity),
	}
}

// Search runs MicroMiner searches of single query structures against
// a k-mer site index.
type Search struct {
	Executable string `yaml:"executable"`
	// Index is the path of the site search index.
	Index string `yaml:"index"`

	Params Params `yaml:"params"`

	// Mode and Representation select the search mode and structure
	// representation; empty values use the tool's defaults.
	Mode           string `yaml:"mode,omitempty"`
	Representation string `yaml:"representation,omitempty"`

	Opts Options `yaml:"options"`
}

func (s *Search) Name() string                     { return "search" }
func (s *Search) RequiredColumns() []string        { return SingleColumns }
func (s *Search) ChunkSize(rows, p int) int        { return chunk.Default(rows, p) }
func (s *Search) NeedsSharedIndex() bool           { return true }
func (s *Search) SharedIndex() string              { return s.Index }
func (s *Search) ResultMarkerName() string         { return StatisticMarker }
func (s *Search) Options() Options                 { return s.Opts }
func (s *Search) Unit(row table.Row) (Unit, error) { return singleUnit(row) }

func (s *Search) WithSharedIndex(path string) Runner {
	c := *s
	c.Index = path
	return &c
}

// Args returns the command line for computing unit u into dir.
func (s *Search) Args(u Unit, dir string) []string {
	args := []string{
		s.Executable, "search",
		"-q", absPath(u.Inputs[0]),
		"-s", absPath(s.Index),
		"-o", dir,
	}
	args = append(args, s.Params.siteArgs()...)
	args = append(args, "--kmer_matching_rate", ftoa(s.Params.KmerMatchingRate))
	if s.Mode != "" {
		args = append(args, "--mode", s.Mode)
	}
	if s.Representation != "" {
		args = append(args, "--representation", s.Representation)
	}
	return args
}

func (s *Search) ExecuteOne(ctx context.Context, inv invoke.Invoker, u Unit, outdir string) (*Artifact, error) {
	dir, err := unitDir(outdir, u)
	if err != nil {
		return nil, err
	}
	res, err := inv.Run(ctx, "MicroMiner search "+u.Key, s.Args(u, dir)...)
	if err != nil {
		return nil, err
	}
	return checkMarker(s, u, dir, res)
}

// PairAlign runs MicroMiner site alignments of structure pairs.
type PairAlign struct {
	Executable string  `yaml:"executable"`
	Params     Params  `yaml:"params"`
	Opts       Options `yaml:"options"`
}

func (p *PairAlign) Name() string                     { return "pair" }
func (p *PairAlign) RequiredColumns() []string        { return PairColumns }
func (p *PairAlign) ChunkSize(rows, n int) int        { return chunk.Capped(PairChunkSize)(rows, n) }
func (p *PairAlign) NeedsSharedIndex() bool           { return false }
func (p *PairAlign) SharedIndex() string              { return "" }
func (p *PairAlign) WithSharedIndex(string) Runner    { return p }
func (p *PairAlign) ResultMarkerName() string         { return StatisticMarker }
func (p *PairAlign) Options() Options                 { return p.Opts }
func (p *PairAlign) Unit(row table.Row) (Unit, error) { return pairUnit(row) }

// Args returns the command line for computing unit u into dir.
func (p *PairAlign) Args(u Unit, dir string) []string {
	args := []string{
		p.Executable, "site_align",
		"-q", absPath(u.Inputs[0]),
		"-t", absPath(u.Inputs[1]),
		"-o", dir,
	}
	return append(args, p.Params.siteArgs()...)
}

func (p *PairAlign) ExecuteOne(ctx context.Context, inv invoke.Invoker, u Unit, outdir string) (*Artifact, error) {
	dir, err := unitDir(outdir, u)
	if err != nil {
		return nil, err
	}
	res, err := inv.Run(ctx, "MicroMiner site_align "+u.Key, p.Args(u, dir)...)
	if err != nil {
		return nil, err
	}
	return checkMarker(p, u, dir, res)
}

// Prefilter runs the MicroMiner prefilter stage of single query
// structures against a k-mer site index.
type Prefilter struct {
	Executable string  `yaml:"executable"`
	Index      string  `yaml:"index"`
	Opts       Options `yaml:"options"`
}

func (p *Prefilter) Name() string                     { return "prefilter" }
func (p *Prefilter) RequiredColumns() []string        { return SingleColumns }
func (p *Prefilter) ChunkSize(rows, n int) int        { return chunk.Default(rows, n) }
func (p *Prefilter) NeedsSharedIndex() bool           { return true }
func (p *Prefilter) SharedIndex() string              { return p.Index }
func (p *Prefilter) ResultMarkerName() string         { return PrefilterMarker }
func (p *Prefilter) Options() Options                 { return p.Opts }
func (p *Prefilter) Unit(row table.Row) (Unit, error) { return singleUnit(row) }

func (p *Prefilter) WithSharedIndex(path string) Runner {
	c := *p
	c.Index = path
	return &c
}

// Args returns the command line for computing unit u into dir.
func (p *Prefilter) Args(u Unit, dir string) []string {
	return []string{
		p.Executable, "prefilter",
		"-q", absPath(u.Inputs[0]),
		"-s", absPath(p.Index),
		"-o", dir,
	}
}

func (p *Prefilter) ExecuteOne(ctx context.Context, inv invoke.Invoker, u Unit, outdir string) (*Artifact, error) {
	dir, err := unitDir(outdir, u)
	if err != nil {
		return nil, err
	}
	res, err := inv.Run(ctx, "MicroMiner prefilter "+u.Key, p.Args(u, dir)...)
	if err != nil {
		return nil, err
	}
	return checkMarker(p, u, dir, res)
}
