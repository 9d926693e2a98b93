// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the executors that compute a row workload:
// Local runs the workload in-process with a pool of workers;
// Dispatcher submits it as a job array to a batch scheduler; and
// Machine runs it on a cluster of bigmachine machines. Every executor
// blocks until the workload is drained, leaves one result directory
// per unit under the output directory, and checks the output
// directory for completeness.
package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/collect"
	"github.com/grailbio/bigrow/internal/markercache"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
)

// An Executor computes every row of a table with a runner, writing
// results under an output directory.
type Executor interface {
	Execute(ctx context.Context, r runner.Runner, tab *table.Table, outdir string) (*Result, error)
}

// Result is the outcome of an execution.
type Result struct {
	// Plan is the chunk plan of the computed units.
	Plan chunk.Plan
	// Run summarizes the units of the execution.
	Run *runner.Report
	// Collected summarizes the results merged into the output
	// directory by remote executions.
	Collected collect.Summary
	// Sanity is the completeness check of the output directory.
	Sanity collect.Report
	// Counters holds the counters of the computations made in-process
	// or on machines. Remote job arrays report theirs in the task logs.
	Counters stats.Values
	// WorkDir is the retained working directory of a remote
	// execution, if any.
	WorkDir string
}

func (r *Result) String() string {
	if len(r.Counters) == 0 {
		return fmt.Sprintf("%s; %s", r.Run, r.Sanity)
	}
	return fmt.Sprintf("%s; %s (%s)", r.Run, r.Sanity, r.Counters)
}

// outcome fills in the Executed and Failed fields of a report from the
// result markers present in outdir after the pending rows of a remote
// execution were computed.
func outcome(ctx context.Context, r runner.Runner, pending *table.Table, outdir string, report *runner.Report) error {
	units, _, err := runner.Units(r, pending)
	if err != nil {
		return err
	}
	keys := make([]string, len(units))
	for i := range units {
		keys[i] = units[i].Key
	}
	cache := markercache.New(ctx, outdir, r.ResultMarkerName(), keys)
	report.Executed = cache.Len()
	report.Failed = nil
	for i, key := range keys {
		if !cache.IsCached(i) {
			report.Failed = append(report.Failed, key)
		}
	}
	return nil
}
