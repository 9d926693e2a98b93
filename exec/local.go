// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow/collect"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
)

// Local is an executor that computes units in-process with a pool of
// workers, each invoking one external tool at a time.
type Local struct {
	// Parallelism is the number of workers. If it is less than 1, the
	// runner's Cpus option is used.
	Parallelism int
	// Counters, if not nil, receives the execution's counters.
	Counters *stats.Map
	// Status, if not nil, receives a task describing the execution.
	Status *status.Group
}

// Execute implements Executor.
func (l *Local) Execute(ctx context.Context, r runner.Runner, tab *table.Table, outdir string) (*Result, error) {
	var task *status.Task
	if l.Status != nil {
		task = l.Status.Start("local " + r.Name())
		task.Print("computing")
		defer task.Done()
	}
	counters := l.Counters
	if counters == nil {
		counters = stats.NewMap()
	}
	report, err := runner.Run(ctx, r, tab, outdir, l.Parallelism, counters)
	if err != nil {
		if task != nil {
			task.Printf("failed: %v", err)
		}
		return nil, err
	}
	res := &Result{Plan: report.Plan, Run: report, Counters: counters.Snapshot()}
	if res.Sanity, err = collect.Check(ctx, outdir, r.ResultMarkerName(), report.Units); err != nil {
		return nil, err
	}
	if task != nil {
		task.Print(res)
	}
	return res, nil
}
