// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrow/artifact"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
)

// RunTask computes one input slice of a remote execution: it restores
// the runner from the payload file, relocates its shared index to the
// node-local copy staged by the preparation script, if any, and runs
// it over the rows of the input file, writing results under outdir.
// RunTask is the entry point of the driver script.
func RunTask(ctx context.Context, payload, input, outdir string) (*runner.Report, error) {
	r, err := runner.ReadPayload(ctx, payload)
	if err != nil {
		return nil, err
	}
	if index := os.Getenv(artifact.SharedIndexEnv); index != "" && r.NeedsSharedIndex() {
		log.Printf("using node-local index %s", index)
		r = r.WithSharedIndex(index)
	}
	tab, err := table.Read(ctx, input)
	if err != nil {
		return nil, err
	}
	counters := stats.NewMap()
	report, err := runner.Run(ctx, r, tab, outdir, 0, counters)
	if err != nil {
		return nil, err
	}
	log.Printf("task %s: %s (%s)", input, report, counters.Snapshot())
	return report, nil
}
