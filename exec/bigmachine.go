// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/collect"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// Machine is an executor that computes chunks on bigmachine machines.
// Every chunk is sent to a machine's worker service, which computes
// it in a private scratch directory and copies the results to a
// shared results prefix. When every chunk is done, the prefix is
// merged into the output directory.
type Machine struct {
	// System is the bigmachine system on which machines are started.
	System bigmachine.System
	// Machines is the number of machines to start. It defaults to 1.
	Machines int
	// Parallelism is the number of chunks computed concurrently
	// across all machines. If it is less than 1, the runner's Cpus
	// option is used.
	Parallelism int
	// Results is the shared prefix, local or on S3, to which machines
	// copy their results. Every execution uses a fresh subdirectory.
	Results string
	// KeepResults retains the execution's results prefix after the
	// results were merged into the output directory.
	KeepResults bool
	// Status, if not nil, receives a task per machine.
	Status *status.Group
}

// Execute implements Executor.
func (m *Machine) Execute(ctx context.Context, r runner.Runner, tab *table.Table, outdir string) (*Result, error) {
	if m.Results == "" {
		return nil, errors.E(errors.Invalid, "machine: no results prefix")
	}
	pending, report, err := runner.Pending(ctx, r, tab, outdir)
	if err != nil {
		return nil, err
	}
	res := &Result{Run: report, Counters: make(stats.Values)}
	if pending.Len() == 0 {
		res.Sanity, err = collect.Check(ctx, outdir, r.ResultMarkerName(), report.Units)
		return res, err
	}
	parallelism := m.Parallelism
	if parallelism < 1 {
		parallelism = r.Options().Cpus
	}
	plan, err := chunk.New(pending.Len(), parallelism, r.ChunkSize)
	if err != nil {
		return nil, err
	}
	res.Plan, report.Plan = plan, plan
	payload, err := runner.Encode(r)
	if err != nil {
		return nil, err
	}

	b := bigmachine.Start(m.System)
	defer b.Shutdown()
	machines, err := m.start(ctx, b)
	if err != nil {
		return nil, err
	}

	prefix := file.Join(m.Results, uuid.New().String())
	log.Printf("machine: computing %s on %d machines; results prefix %s", plan, len(machines), prefix)
	var (
		lim = limiter.New()
		mu  sync.Mutex
	)
	lim.Release(plan.Parallelism)
	report.Failed = nil
	err = traverse.Each(plan.Count, func(i int) error {
		if err := lim.Acquire(ctx, 1); err != nil {
			return err
		}
		defer lim.Release(1)
		rng := plan.Chunk(i)
		req := chunkRequest{
			Payload: payload,
			Header:  pending.Header,
			Rows:    pending.Rows[rng.Start:rng.End],
			Results: prefix,
		}
		var (
			reply   chunkReply
			machine = machines[i%len(machines)]
		)
		if err := machine.Call(ctx, "Worker.Run", req, &reply); err != nil {
			return errors.E(fmt.Sprintf("machine %s: chunk %d %s", machine.Addr, i, rng), err)
		}
		mu.Lock()
		report.Executed += reply.Report.Executed
		report.Failed = append(report.Failed, reply.Report.Failed...)
		res.Counters.Add(reply.Counters)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(report.Failed)

	if res.Collected, err = collect.Copy(ctx, prefix, outdir); err != nil {
		return nil, err
	}
	if res.Sanity, err = collect.Check(ctx, outdir, r.ResultMarkerName(), report.Units); err != nil {
		return nil, err
	}
	if m.KeepResults {
		res.WorkDir = prefix
	} else {
		removePrefix(ctx, prefix)
	}
	log.Printf("machine: %s", res)
	return res, nil
}

// start starts the executor's machines and waits for them to boot.
func (m *Machine) start(ctx context.Context, b *bigmachine.B) ([]*bigmachine.Machine, error) {
	n := m.Machines
	if n < 1 {
		n = 1
	}
	machines, err := b.Start(ctx, n, bigmachine.Services{"Worker": &worker{}})
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, machine := range machines {
		machine := machine
		var task *status.Task
		if m.Status != nil {
			task = m.Status.Start()
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-machine.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := machine.Err(); err != nil {
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return errors.E(errors.Unavailable, fmt.Sprintf("machine %s failed to start", machine.Addr), err)
			}
			if task != nil {
				task.Title(machine.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", machine.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return machines, nil
}

func removePrefix(ctx context.Context, prefix string) {
	lst := file.List(ctx, prefix, true)
	for lst.Scan() {
		if err := file.Remove(ctx, lst.Path()); err != nil {
			log.Debug.Printf("machine: remove %s: %v", lst.Path(), err)
		}
	}
	if err := lst.Err(); err != nil {
		log.Debug.Printf("machine: list %s: %v", prefix, err)
	}
}

type chunkRequest struct {
	Payload []byte
	Header  []string
	Rows    [][]string
	Results string
}

type chunkReply struct {
	Report   runner.Report
	Counters stats.Values
	Copied   collect.Summary
}

// Worker is the bigmachine service that computes chunks.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	scratch string
}

func (w *worker) Init(b *bigmachine.B) error {
	dir, err := ioutil.TempDir("", "bigrow")
	if err != nil {
		return err
	}
	w.scratch = dir
	return nil
}

// Run computes the rows of a chunk and copies the results to the
// request's results prefix.
func (w *worker) Run(ctx context.Context, req chunkRequest, reply *chunkReply) error {
	r, err := runner.Decode(req.Payload)
	if err != nil {
		return err
	}
	tab, err := table.New(req.Header, req.Rows)
	if err != nil {
		return err
	}
	dir, err := ioutil.TempDir(w.scratch, "chunk")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir) // nolint: errcheck
	counters := stats.NewMap()
	report, err := runner.Run(ctx, r, tab, dir, 0, counters)
	if err != nil {
		return err
	}
	copied, err := collect.Copy(ctx, dir, req.Results)
	if err != nil {
		return err
	}
	reply.Report = *report
	reply.Counters = counters.Snapshot()
	reply.Copied = copied
	return nil
}
