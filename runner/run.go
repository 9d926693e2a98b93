// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/internal/markercache"
	"github.com/grailbio/bigrow/invoke"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
)

// Report summarizes a run.
type Report struct {
	// Units is the number of unique units in the input.
	Units int
	// Duplicates is the number of rows that were dropped because they
	// repeated an earlier row or unit.
	Duplicates int
	// Conflicts is the number of rows that were dropped because their
	// unit key was taken by an earlier unit with different identifiers
	// or inputs.
	Conflicts int
	// Skipped is the number of rows the runner chose not to compute.
	Skipped int
	// Cached is the number of units whose result marker already
	// existed.
	Cached int
	// Executed is the number of units that were computed successfully.
	Executed int
	// Failed lists the keys of the units whose computation failed, in
	// sorted order.
	Failed []string
	// Plan is the chunk plan of the computed units. It is the zero
	// Plan if every unit was cached.
	Plan chunk.Plan
}

func (r *Report) String() string {
	return fmt.Sprintf("units:%d duplicates:%d conflicts:%d skipped:%d cached:%d executed:%d failed:%d",
		r.Units, r.Duplicates, r.Conflicts, r.Skipped, r.Cached, r.Executed, len(r.Failed))
}

// Units validates tab against r's required columns, drops duplicate
// rows, and returns the table's unique units in row order. Rows that
// map to the key of an earlier unit are dropped as well; the first row
// wins. The returned report has its Units, Duplicates and Skipped
// fields populated. A table without rows yields chunk.ErrEmptyInput.
func Units(r Runner, tab *table.Table) ([]Unit, *Report, error) {
	units, _, report, err := uniqueUnits(r, tab)
	return units, report, err
}

// uniqueUnits is Units, additionally returning the row of the
// deduplicated table from which each unit was derived.
func uniqueUnits(r Runner, tab *table.Table) ([]Unit, []table.Row, *Report, error) {
	cols := r.RequiredColumns()
	if err := tab.Require(cols...); err != nil {
		return nil, nil, nil, errors.E(fmt.Sprintf("runner %s", r.Name()), err)
	}
	if tab.Len() == 0 {
		return nil, nil, nil, chunk.ErrEmptyInput
	}
	dedup, ndup, err := tab.Dedup(cols...)
	if err != nil {
		return nil, nil, nil, err
	}
	var (
		report = &Report{Duplicates: ndup}
		units  = make([]Unit, 0, dedup.Len())
		rows   = make([]table.Row, 0, dedup.Len())
		byKey  = make(map[string]int, dedup.Len())
	)
	for i := 0; i < dedup.Len(); i++ {
		u, err := r.Unit(dedup.Row(i))
		if err != nil {
			return nil, nil, nil, errors.E(fmt.Sprintf("runner %s: row %d", r.Name(), i+1), err)
		}
		if u.Key == "" {
			report.Skipped++
			continue
		}
		if j, ok := byKey[u.Key]; ok {
			switch {
			case !reflect.DeepEqual(units[j].IDs, u.IDs):
				log.Error.Printf("runner %s: identifiers %v and %v map to the same output directory %s; keeping %v",
					r.Name(), units[j].IDs, u.IDs, u.Key, units[j].IDs)
				report.Conflicts++
			case !reflect.DeepEqual(units[j].Inputs, u.Inputs):
				log.Error.Printf("runner %s: unit %s: inputs %v conflict with %v; keeping the first",
					r.Name(), u.Key, u.Inputs, units[j].Inputs)
				report.Conflicts++
			default:
				report.Duplicates++
			}
			continue
		}
		byKey[u.Key] = len(units)
		units = append(units, u)
		rows = append(rows, dedup.Row(i))
	}
	report.Units = len(units)
	return units, rows, report, nil
}

// Pending returns the table of rows that remain to be computed by r
// under outdir: one row per unique unit whose result marker does not
// yet exist. The returned report has its Units, Duplicates, Skipped
// and Cached fields populated. Pending is used to prepare the input of
// remote computations, which cannot observe outdir themselves.
func Pending(ctx context.Context, r Runner, tab *table.Table, outdir string) (*table.Table, *Report, error) {
	units, rows, report, err := uniqueUnits(r, tab)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, len(units))
	for i := range units {
		keys[i] = units[i].Key
	}
	cache := markercache.New(ctx, outdir, r.ResultMarkerName(), keys)
	var pending [][]string
	for i := range rows {
		if !cache.IsCached(i) {
			pending = append(pending, rows[i].Fields())
		}
	}
	report.Cached = cache.Len()
	if report.Cached > 0 {
		log.Printf("runner %s: %d of %d units have results and are not recomputed", r.Name(), report.Cached, len(units))
	}
	out, err := table.New(tab.Header, pending)
	return out, report, err
}

// Run computes every unique row of tab with runner r, writing results
// under outdir. Units whose result marker already exists are not
// recomputed. The remaining units are divided into chunks by the
// runner's chunk size policy and computed by parallelism workers, each
// computing one unit at a time. If parallelism is less than 1, the
// runner's Cpus option is used.
//
// Under the runner's strict policy, the first failing invocation
// aborts the run and its error is returned. Otherwise failing units
// are recorded in the report. Errors that prevent an invocation from
// starting at all abort the run under either policy.
//
// Counters are maintained in the provided stats map, which may be nil.
func Run(ctx context.Context, r Runner, tab *table.Table, outdir string, parallelism int, counters *stats.Map) (*Report, error) {
	units, report, err := Units(r, tab)
	if err != nil {
		return nil, err
	}
	counters.Int(stats.Duplicates).Add(int64(report.Duplicates))
	counters.Int(stats.Conflicts).Add(int64(report.Conflicts))
	counters.Int(stats.Skipped).Add(int64(report.Skipped))
	if len(units) == 0 {
		return report, nil
	}
	keys := make([]string, len(units))
	for i := range units {
		keys[i] = units[i].Key
	}
	cache := markercache.New(ctx, outdir, r.ResultMarkerName(), keys)
	pending := units[:0:0]
	for i, u := range units {
		if cache.IsCached(i) {
			log.Debug.Printf("runner %s: unit %s: result exists: %s", r.Name(), u.Key, cache.Path(u.Key))
			continue
		}
		pending = append(pending, u)
	}
	report.Cached = len(units) - len(pending)
	counters.Int(stats.Cached).Add(int64(report.Cached))
	if report.Cached > 0 {
		log.Printf("runner %s: %d of %d units have results and are not recomputed", r.Name(), report.Cached, len(units))
	}
	if len(pending) == 0 {
		return report, nil
	}

	if parallelism < 1 {
		parallelism = r.Options().Cpus
	}
	plan, err := chunk.New(len(pending), parallelism, r.ChunkSize)
	if err != nil {
		return nil, err
	}
	report.Plan = plan
	log.Printf("runner %s: computing %s", r.Name(), plan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		inv      = invoke.Invoker{Strict: r.Options().Strict}
		mu       sync.Mutex
		firstErr error
	)
	abort := func(err error) error {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
		return err
	}
	err = traverse.Limit(plan.Parallelism).Each(plan.Count, func(i int) error {
		rng := plan.Chunk(i)
		for _, u := range pending[rng.Start:rng.End] {
			if err := ctx.Err(); err != nil {
				return err
			}
			counters.Int(stats.Invocations).Add(1)
			art, err := r.ExecuteOne(ctx, inv, u, outdir)
			switch {
			case err == nil && art.Result.OK():
				mu.Lock()
				report.Executed++
				mu.Unlock()
				continue
			case err == nil:
			case !inv.Strict && errors.Is(errors.Integrity, err):
				log.Error.Printf("runner %s: %v", r.Name(), err)
			default:
				return abort(err)
			}
			counters.Int(stats.Failed).Add(1)
			mu.Lock()
			report.Failed = append(report.Failed, u.Key)
			mu.Unlock()
		}
		return nil
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(report.Failed)
	if n := len(report.Failed); n > 0 {
		log.Error.Printf("runner %s: %d of %d units failed", r.Name(), n, len(pending))
	}
	return report, nil
}
