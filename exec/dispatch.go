// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/artifact"
	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/cluster"
	"github.com/grailbio/bigrow/collect"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/table"
)

// Dispatcher computes a workload as a job array on a batch scheduler.
// Every array task computes one chunk of the input table on a cluster
// node and copies its results into the submission's work directory on
// shared storage. When the job has left the scheduler, the results and
// the task logs are merged into the output directory.
type Dispatcher struct {
	Config     *bigrow.Config
	Controller *cluster.Controller
	// Name is the name of submitted jobs. It defaults to the runner's
	// name.
	Name string
	// Parallelism is the maximum number of array tasks that run
	// concurrently. It also determines the chunk plan. If it is less
	// than 1, the runner's Cpus option is used.
	Parallelism int
	// Status, if not nil, receives a task per submission.
	Status *status.Group
}

// NewDispatcher returns a dispatcher that submits jobs to scheduler s
// according to config.
func NewDispatcher(config *bigrow.Config, s cluster.Scheduler) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{Config: config, Controller: cluster.NewController(s, config)}, nil
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, r runner.Runner, tab *table.Table, outdir string) (*Result, error) {
	name := d.Name
	if name == "" {
		name = r.Name()
	}
	return d.Dispatch(ctx, r, tab, outdir, name, d.Parallelism)
}

// Dispatch computes tab with runner r as a job array named name with
// at most parallelism concurrently running tasks, and merges the
// results into outdir.
func (d *Dispatcher) Dispatch(ctx context.Context, r runner.Runner, tab *table.Table, outdir, name string, parallelism int) (*Result, error) {
	if err := d.Config.Validate(); err != nil {
		return nil, err
	}
	pending, report, err := runner.Pending(ctx, r, tab, outdir)
	if err != nil {
		return nil, err
	}
	res := &Result{Run: report}
	if pending.Len() == 0 {
		log.Printf("dispatch %s: nothing to compute", name)
		res.Sanity, err = collect.Check(ctx, outdir, r.ResultMarkerName(), report.Units)
		return res, err
	}
	if parallelism < 1 {
		parallelism = r.Options().Cpus
	}
	plan, err := chunk.New(pending.Len(), parallelism, r.ChunkSize)
	if err != nil {
		return nil, err
	}
	res.Plan, report.Plan = plan, plan

	id := uuid.New().String()[:8]
	workdir, err := filepath.Abs(filepath.Join(d.Config.WorkDir,
		fmt.Sprintf("%s_%s_%s", time.Now().Format("20060102_150405"), artifact.Params{Name: name}.JobName(), id)))
	if err != nil {
		return nil, errors.E(errors.Invalid, "dispatch", err)
	}
	for _, dir := range []string{artifact.ResultsDir, artifact.LogsDir} {
		if err := os.MkdirAll(filepath.Join(workdir, dir), 0777); err != nil {
			return nil, errors.E("dispatch: create work dir", err)
		}
	}
	log.Printf("dispatch %s: work dir %s", name, workdir)

	params := artifact.Params{
		Name:          name,
		WorkDir:       workdir,
		LocalWorkDir:  d.Config.LocalWorkDir,
		WorkerBinary:  d.Config.WorkerBinary,
		Plan:          plan,
		Concurrency:   plan.Parallelism,
		TaskCpus:      d.Config.TaskCpus,
		Queues:        d.Config.Queues,
		ExcludeHosts:  d.Config.ExcludeHosts,
		IndexCacheDir: d.Config.IndexCacheDir,
	}
	if r.NeedsSharedIndex() {
		params.SharedIndex = r.SharedIndex()
	}
	scripts, err := artifact.Render(params)
	if err != nil {
		return nil, err
	}
	if err := pending.Write(ctx, params.Path(artifact.InputFile)); err != nil {
		return nil, err
	}
	if err := runner.WritePayload(ctx, params.Path(artifact.PayloadFile), r); err != nil {
		return nil, err
	}
	if err := artifact.Write(workdir, scripts); err != nil {
		return nil, err
	}
	manifest := &Manifest{
		Submission:  id,
		Name:        name,
		Runner:      r.Name(),
		Created:     time.Now().UTC().Truncate(time.Second),
		Outdir:      outdir,
		Rows:        pending.Len(),
		Fingerprint: fmt.Sprintf("%016x", pending.Fingerprint()),
	}
	manifest.Plan.Size, manifest.Plan.Count, manifest.Plan.Parallelism = plan.Size, plan.Count, plan.Parallelism
	manifestPath := params.Path(ManifestFile)
	if err := writeManifest(ctx, manifestPath, manifest); err != nil {
		return nil, err
	}

	var task *status.Task
	if d.Status != nil {
		task = d.Status.Start(fmt.Sprintf("%s (%s)", name, plan))
		task.Print("submitting")
		defer task.Done()
	}
	if d.Controller.Status == nil {
		d.Controller.Status = d.Status
	}
	err = d.Controller.Do(ctx, params.Path(artifact.JobFile), func(ctx context.Context, job *cluster.Job) error {
		manifest.JobID = job.ID
		if err := writeManifest(ctx, manifestPath, manifest); err != nil {
			log.Error.Printf("dispatch %s: update manifest: %v", name, err)
		}
		if task != nil {
			task.Printf("waiting for job %s", job.ID)
		}
		return d.Controller.Wait(ctx, job)
	})
	if err != nil {
		log.Error.Printf("dispatch %s: work dir %s retained", name, workdir)
		return nil, err
	}

	if task != nil {
		task.Print("collecting results")
	}
	res.Collected, err = collect.Collect(ctx, params.Path(artifact.ResultsDir), params.Path(artifact.LogsDir), outdir)
	if err != nil {
		log.Error.Printf("dispatch %s: work dir %s retained", name, workdir)
		return nil, err
	}
	if err := outcome(ctx, r, pending, outdir, report); err != nil {
		return nil, err
	}
	if res.Sanity, err = collect.Check(ctx, outdir, r.ResultMarkerName(), report.Units); err != nil {
		return nil, err
	}
	if d.Config.KeepWorkDir {
		res.WorkDir = workdir
	} else if err := os.RemoveAll(workdir); err != nil {
		log.Error.Printf("dispatch %s: remove work dir: %v", name, err)
	}
	if task != nil {
		task.Print(res)
	}
	log.Printf("dispatch %s: %s", name, res)
	return res, nil
}
