// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow"
)

// cancelTimeout bounds the cancellation request issued when a job's
// scope is exited.
const cancelTimeout = 30 * time.Second

// Controller submits jobs to a Scheduler and waits for them to leave
// it.
type Controller struct {
	Scheduler Scheduler
	// PollInterval is the fixed interval between presence queries.
	PollInterval time.Duration
	// Timeout bounds the time between submission and the job leaving
	// the scheduler. Zero means no timeout.
	Timeout time.Duration
	// Appearance is the retry policy applied to a job that has never
	// been observed present. When the policy gives up, the job is
	// treated as finished.
	Appearance retry.Policy
	// Status receives a task per submitted job, if not nil.
	Status *status.Group
}

// NewController returns a controller for the provided scheduler,
// configured by config.
func NewController(s Scheduler, config *bigrow.Config) *Controller {
	poll := config.PollInterval
	if poll <= 0 {
		poll = bigrow.DefaultPollInterval
	}
	return &Controller{
		Scheduler:    s,
		PollInterval: poll,
		Timeout:      config.Timeout,
		Appearance:   retry.MaxTries(retry.Backoff(poll, 15*poll, 2), 5),
	}
}

// Submit submits the job script at the provided path. Submission
// failures are reported as errors of kind errors.Unavailable.
func (c *Controller) Submit(ctx context.Context, script string) (*Job, error) {
	id, err := c.Scheduler.Submit(ctx, script)
	if err != nil {
		if errors.Is(errors.Unavailable, err) {
			return nil, err
		}
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("submit %s", script), err)
	}
	log.Printf("submitted %s as job %s", script, id)
	return newJob(id, script), nil
}

// Wait polls the scheduler until the job is no longer present. A job
// that was never observed present is re-polled according to the
// controller's appearance policy before it is considered finished.
// Wait returns an error of kind errors.Timeout if the job does not
// finish within the controller's timeout.
func (c *Controller) Wait(ctx context.Context, job *Job) error {
	waitCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, job.Submitted.Add(c.Timeout))
		defer cancel()
	}
	task := c.start(job)
	defer task.done()

	done := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		job.set(Failed)
		task.printf("timed out")
		return errors.E(errors.Timeout, fmt.Sprintf("%s did not finish within %s", job, c.Timeout))
	}
	var misses int
	for {
		present, err := c.Scheduler.Present(waitCtx, job.ID)
		if waitCtx.Err() != nil {
			return done()
		}
		if err != nil {
			job.set(Failed)
			task.printf("status unavailable: %v", err)
			return errors.E(errors.Unavailable, fmt.Sprintf("query %s", job), err)
		}
		switch {
		case present:
			if !job.Seen() {
				task.printf("running")
			}
			job.set(Running)
			misses = 0
		case job.Seen():
			job.set(Completed)
			task.printf("completed in %s", time.Since(job.Submitted).Round(time.Second))
			log.Printf("%s left the scheduler after %s", job, time.Since(job.Submitted))
			return nil
		default:
			if err := retry.Wait(waitCtx, c.Appearance, misses); err != nil {
				if waitCtx.Err() != nil {
					return done()
				}
				log.Error.Printf("%s was never observed by the scheduler; treating it as finished", job)
				job.set(Completed)
				task.printf("never observed")
				return nil
			}
			misses++
			continue
		}
		select {
		case <-time.After(c.PollInterval):
		case <-waitCtx.Done():
			return done()
		}
	}
}

// Do submits the job script and calls fn with the submitted job. When
// Do returns, by any path including a panic in fn, a cancellation
// request for the job is issued with a fresh context. Failures to
// cancel are logged and otherwise ignored: the job may well have
// finished already.
func (c *Controller) Do(ctx context.Context, script string, fn func(context.Context, *Job) error) error {
	job, err := c.Submit(ctx, script)
	if err != nil {
		return err
	}
	defer c.cancel(job)
	return fn(ctx, job)
}

// SubmitAndWait submits the job script and waits for the job to leave
// the scheduler.
func (c *Controller) SubmitAndWait(ctx context.Context, script string) (*Job, error) {
	var job *Job
	err := c.Do(ctx, script, func(ctx context.Context, j *Job) error {
		job = j
		return c.Wait(ctx, j)
	})
	return job, err
}

func (c *Controller) cancel(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := c.Scheduler.Cancel(ctx, job.ID); err != nil {
		log.Debug.Printf("cancel %s: %v", job, err)
	}
	job.set(Cancelled)
}

// jobTask is a nil-safe wrapper around a job's status task.
type jobTask struct{ t *status.Task }

func (c *Controller) start(job *Job) jobTask {
	if c.Status == nil {
		return jobTask{}
	}
	t := c.Status.Start(fmt.Sprintf("job %s", job.ID))
	t.Print("waiting")
	return jobTask{t}
}

func (j jobTask) printf(format string, args ...interface{}) {
	if j.t != nil {
		j.t.Printf(format, args...)
	}
}

func (j jobTask) done() {
	if j.t != nil {
		j.t.Done()
	}
}
