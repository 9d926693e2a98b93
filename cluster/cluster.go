// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster submits job arrays to a batch scheduler and tracks
// them until they leave the scheduler. Jobs are held in a scope
// (Controller.Do) that issues a cancellation request for the job on
// every exit path.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduler is the interface to a batch scheduler. Schedulers are
// consumed as black boxes: a job is submitted, its presence is
// queried, and it may be cancelled.
type Scheduler interface {
	// Submit submits the job script at the provided path and returns
	// the identifier assigned to the job by the scheduler.
	Submit(ctx context.Context, script string) (id string, err error)
	// Present tells whether the job with the provided identifier is
	// known to the scheduler, that is, whether any of its tasks are
	// pending or running.
	Present(ctx context.Context, id string) (bool, error)
	// Cancel requests the cancellation of the job. Cancelling a job
	// that has already left the scheduler may fail.
	Cancel(ctx context.Context, id string) error
}

// State is the state of a job.
type State int

const (
	// Submitted is the state of a job that was accepted by the
	// scheduler but has not yet been observed present.
	Submitted State = iota
	// Running is the state of a job that was observed present.
	Running
	// Completed is the state of a job that left the scheduler.
	Completed
	// Cancelled is the state of a job whose scope was exited before it
	// completed.
	Cancelled
	// Failed is the state of a job whose status could not be
	// determined, or which did not complete within its timeout.
	Failed
)

var stateNames = [...]string{
	Submitted: "submitted",
	Running:   "running",
	Completed: "completed",
	Cancelled: "cancelled",
	Failed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal tells whether the state is final.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// A Job is a submitted job.
type Job struct {
	// ID is the scheduler's job identifier.
	ID string
	// Script is the path of the submitted job script.
	Script string
	// Submitted is the time at which the job was submitted.
	Submitted time.Time

	mu    sync.Mutex
	state State
	seen  bool
}

func newJob(id, script string) *Job {
	return &Job{ID: id, Script: script, Submitted: time.Now()}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Seen tells whether the job was ever observed present.
func (j *Job) Seen() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seen
}

// set transitions the job to state s. Terminal states are never left.
func (j *Job) set(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	if s == Running {
		j.seen = true
	}
	j.state = s
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s)", j.ID, j.State())
}
