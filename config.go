// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigrow

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/grailbio/base/errors"
)

// DefaultPollInterval is the interval at which the scheduler is
// polled for job presence.
const DefaultPollInterval = 2 * time.Second

// Config holds the settings shared by the executors, the job
// controller and the artifact generator. A Config is created once,
// typically in main, and passed by pointer to every component that
// needs it; no component consults global configuration state.
type Config struct {
	// WorkDir is the shared (network) directory under which remote
	// submissions create their working directories.
	WorkDir string
	// LocalWorkDir is the node-local scratch directory used by array
	// tasks for their private input slice and results.
	LocalWorkDir string
	// IndexCacheDir is the node-local directory to which shared lookup
	// indices are staged by the preparation script.
	IndexCacheDir string

	// Queues lists the scheduler queues a job array may run on.
	Queues []string
	// ExcludeHosts lists hosts that array tasks must not be placed on.
	ExcludeHosts []string
	// TaskCpus is the number of slots requested for every array task.
	// Values <= 1 omit the parallel environment request.
	TaskCpus int

	// WorkerBinary is the bigrow binary invoked by the driver script on
	// the cluster nodes. It defaults to the running executable.
	WorkerBinary string

	// SubmitCmd, StatusCmd and CancelCmd name the scheduler's command
	// line tools.
	SubmitCmd, StatusCmd, CancelCmd string

	// PollInterval is the fixed interval between scheduler status
	// queries.
	PollInterval time.Duration
	// Timeout bounds the time a submission may take, measured from
	// submission until the job disappears from the scheduler. Zero
	// means no timeout.
	Timeout time.Duration

	// KeepWorkDir retains a submission's working directory after the
	// results were collected.
	KeepWorkDir bool
}

// DefaultConfig returns a configuration suitable for a Sun Grid Engine
// installation with node-local scratch space at /local.
func DefaultConfig() *Config {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	binary, _ := os.Executable()
	return &Config{
		WorkDir:       os.TempDir(),
		LocalWorkDir:  filepath.Join("/local", username, "bigrow"),
		IndexCacheDir: filepath.Join("/local", username, "bigrow_index_cache"),
		TaskCpus:      1,
		WorkerBinary:  binary,
		SubmitCmd:     "qsub",
		StatusCmd:     "qstat",
		CancelCmd:     "qdel",
		PollInterval:  DefaultPollInterval,
	}
}

// Validate checks that the configuration can be used for remote
// submissions.
func (c *Config) Validate() error {
	switch {
	case c == nil:
		return errors.E(errors.Invalid, "bigrow: nil config")
	case c.WorkDir == "":
		return errors.E(errors.Invalid, "bigrow: config: no work dir")
	case c.LocalWorkDir == "":
		return errors.E(errors.Invalid, "bigrow: config: no local work dir")
	case c.WorkerBinary == "":
		return errors.E(errors.Invalid, "bigrow: config: no worker binary")
	case c.SubmitCmd == "" || c.StatusCmd == "" || c.CancelCmd == "":
		return errors.E(errors.Invalid, "bigrow: config: scheduler commands are not configured")
	case c.PollInterval <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigrow: config: invalid poll interval %v", c.PollInterval))
	case c.Timeout < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigrow: config: invalid timeout %v", c.Timeout))
	}
	return nil
}
