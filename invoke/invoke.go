// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package invoke runs external executables on behalf of bigrow
// runners and schedulers.
package invoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrow/internal/trace"
)

// Result describes one completed invocation.
type Result struct {
	// Args is the invoked argument vector; Args[0] is the executable.
	Args []string
	// ExitCode is the process's exit status.
	ExitCode int
	// Stdout and Stderr hold the process's captured output streams.
	Stdout, Stderr []byte
	// Elapsed is the wall time taken by the invocation.
	Elapsed time.Duration
}

// OK tells whether the invocation exited with status 0.
func (r *Result) OK() bool { return r.ExitCode == 0 }

// Failure is the error returned by strict invokers when an external
// tool exits with a nonzero status. It carries the invocation's
// complete result.
type Failure struct {
	Label  string
	Result *Result
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s exited with status %d: %s",
		f.Label, f.Result.Args[0], f.Result.ExitCode, firstLine(f.Result.Stderr))
}

// An Invoker runs external processes to completion. The zero Invoker
// is lenient: nonzero exit statuses are logged and returned in the
// result, but are not errors.
type Invoker struct {
	// Strict makes nonzero exit statuses fail with a *Failure.
	Strict bool
	// Env, if non-nil, is appended to the current process environment
	// of every invocation.
	Env []string
	// Quiet logs invocations and nonzero exit statuses at debug level.
	// It is used for status queries, whose exit status is a signal
	// rather than a failure.
	Quiet bool
}

// Run runs the executable args[0] with arguments args[1:] and waits
// for it to complete. Label is a human-readable description used in
// log messages. Run returns an error if the process could not be
// started; a process that cannot be found is an error regardless of
// the invoker's policy. If the context is canceled while the process
// is running, the process is killed and the context's error is
// returned.
//
// Nonzero exit statuses are always logged together with the process's
// captured output, at error level unless the invoker is quiet. Strict invokers then return a *Failure; lenient
// invokers return the result with a nil error.
func (inv Invoker) Run(ctx context.Context, label string, args ...string) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invoke %s: empty command line", label))
	}
	info, failure := log.Printf, log.Error.Printf
	if inv.Quiet {
		info, failure = log.Debug.Printf, log.Debug.Printf
	}
	info("starting: %s | %s", label, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if inv.Env != nil {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	span := trace.FromContext(ctx).Begin(label, "invoke")
	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Args:    args,
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: time.Since(start),
	}
	info("finished: %s took %s", label, res.Elapsed)
	defer func() {
		span.End(map[string]interface{}{"args": strings.Join(args, " "), "exit": res.ExitCode})
	}()
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, errors.E(fmt.Sprintf("invoke %s: %s", label, args[0]), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.E(fmt.Sprintf("invoke %s: %s", label, args[0]), ctxErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Terminated by a signal.
			res.ExitCode = 128
		}
	}
	if res.ExitCode == 0 {
		return res, nil
	}
	failure("%s: %s exited with status %d\nstdout:\n%s\nstderr:\n%s",
		label, strings.Join(args, " "), res.ExitCode, res.Stdout, res.Stderr)
	if inv.Strict {
		return res, &Failure{Label: label, Result: res}
	}
	return res, nil
}

// IsFailure tells whether err is (or wraps) an external tool failure,
// returning it if so.
func IsFailure(err error) (*Failure, bool) {
	for err != nil {
		switch e := err.(type) {
		case *Failure:
			return e, true
		case *errors.Error:
			err = e.Err
		default:
			return nil, false
		}
	}
	return nil, false
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
