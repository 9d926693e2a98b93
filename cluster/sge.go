// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/invoke"
)

// SGE is a Scheduler for Sun Grid Engine and its descendants. It runs
// the configured command line tools: the submit command with the job
// script, the status command with "-j <id>", whose exit status
// signals the job's presence, and the cancel command with the job
// identifier.
type SGE struct {
	SubmitCmd, StatusCmd, CancelCmd string
}

// NewSGE returns an SGE scheduler using the commands in config.
func NewSGE(config *bigrow.Config) *SGE {
	return &SGE{
		SubmitCmd: config.SubmitCmd,
		StatusCmd: config.StatusCmd,
		CancelCmd: config.CancelCmd,
	}
}

var submitPattern = regexp.MustCompile(`^Your job(?:-array)? ([0-9]+)[ .]`)

// ParseSubmit parses the job identifier from the output of qsub, for
// example:
//
//	Your job-array 4242.1-10:1 ("search") has been submitted
//	Your job 4242 ("search") has been submitted
func ParseSubmit(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if m := submitPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], nil
		}
	}
	return "", errors.E(errors.Unavailable, fmt.Sprintf("sge: unexpected submission response %q", strings.TrimSpace(out)))
}

func (s *SGE) Submit(ctx context.Context, script string) (string, error) {
	res, err := invoke.Invoker{}.Run(ctx, "submit", s.SubmitCmd, script)
	if err != nil {
		return "", errors.E(errors.Unavailable, "sge: submit", err)
	}
	if !res.OK() {
		return "", errors.E(errors.Unavailable,
			fmt.Sprintf("sge: %s rejected %s with status %d: %s", s.SubmitCmd, script, res.ExitCode, strings.TrimSpace(string(res.Stderr))))
	}
	log.Printf("sge: %s", strings.TrimSpace(string(res.Stdout)))
	return ParseSubmit(string(res.Stdout))
}

func (s *SGE) Present(ctx context.Context, id string) (bool, error) {
	res, err := invoke.Invoker{Quiet: true}.Run(ctx, "status "+id, s.StatusCmd, "-j", id)
	if err != nil {
		return false, err
	}
	log.Debug.Printf("sge: %s -j %s: status %d", s.StatusCmd, id, res.ExitCode)
	return res.OK(), nil
}

func (s *SGE) Cancel(ctx context.Context, id string) error {
	res, err := invoke.Invoker{Strict: true, Quiet: true}.Run(ctx, "cancel "+id, s.CancelCmd, id)
	if err != nil {
		return err
	}
	log.Debug.Printf("sge: %s", strings.TrimSpace(string(res.Stdout)))
	return nil
}
