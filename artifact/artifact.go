// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package artifact renders the scripts that make up one job array
// submission: a preparation script that stages shared resources onto
// the node, a driver script that runs the bigrow worker on one input
// slice, and the job script that the scheduler runs for every array
// task.
package artifact

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrow/chunk"
)

// File names of the rendered artifacts within a submission's work
// directory.
const (
	PrepareFile = "prepare.sh"
	DriverFile  = "driver.sh"
	JobFile     = "job.sh"
	PayloadFile = "payload.yaml"
	InputFile   = "input.tsv"
	ResultsDir  = "results"
	LogsDir     = "logs"
)

// SharedIndexEnv is the environment variable through which the
// preparation script passes the node-local copy of the shared index
// to the worker.
const SharedIndexEnv = "BIGROW_SHARED_INDEX"

// Params are the parameters of one submission.
type Params struct {
	// Name is the job name. Characters the scheduler does not accept
	// are replaced.
	Name string
	// WorkDir is the submission's work directory on shared storage.
	// It contains the input table, the payload, the scripts, and the
	// results and logs directories.
	WorkDir string
	// LocalWorkDir is the node-local directory under which every task
	// creates its private scratch directory.
	LocalWorkDir string
	// WorkerBinary is the bigrow binary run by the driver script.
	WorkerBinary string
	// Plan is the chunk plan of the input table.
	Plan chunk.Plan
	// Concurrency is the maximum number of array tasks that may run
	// at the same time.
	Concurrency int
	// TaskCpus is the number of slots requested per task.
	TaskCpus int
	// Queues are the queues the job may run on.
	Queues []string
	// ExcludeHosts are hosts that tasks must not be placed on.
	ExcludeHosts []string
	// SharedIndex is the path of the shared index that the runner
	// reads, or "" if it does not need one.
	SharedIndex string
	// IndexCacheDir is the node-local directory to which the shared
	// index is staged.
	IndexCacheDir string
}

// Path returns the path of the named file in the work directory.
func (p Params) Path(name string) string {
	return filepath.Join(p.WorkDir, name)
}

// JobName returns the job name, sanitized for the scheduler.
func (p Params) JobName() string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, p.Name)
	if name == "" || name[0] >= '0' && name[0] <= '9' {
		name = "bigrow_" + name
	}
	return name
}

func (p Params) validate() error {
	switch {
	case !filepath.IsAbs(p.WorkDir):
		return errors.E(errors.Invalid, fmt.Sprintf("artifact: work dir %q is not absolute", p.WorkDir))
	case p.LocalWorkDir == "":
		return errors.E(errors.Invalid, "artifact: no local work dir")
	case p.WorkerBinary == "":
		return errors.E(errors.Invalid, "artifact: no worker binary")
	case p.Plan.Count < 1 || p.Plan.Size < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("artifact: invalid plan %v", p.Plan))
	case p.SharedIndex != "" && p.IndexCacheDir == "":
		return errors.E(errors.Invalid, "artifact: shared index without an index cache dir")
	case hasSpace(p.WorkDir):
		return errors.E(errors.Invalid, fmt.Sprintf("artifact: work dir %q contains whitespace", p.WorkDir))
	}
	// Scheduler directives take these values unquoted.
	for _, v := range append(append([]string{}, p.Queues...), p.ExcludeHosts...) {
		if v == "" || hasSpace(v) || strings.ContainsAny(v, ",'") {
			return errors.E(errors.Invalid, fmt.Sprintf("artifact: invalid queue or host name %q", v))
		}
	}
	return nil
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

// Artifacts are the rendered scripts of a submission.
type Artifacts struct {
	Prepare, Driver, Job string
}

// Render renders the artifacts for the provided parameters.
func Render(p Params) (*Artifacts, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	data := struct {
		Params
		JobName string
		Slice   string
		Hosts   string
	}{
		Params:  p,
		JobName: p.JobName(),
		Slice:   SliceCommands(p.Plan),
		Hosts:   hostExpr(p.ExcludeHosts),
	}
	var a Artifacts
	for _, r := range []struct {
		tmpl *template.Template
		out  *string
	}{
		{prepareTemplate, &a.Prepare},
		{driverTemplate, &a.Driver},
		{jobTemplate, &a.Job},
	} {
		var b bytes.Buffer
		if err := r.tmpl.Execute(&b, data); err != nil {
			return nil, errors.E(fmt.Sprintf("artifact: render %s", r.tmpl.Name()), err)
		}
		*r.out = b.String()
	}
	return &a, nil
}

// Write writes the artifacts into the work directory dir. The scripts
// are made executable.
func Write(dir string, a *Artifacts) error {
	for _, f := range []struct {
		name, content string
	}{
		{PrepareFile, a.Prepare},
		{DriverFile, a.Driver},
		{JobFile, a.Job},
	} {
		if err := ioutil.WriteFile(filepath.Join(dir, f.name), []byte(f.content), 0755); err != nil {
			return err
		}
	}
	return nil
}

// SliceCommands returns the shell commands that extract the rows of
// array task $SGE_TASK_ID from $INPUT_FILE into $THIS_INPUT_FILE,
// header included. Task i (numbered from 1) receives file lines
// (i-1)*size+2 through i*size+1.
func SliceCommands(plan chunk.Plan) string {
	return fmt.Sprintf(`startline=$(( (SGE_TASK_ID - 1) * %[1]d ))
head -n1 "$INPUT_FILE" > "$THIS_INPUT_FILE"
tail -n "+$((startline + 2))" "$INPUT_FILE" | head -n %[1]d >> "$THIS_INPUT_FILE"`, plan.Size)
}

func hostExpr(hosts []string) string {
	switch len(hosts) {
	case 0:
		return ""
	case 1:
		return "!" + hosts[0]
	}
	return "!(" + strings.Join(hosts, "|") + ")"
}

// shellQuote quotes a string to be used as an argument in an sh command line.
func shellQuote(s string) string {
	// Single quotes preserve everything but single quotes, which are
	// written as "'\''" and concatenated back together by the shell.
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
