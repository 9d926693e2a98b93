// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow/internal/trace"
	"github.com/grailbio/bigrow/rowconfig"
	"github.com/grailbio/bigrow/rowflags"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/table"
)

// runnerFlags holds the tool-specific flags of the workload commands.
type runnerFlags struct {
	index          string
	searchMode     string
	representation string
	split          int
	ter            int
	rotation       bool
	skipSame       bool
	cpus           int
	strict         bool
}

func (f *runnerFlags) register(fs *flag.FlagSet, kind string) {
	fs.IntVar(&f.cpus, "cpus", 1, "number of concurrent tool invocations per task")
	fs.BoolVar(&f.strict, "strict", false, "abort on the first failing tool invocation")
	switch kind {
	case "search":
		fs.StringVar(&f.index, "index", "", "site search index; defaults to the configured index")
		fs.StringVar(&f.searchMode, "search-mode", "", "MicroMiner search mode")
		fs.StringVar(&f.representation, "representation", "", "MicroMiner site representation")
	case "prefilter":
		fs.StringVar(&f.index, "index", "", "site search index; defaults to the configured index")
	case "tmalign":
		fs.IntVar(&f.split, "split", 2, "TM-align -split option")
		fs.IntVar(&f.ter, "ter", -1, "TM-align -ter option; negative to omit")
		fs.BoolVar(&f.rotation, "rotation", false, "write the rotation matrix of every alignment")
		fs.BoolVar(&f.skipSame, "skip-same", false, "skip pairs of identical structures")
	}
}

// newRunner returns the runner of the provided command kind.
func newRunner(kind string, f runnerFlags, tools *rowconfig.Tools) (runner.Runner, error) {
	opts := runner.Options{Cpus: f.cpus, Strict: f.strict}
	index := f.index
	if index == "" {
		index = tools.Index
	}
	switch kind {
	case "search":
		if index == "" {
			return nil, fmt.Errorf("search: no index configured; use -index")
		}
		return &runner.Search{
			Executable:     tools.MicroMiner,
			Index:          index,
			Params:         tools.Params,
			Mode:           f.searchMode,
			Representation: f.representation,
			Opts:           opts,
		}, nil
	case "pair":
		return &runner.PairAlign{Executable: tools.MicroMiner, Params: tools.Params, Opts: opts}, nil
	case "prefilter":
		if index == "" {
			return nil, fmt.Errorf("prefilter: no index configured; use -index")
		}
		return &runner.Prefilter{Executable: tools.MicroMiner, Index: index, Opts: opts}, nil
	case "tmalign":
		g := &runner.GlobalAlign{
			Executable: tools.TMalign,
			Split:      f.split,
			Rotation:   f.rotation,
			SkipSame:   f.skipSame,
			Opts:       opts,
		}
		if f.ter >= 0 {
			ter := f.ter
			g.Ter = &ter
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown workload %s", kind)
}

func runCmd(kind string, args []string) {
	var (
		flags   = flag.NewFlagSet("bigrow "+kind, flag.ExitOnError)
		dataset = flags.String("dataset", "", "tab-separated dataset with a header")
		outdir  = flags.String("outdir", "", "output directory")
		jobName = flags.String("job-name", kind, "name of submitted jobs")
		traceTo = flags.String("trace", "", "write a Chrome trace of the tool invocations made by this process to the given path")
		rf      rowflags.Flags
		tf      runnerFlags
	)
	rowflags.RegisterFlags(flags, &rf, "")
	tf.register(flags, kind)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigrow %s -dataset <tsv> -outdir <dir> [flags]\n\nThe flags are:\n", kind)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if rf.ModeHelp {
		fmt.Fprintf(rf.Output(), "%s\nThe available modes are: %s\n", rowflags.ModeHelpLong, strings.Join(rowflags.Providers(), ", "))
		os.Exit(0)
	}
	if *dataset == "" || *outdir == "" {
		flags.Usage()
	}
	config, tools := rowconfig.Parse()
	r, err := newRunner(kind, tf, tools)
	if err != nil {
		log.Fatal(err)
	}
	closeLog := logToOutdir(*outdir)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Printf("received %s; cancelling", sig)
		cancel()
	}()

	if *traceTo != "" {
		rec := trace.New(os.Getpid())
		ctx = trace.NewContext(ctx, rec)
		defer func() {
			if err := rec.Write(context.Background(), *traceTo); err != nil {
				log.Error.Printf("write trace %s: %v", *traceTo, err)
			}
		}()
	}

	var st status.Status
	displayStatus(rf, &st)
	tab, err := table.Read(ctx, *dataset)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%s: %d rows from %s; mode %s", kind, tab.Len(), *dataset, rf.Mode.String())
	x, err := rf.Executor(config, *jobName, &st)
	if err != nil {
		log.Fatal(err)
	}
	res, err := x.Execute(ctx, r, tab, *outdir)
	if err != nil {
		closeLog()
		log.Fatal(err)
	}
	log.Printf("%s: %s", kind, res)
	if n := len(res.Run.Failed); n > 0 {
		log.Error.Printf("%s: %d units failed: %s", kind, n, strings.Join(res.Run.Failed, ", "))
	}
	if res.WorkDir != "" {
		log.Printf("%s: work dir retained at %s", kind, res.WorkDir)
	}
}

// logToOutdir additionally writes the log to outdir/log.log when
// outdir is a local directory.
func logToOutdir(outdir string) (close func()) {
	if scheme, _, err := file.ParsePath(outdir); err != nil || scheme != "" {
		return func() {}
	}
	if err := os.MkdirAll(outdir, 0777); err != nil {
		log.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(outdir, "log.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatal(err)
	}
	golog.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		golog.SetOutput(os.Stderr)
		if err := f.Close(); err != nil {
			log.Error.Printf("close log: %v", err)
		}
	}
}
