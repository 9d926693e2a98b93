// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrow/exec"
)

func workerCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigrow worker", flag.ExitOnError)
		payload = flags.String("payload", "", "runner payload written at submission")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigrow worker -payload <file> <input.tsv> <outdir>\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if *payload == "" || flags.NArg() != 2 {
		flags.Usage()
	}
	report, err := exec.RunTask(context.Background(), *payload, flags.Arg(0), flags.Arg(1))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("worker: %s", report)
}
