// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigrow computes row workloads with external structure
// comparison tools, locally, on a Sun Grid Engine cluster, or on
// bigmachine machines.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrow/rowconfig"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Bigrow computes every row of a tab-separated dataset with an
external tool, and collects one result directory per row.

Usage:

	bigrow [profile flags] <command> [arguments]

The commands are:

	search      search structures against a site index with MicroMiner
	pair        align pairs of structures with MicroMiner
	prefilter   prefilter structures against a site index with MicroMiner
	tmalign     align pairs of structures globally with TM-align
	check       check an output directory for completeness
	worker      compute one input slice (run by array tasks)

Run "bigrow <command> -help" for the command's flags.

The profile flags are:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigrow: ")
	must.Func = log.Fatal
	rowconfig.RegisterFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "search", "pair", "prefilter", "tmalign":
		runCmd(cmd, args)
	case "check":
		checkCmd(args)
	case "worker":
		workerCmd(args)
	}
}
