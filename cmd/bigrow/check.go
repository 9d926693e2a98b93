// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrow/collect"
	"github.com/grailbio/bigrow/table"
)

func checkCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigrow check", flag.ExitOnError)
		dataset = flags.String("dataset", "", "tab-separated dataset with a header")
		outdir  = flags.String("outdir", "", "output directory to check")
		marker  = flags.String("marker", "", "name of the file every computed row produces")
		columns = flags.String("columns", "", "comma-separated key columns; rows with equal keys are counted once")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigrow check -dataset <tsv> -outdir <dir> -marker <name> [-columns c1,c2]\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if *dataset == "" || *outdir == "" || *marker == "" {
		flags.Usage()
	}
	ctx := context.Background()
	tab, err := table.Read(ctx, *dataset)
	if err != nil {
		log.Fatal(err)
	}
	if *columns != "" {
		var dups int
		tab, dups, err = tab.Dedup(strings.Split(*columns, ",")...)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("check: %d duplicate rows", dups)
	}
	report, err := collect.SanityCheck(ctx, *outdir, *marker, tab)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(report)
	if !report.OK() {
		os.Exit(1)
	}
}
