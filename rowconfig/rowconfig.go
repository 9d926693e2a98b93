// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rowconfig provides bigrow's configuration from a shared
// profile. Rowconfig uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigrow/config. Two instances are registered: "bigrow", which
// provides a *bigrow.Config, and "bigrow/tools", which provides the
// paths and default parameters of the external tools.
package rowconfig

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/runner"
)

// Path determines the location of the bigrow profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigrow/config")

// Tools holds the locations and default parameters of the external
// tools run by bigrow.
type Tools struct {
	// MicroMiner is the path of the MicroMiner executable.
	MicroMiner string
	// TMalign is the path of the TM-align executable.
	TMalign string
	// Index is the default site search index.
	Index string
	// Params are the default MicroMiner parameters.
	Params runner.Params
}

func init() {
	config.Register("bigrow", func(inst *config.Constructor) {
		c := bigrow.DefaultConfig()
		var queues, exclude, poll, timeout string
		inst.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "shared directory under which submissions create their work directories")
		inst.StringVar(&c.LocalWorkDir, "local-work-dir", c.LocalWorkDir, "node-local scratch directory of array tasks")
		inst.StringVar(&c.IndexCacheDir, "index-cache-dir", c.IndexCacheDir, "node-local directory to which shared indices are staged")
		inst.StringVar(&queues, "queues", "", "comma-separated list of scheduler queues")
		inst.StringVar(&exclude, "exclude-hosts", "", "comma-separated list of hosts that tasks must not run on")
		inst.IntVar(&c.TaskCpus, "task-cpus", c.TaskCpus, "number of slots requested per array task")
		inst.StringVar(&c.WorkerBinary, "worker-binary", c.WorkerBinary, "bigrow binary run by array tasks")
		inst.StringVar(&c.SubmitCmd, "submit-cmd", c.SubmitCmd, "scheduler submission command")
		inst.StringVar(&c.StatusCmd, "status-cmd", c.StatusCmd, "scheduler status command")
		inst.StringVar(&c.CancelCmd, "cancel-cmd", c.CancelCmd, "scheduler cancellation command")
		inst.StringVar(&poll, "poll-interval", c.PollInterval.String(), "interval between scheduler status queries")
		inst.StringVar(&timeout, "timeout", "", "maximum duration of a submission; empty for none")
		inst.BoolVar(&c.KeepWorkDir, "keep-work-dir", false, "retain work directories after results were collected")
		inst.Doc = "bigrow configures the dispatch of row workloads"
		inst.New = func() (interface{}, error) {
			c.Queues = splitList(queues)
			c.ExcludeHosts = splitList(exclude)
			var err error
			if c.PollInterval, err = parseDuration(poll); err != nil {
				return nil, err
			}
			if c.Timeout, err = parseDuration(timeout); err != nil {
				return nil, err
			}
			return c, nil
		}
	})
	config.Register("bigrow/tools", func(inst *config.Constructor) {
		t := &Tools{MicroMiner: "microminer", TMalign: "TMalign", Params: runner.DefaultParams}
		inst.StringVar(&t.MicroMiner, "microminer", t.MicroMiner, "MicroMiner executable")
		inst.StringVar(&t.TMalign, "tmalign", t.TMalign, "TM-align executable")
		inst.StringVar(&t.Index, "index", "", "default MicroMiner site search index")
		inst.IntVar(&t.Params.Threads, "threads", t.Params.Threads, "MicroMiner threads per invocation")
		// Floating point parameters are read as strings: the profile
		// only sets string, int and bool values.
		floats := []struct {
			name, help string
			val        *float64
			raw        string
		}{
			{"site-radius", "MicroMiner site radius", &t.Params.SiteRadius, ""},
			{"identity", "MicroMiner minimum identity", &t.Params.Identity, ""},
			{"flexibility-sensitivity", "MicroMiner flexibility sensitivity", &t.Params.FlexibilitySensitivity, ""},
			{"kmer-matching-rate", "MicroMiner k-mer matching rate", &t.Params.KmerMatchingRate, ""},
		}
		for i := range floats {
			f := &floats[i]
			inst.StringVar(&f.raw, f.name, formatFloat(*f.val), f.help)
		}
		inst.IntVar(&t.Params.FragmentLength, "fragment-length", t.Params.FragmentLength, "MicroMiner fragment length")
		inst.Doc = "bigrow/tools configures the external tools run by bigrow"
		inst.New = func() (interface{}, error) {
			for _, f := range floats {
				v, err := parseFloat(f.raw)
				if err != nil {
					return nil, fmt.Errorf("bigrow/tools.%s: %v", f.name, err)
				}
				*f.val = v
			}
			return t, nil
		}
	})
}

// RegisterFlags registers the profile flags (-profile, -set, ...) with
// the default flag set. They are processed by Parse.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Parse processes the profile flags and returns the configured
// bigrow.Config and Tools. It must be called after flag.Parse. Parse
// panics if the configuration is invalid.
func Parse() (*bigrow.Config, *Tools) {
	if !flag.Parsed() {
		panic("rowconfig.Parse called before flag.Parse")
	}
	must.Nil(config.ProcessFlags())
	var (
		c *bigrow.Config
		t *Tools
	)
	config.Must("bigrow", &c)
	config.Must("bigrow/tools", &t)
	return c, t
}

func splitList(s string) []string {
	var list []string
	for _, elem := range strings.Split(s, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			list = append(list, elem)
		}
	}
	return list
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", s, err)
	}
	return d, nil
}
