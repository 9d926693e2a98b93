// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowconfig

import (
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/runner"
)

func TestProfile(t *testing.T) {
	profile := config.New()
	for _, kv := range [][2]string{
		{"bigrow.work-dir", "/net/work"},
		{"bigrow.queues", "a.q, b.q"},
		{"bigrow.exclude-hosts", "node113"},
		{"bigrow.task-cpus", "4"},
		{"bigrow.poll-interval", "5s"},
		{"bigrow.timeout", "12h"},
		{"bigrow/tools.microminer", "/opt/microminer"},
		{"bigrow/tools.identity", "0.5"},
		{"bigrow/tools.kmer-matching-rate", " 1e-1"},
	} {
		if err := profile.Set(kv[0], kv[1]); err != nil {
			t.Fatalf("set %s: %v", kv[0], err)
		}
	}
	var c *bigrow.Config
	if err := profile.Instance("bigrow", &c); err != nil {
		t.Fatal(err)
	}
	if got, want := c.WorkDir, "/net/work"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Queues, []string{"a.q", "b.q"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ExcludeHosts, []string{"node113"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.TaskCpus, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.PollInterval, 5*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Timeout, 12*time.Hour; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.SubmitCmd, "qsub"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	var tools *Tools
	if err := profile.Instance("bigrow/tools", &tools); err != nil {
		t.Fatal(err)
	}
	want := runner.DefaultParams
	want.Identity = 0.5
	want.KmerMatchingRate = 0.1
	if got := tools.Params; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tools.MicroMiner, "/opt/microminer"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInvalidDuration(t *testing.T) {
	profile := config.New()
	if err := profile.Set("bigrow.poll-interval", "often"); err != nil {
		t.Fatal(err)
	}
	var c *bigrow.Config
	if err := profile.Instance("bigrow", &c); err == nil {
		t.Error("expected error")
	}
}

func TestInvalidFloat(t *testing.T) {
	profile := config.New()
	if err := profile.Set("bigrow/tools.site-radius", "wide"); err != nil {
		t.Fatal(err)
	}
	var tools *Tools
	if err := profile.Instance("bigrow/tools", &tools); err == nil {
		t.Error("expected error")
	}
}

func TestFloatDefaults(t *testing.T) {
	var tools *Tools
	if err := config.New().Instance("bigrow/tools", &tools); err != nil {
		t.Fatal(err)
	}
	if got, want := tools.Params, runner.DefaultParams; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitList(t *testing.T) {
	for _, c := range []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{" a ,,b", []string{"a", "b"}},
	} {
		if got := splitList(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%q: got %v, want %v", c.in, got, c.want)
		}
	}
}
