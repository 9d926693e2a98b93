// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowflags_test

import (
	"flag"
	"io/ioutil"
	"sort"
	"testing"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/exec"
	"github.com/grailbio/bigrow/rowflags"
)

func TestProvider(t *testing.T) {
	local := &rowflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := local.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	sge := &rowflags.SGE{}
	if err := sge.Set("queue=a.q"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sge.Set("cpus=zero"); err == nil {
		t.Errorf("expected an error")
	}
	ec2 := &rowflags.EC2{}
	if got, want := ec2.Name(), "ec2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	providers := rowflags.Providers()
	sort.Strings(providers)
	if got, want := len(providers), 4; got != want {
		t.Errorf("got %v, want %v: %v", got, want, providers)
	}
}

func TestFlags(t *testing.T) {
	tf := &rowflags.Flags{}
	if err := tf.Mode.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.Mode.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.Mode.Set("slurm"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &rowflags.Flags{}
	if err := tf.Mode.Set("bigmachine:machines=2"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.Mode.Set("bigmachine:machines=-1"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &rowflags.Flags{}
	if err := tf.Mode.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.Mode.String(), "ec2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExecutor(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var rf rowflags.Flags
	rowflags.RegisterFlags(fs, &rf, "")
	if err := fs.Parse([]string{"-parallelism", "3"}); err != nil {
		t.Fatal(err)
	}
	if rf.Mode.Specified {
		t.Error("default mode marked as specified")
	}
	var st status.Status
	x, err := rf.Executor(bigrow.DefaultConfig(), "search", &st)
	if err != nil {
		t.Fatal(err)
	}
	local, ok := x.(*exec.Local)
	if !ok {
		t.Fatalf("got %T, want *exec.Local", x)
	}
	if got, want := local.Parallelism, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := fs.Parse([]string{"-mode", "sge"}); err != nil {
		t.Fatal(err)
	}
	config := bigrow.DefaultConfig()
	config.WorkerBinary = "/opt/bin/bigrow"
	x, err = rf.Executor(config, "search", &st)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := x.(*exec.Dispatcher)
	if !ok {
		t.Fatalf("got %T, want *exec.Dispatcher", x)
	}
	if got, want := d.Name, "search"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := fs.Parse([]string{"-mode", "ec2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := rf.Executor(config, "search", &st); err == nil {
		t.Error("expected an error for a local work dir")
	}
}
