// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/artifact"
	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/runner"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// fakeTool writes an executable that logs its command line and writes
// a result marker into its -o directory.
func fakeTool(t *testing.T, dir string) (exe string, calls func() int) {
	t.Helper()
	exe = filepath.Join(dir, "microminer")
	callsPath := filepath.Join(dir, "calls")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %s
out=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift ;;
	esac
	shift
done
echo "score" > "$out/%s"
`, callsPath, runner.StatisticMarker)
	assert.NoError(t, ioutil.WriteFile(exe, []byte(script), 0777))
	return exe, func() int {
		b, err := ioutil.ReadFile(callsPath)
		if os.IsNotExist(err) {
			return 0
		}
		assert.NoError(t, err)
		return len(strings.Split(strings.TrimSpace(string(b)), "\n"))
	}
}

func testWorkload(t *testing.T, dir string) (runner.Runner, *table.Table, func() int) {
	t.Helper()
	exe, calls := fakeTool(t, dir)
	r := &runner.Search{Executable: exe, Index: filepath.Join(dir, "index"), Params: runner.DefaultParams}
	tab, err := table.New(runner.SingleColumns, [][]string{{"A", "pA"}, {"B", "pB"}, {"A", "pA"}})
	assert.NoError(t, err)
	return r, tab, calls
}

func checkResults(t *testing.T, outdir string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if _, err := os.Stat(filepath.Join(outdir, key, runner.StatisticMarker)); err != nil {
			t.Errorf("unit %s: %v", key, err)
		}
	}
}

func TestLocal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, tab, calls := testWorkload(t, dir)
	outdir := filepath.Join(dir, "out")
	res, err := (&Local{Parallelism: 2}).Execute(context.Background(), r, tab, outdir)
	assert.NoError(t, err)
	expect.EQ(t, calls(), 2)
	expect.EQ(t, res.Run.Units, 2)
	expect.EQ(t, res.Run.Duplicates, 1)
	expect.EQ(t, res.Run.Executed, 2)
	expect.EQ(t, res.Counters[stats.Invocations], int64(2))
	expect.EQ(t, res.Counters[stats.Duplicates], int64(1))
	if !res.Sanity.OK() {
		t.Errorf("sanity check failed: %v", res.Sanity)
	}
	checkResults(t, outdir, "A", "B")
}

// fakeScheduler computes submitted job arrays in-process: for every
// array task, it slices the submission's input as the job script does
// and runs the task entry point into the submission's results
// directory.
type fakeScheduler struct {
	mu        sync.Mutex
	submitted int
	queried   map[string]bool
	cancelled []string
}

func (s *fakeScheduler) Submit(ctx context.Context, script string) (string, error) {
	s.mu.Lock()
	s.submitted++
	id := fmt.Sprint(s.submitted)
	s.mu.Unlock()
	workdir := filepath.Dir(script)
	m, err := ReadManifest(ctx, filepath.Join(workdir, ManifestFile))
	if err != nil {
		return "", err
	}
	if m.JobID != "" {
		return "", fmt.Errorf("manifest already has a job id")
	}
	input, err := table.Read(ctx, filepath.Join(workdir, artifact.InputFile))
	if err != nil {
		return "", err
	}
	for task := 1; task <= m.Plan.Count; task++ {
		start := (task - 1) * m.Plan.Size
		end := start + m.Plan.Size
		if end > input.Len() {
			end = input.Len()
		}
		slice := filepath.Join(workdir, fmt.Sprintf("slice%d.tsv", task))
		if err := input.Slice(start, end).Write(ctx, slice); err != nil {
			return "", err
		}
		if _, err := RunTask(ctx, filepath.Join(workdir, artifact.PayloadFile), slice, filepath.Join(workdir, artifact.ResultsDir)); err != nil {
			return "", err
		}
		logfile := filepath.Join(workdir, artifact.LogsDir, fmt.Sprintf("%s.o%s.%d", m.Name, id, task))
		if err := ioutil.WriteFile(logfile, []byte("done\n"), 0644); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *fakeScheduler) Present(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queried == nil {
		s.queried = make(map[string]bool)
	}
	// Present once, then gone.
	present := !s.queried[id]
	s.queried[id] = true
	return present, nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func testConfig(dir string) *bigrow.Config {
	config := bigrow.DefaultConfig()
	config.WorkDir = filepath.Join(dir, "work")
	config.LocalWorkDir = filepath.Join(dir, "local")
	config.IndexCacheDir = filepath.Join(dir, "index_cache")
	config.WorkerBinary = "/opt/bin/bigrow"
	config.PollInterval = time.Millisecond
	return config
}

func TestDispatcher(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, tab, calls := testWorkload(t, dir)
	config := testConfig(dir)
	sched := new(fakeScheduler)
	d, err := NewDispatcher(config, sched)
	assert.NoError(t, err)
	d.Controller.Appearance = retry.MaxTries(retry.Backoff(time.Millisecond, time.Millisecond, 1), 1)
	outdir := filepath.Join(dir, "out")
	ctx := context.Background()

	res, err := d.Dispatch(ctx, r, tab, outdir, "search", 2)
	assert.NoError(t, err)
	expect.EQ(t, sched.submitted, 1)
	expect.EQ(t, sched.cancelled, []string{"1"})
	expect.EQ(t, calls(), 2)
	expect.EQ(t, res.Run.Units, 2)
	expect.EQ(t, res.Run.Duplicates, 1)
	expect.EQ(t, res.Run.Executed, 2)
	expect.EQ(t, len(res.Run.Failed), 0)
	expect.EQ(t, res.Plan.Rows, 2)
	if !res.Sanity.OK() {
		t.Errorf("sanity check failed: %v", res.Sanity)
	}
	checkResults(t, outdir, "A", "B")
	logs, err := ioutil.ReadDir(filepath.Join(outdir, "logs"))
	assert.NoError(t, err)
	expect.EQ(t, len(logs), res.Plan.Count)
	work, err := ioutil.ReadDir(config.WorkDir)
	assert.NoError(t, err)
	expect.EQ(t, len(work), 0)

	// Everything is computed: nothing is submitted.
	res, err = d.Dispatch(ctx, r, tab, outdir, "search", 2)
	assert.NoError(t, err)
	expect.EQ(t, sched.submitted, 1)
	expect.EQ(t, res.Run.Cached, 2)
	if !res.Sanity.OK() {
		t.Errorf("sanity check failed: %v", res.Sanity)
	}
}

func TestDispatcherKeepWorkDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, tab, _ := testWorkload(t, dir)
	config := testConfig(dir)
	config.KeepWorkDir = true
	d, err := NewDispatcher(config, new(fakeScheduler))
	assert.NoError(t, err)
	d.Name = "my search"
	res, err := d.Execute(context.Background(), r, tab, filepath.Join(dir, "out"))
	assert.NoError(t, err)
	if !strings.Contains(filepath.Base(res.WorkDir), "_my_search_") {
		t.Errorf("unexpected work dir %s", res.WorkDir)
	}
	m, err := ReadManifest(context.Background(), filepath.Join(res.WorkDir, ManifestFile))
	assert.NoError(t, err)
	expect.EQ(t, m.JobID, "1")
	expect.EQ(t, m.Runner, "search")
	expect.EQ(t, m.Rows, 2)
	expect.EQ(t, m.Plan.Count, res.Plan.Count)
	for _, name := range []string{artifact.JobFile, artifact.DriverFile, artifact.PrepareFile, artifact.PayloadFile, artifact.InputFile} {
		if _, err := os.Stat(filepath.Join(res.WorkDir, name)); err != nil {
			t.Error(err)
		}
	}
	input, err := table.Read(context.Background(), filepath.Join(res.WorkDir, artifact.InputFile))
	assert.NoError(t, err)
	expect.EQ(t, input.Rows, [][]string{{"A", "pA"}, {"B", "pB"}})
}

func TestDispatcherInvalidConfig(t *testing.T) {
	config := bigrow.DefaultConfig()
	config.WorkDir = ""
	if _, err := NewDispatcher(config, new(fakeScheduler)); err == nil {
		t.Error("expected error")
	}
}

func TestRunTaskSharedIndex(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, tab, _ := testWorkload(t, dir)
	ctx := context.Background()
	payload := filepath.Join(dir, "payload.yaml")
	assert.NoError(t, runner.WritePayload(ctx, payload, r))
	input := filepath.Join(dir, "input.tsv")
	assert.NoError(t, tab.Write(ctx, input))

	local := filepath.Join(dir, "local_index")
	assert.NoError(t, os.Setenv(artifact.SharedIndexEnv, local))
	defer os.Unsetenv(artifact.SharedIndexEnv) // nolint: errcheck
	report, err := RunTask(ctx, payload, input, filepath.Join(dir, "out"))
	assert.NoError(t, err)
	expect.EQ(t, report.Executed, 2)
	b, err := ioutil.ReadFile(filepath.Join(dir, "calls"))
	assert.NoError(t, err)
	if !strings.Contains(string(b), "-s "+local+" ") {
		t.Errorf("index not relocated: %s", b)
	}
}

func TestMachine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, tab, calls := testWorkload(t, dir)
	system := testsystem.New()
	m := &Machine{
		System:      system,
		Machines:    2,
		Parallelism: 2,
		Results:     filepath.Join(dir, "results"),
	}
	outdir := filepath.Join(dir, "out")
	res, err := m.Execute(context.Background(), r, tab, outdir)
	assert.NoError(t, err)
	expect.EQ(t, calls(), 2)
	expect.EQ(t, res.Run.Units, 2)
	expect.EQ(t, res.Run.Executed, 2)
	expect.EQ(t, res.Collected.Copied, 2)
	expect.EQ(t, res.Counters[stats.Invocations], int64(2))
	if !res.Sanity.OK() {
		t.Errorf("sanity check failed: %v", res.Sanity)
	}
	checkResults(t, outdir, "A", "B")
}

func TestEmptyInput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r, _, calls := testWorkload(t, dir)
	empty, err := table.New(runner.SingleColumns, nil)
	assert.NoError(t, err)
	outdir := filepath.Join(dir, "out")
	ctx := context.Background()

	_, err = (&Local{Parallelism: 2}).Execute(ctx, r, empty, outdir)
	expect.EQ(t, err, chunk.ErrEmptyInput)

	sched := new(fakeScheduler)
	d, err := NewDispatcher(testConfig(dir), sched)
	assert.NoError(t, err)
	_, err = d.Dispatch(ctx, r, empty, outdir, "search", 2)
	expect.EQ(t, err, chunk.ErrEmptyInput)
	expect.EQ(t, sched.submitted, 0)

	m := &Machine{System: testsystem.New(), Results: filepath.Join(dir, "results")}
	_, err = m.Execute(ctx, r, empty, outdir)
	expect.EQ(t, err, chunk.ErrEmptyInput)
	expect.EQ(t, calls(), 0)
}
