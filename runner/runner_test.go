// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrow/chunk"
	"github.com/grailbio/bigrow/invoke"
	"github.com/grailbio/bigrow/stats"
	"github.com/grailbio/bigrow/table"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

const fakeToolScript = `#!/bin/sh
echo "$@" >> %[1]s
out=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift ;;
	esac
	shift
done
case "$out" in
*/%[2]s) echo "cannot compute $out" >&2; exit 1 ;;
esac
if [ -n "%[3]s" ]; then
	echo "score" > "$out/%[3]s"
fi
echo "aligned $out"
`

// fakeTool writes an executable into dir that logs its command line
// to a calls file, writes the provided marker into its -o directory,
// and fails for output directories named failKey.
func fakeTool(t *testing.T, dir, marker, failKey string) (exe string, calls func() []string) {
	t.Helper()
	exe = filepath.Join(dir, "tool")
	callsPath := filepath.Join(dir, "calls")
	if failKey == "" {
		failKey = "nonexistent-key"
	}
	script := fmt.Sprintf(fakeToolScript, callsPath, failKey, marker)
	if err := ioutil.WriteFile(exe, []byte(script), 0777); err != nil {
		t.Fatal(err)
	}
	return exe, func() []string {
		b, err := ioutil.ReadFile(callsPath)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			t.Fatal(err)
		}
		return strings.Split(strings.TrimSpace(string(b)), "\n")
	}
}

func singleTable(t *testing.T, rows ...[]string) *table.Table {
	t.Helper()
	tab, err := table.New(SingleColumns, rows)
	if err != nil {
		t.Fatal(err)
	}
	return tab
}

func TestRunDedupAndCache(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, calls := fakeTool(t, dir, StatisticMarker, "")
	outdir := filepath.Join(dir, "out")
	r := &Search{Executable: exe, Index: filepath.Join(dir, "index"), Params: DefaultParams, Opts: Options{Cpus: 2}}
	tab := singleTable(t, []string{"A", "pA"}, []string{"B", "pB"}, []string{"A", "pA"})
	ctx := context.Background()
	counters := stats.NewMap()

	report, err := Run(ctx, r, tab, outdir, 0, counters)
	assert.NoError(t, err)
	if got, want := len(calls()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.String(), "units:2 duplicates:1 conflicts:0 skipped:0 cached:0 executed:2 failed:0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, key := range []string{"A", "B"} {
		if _, err := os.Stat(filepath.Join(outdir, key, StatisticMarker)); err != nil {
			t.Errorf("unit %s: %v", key, err)
		}
	}

	// A second run recomputes nothing.
	report, err = Run(ctx, r, tab, outdir, 0, counters)
	assert.NoError(t, err)
	if got, want := len(calls()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Cached, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := counters.Snapshot()
	if got, want := vals[stats.Invocations], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Duplicates], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Removing one result recomputes only that unit.
	assert.NoError(t, os.Remove(filepath.Join(outdir, "B", StatisticMarker)))
	report, err = Run(ctx, r, tab, outdir, 0, nil)
	assert.NoError(t, err)
	c := calls()
	if got, want := len(c), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !strings.Contains(c[2], filepath.Join(outdir, "B")) {
		t.Errorf("unexpected invocation %q", c[2])
	}
	if got, want := report.Executed, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPending(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	outdir := filepath.Join(dir, "out")
	assert.NoError(t, os.MkdirAll(filepath.Join(outdir, "B"), 0777))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(outdir, "B", StatisticMarker), nil, 0644))
	r := &Search{Executable: "microminer", Index: "index", Params: DefaultParams}
	tab := singleTable(t, []string{"A", "pA"}, []string{"B", "pB"}, []string{"A", "pA"}, []string{"C", "pC"}, []string{"A", "pA2"})
	pending, report, err := Pending(context.Background(), r, tab, outdir)
	assert.NoError(t, err)
	if got, want := pending.Rows, [][]string{{"A", "pA"}, {"C", "pC"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.String(), "units:3 duplicates:1 conflicts:1 skipped:0 cached:1 executed:0 failed:0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRunMissingColumns(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, calls := fakeTool(t, dir, StatisticMarker, "")
	r := &PairAlign{Executable: exe, Params: DefaultParams}
	tab := singleTable(t, []string{"A", "pA"})
	_, err := Run(context.Background(), r, tab, dir, 1, nil)
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("got %v, want invalid", err)
	}
	if got := calls(); len(got) != 0 {
		t.Errorf("tool was invoked: %v", got)
	}
}

func TestRunEmpty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, calls := fakeTool(t, dir, StatisticMarker, "")
	r := &Search{Executable: exe, Index: "index", Params: DefaultParams}
	if _, err := Run(context.Background(), r, singleTable(t), dir, 1, nil); err != chunk.ErrEmptyInput {
		t.Errorf("got %v, want %v", err, chunk.ErrEmptyInput)
	}
	if _, _, err := Pending(context.Background(), r, singleTable(t), dir); err != chunk.ErrEmptyInput {
		t.Errorf("got %v, want %v", err, chunk.ErrEmptyInput)
	}
	if got := calls(); len(got) != 0 {
		t.Errorf("tool was invoked: %v", got)
	}
}

func TestRunLenient(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, calls := fakeTool(t, dir, StatisticMarker, "B")
	r := &Search{Executable: exe, Index: "index", Params: DefaultParams}
	tab := singleTable(t, []string{"A", "pA"}, []string{"B", "pB"}, []string{"C", "pC"})
	report, err := Run(context.Background(), r, tab, filepath.Join(dir, "out"), 3, nil)
	assert.NoError(t, err)
	if got, want := report.Failed, []string{"B"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Executed, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(calls()), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunStrict(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, _ := fakeTool(t, dir, StatisticMarker, "B")
	r := &Search{Executable: exe, Index: "index", Params: DefaultParams, Opts: Options{Strict: true}}
	tab := singleTable(t, []string{"A", "pA"}, []string{"B", "pB"}, []string{"C", "pC"})
	_, err := Run(context.Background(), r, tab, filepath.Join(dir, "out"), 1, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	f, ok := invoke.IsFailure(err)
	if !ok {
		t.Fatalf("got %v, want tool failure", err)
	}
	if got, want := f.Result.ExitCode, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunMissingMarker(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	// The tool writes a marker other than the prefilter's.
	exe, _ := fakeTool(t, dir, StatisticMarker, "")
	tab := singleTable(t, []string{"A", "pA"})

	r := &Prefilter{Executable: exe, Index: "index"}
	report, err := Run(context.Background(), r, tab, filepath.Join(dir, "lenient"), 1, nil)
	assert.NoError(t, err)
	if got, want := report.Failed, []string{"A"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	r.Opts.Strict = true
	_, err = Run(context.Background(), r, tab, filepath.Join(dir, "strict"), 1, nil)
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r := &Search{Executable: filepath.Join(dir, "nonexistent"), Index: "index"}
	tab := singleTable(t, []string{"A", "pA"})
	if _, err := Run(context.Background(), r, tab, dir, 1, nil); err == nil {
		t.Error("expected error")
	}
}

func TestGlobalAlign(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	exe, calls := fakeTool(t, dir, "", "")
	outdir := filepath.Join(dir, "out")
	tab, err := table.New(PairColumns, [][]string{
		{"A", "pA", "B", "pB"},
		{"A", "pA", "A", "pA"},
		{"A", "pA", "A", "pA2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ter := 0
	r := &GlobalAlign{Executable: exe, Split: 2, Ter: &ter, Rotation: true, SkipSame: true}
	report, err := Run(context.Background(), r, tab, outdir, 2, nil)
	assert.NoError(t, err)
	if got, want := report.Skipped, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The third row aligns different files of the same identifier.
	if got, want := report.Executed, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(calls()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b, err := ioutil.ReadFile(filepath.Join(outdir, "A_B", GlobalAlignMarker))
	assert.NoError(t, err)
	if got, want := string(b), "aligned "+filepath.Join(outdir, "A_B", "superposition")+"\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUnitsConflictingKeys(t *testing.T) {
	r := &Search{}
	tab := singleTable(t, []string{"A", "pA"}, []string{"A", "pA2"}, []string{"B", "pB"})
	units, report, err := Units(r, tab)
	assert.NoError(t, err)
	if got, want := len(units), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := units[0].Inputs, []string{"pA"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Duplicates, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Conflicts, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnitsPairKeyCollision(t *testing.T) {
	tab, err := table.New(PairColumns, [][]string{
		{"a_b", "p1", "c", "p2"},
		{"a", "p3", "b_c", "p4"},
		{"a_b", "p1", "c", "p2"},
	})
	assert.NoError(t, err)
	units, report, err := Units(&PairAlign{}, tab)
	assert.NoError(t, err)
	if got, want := len(units), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := units[0].IDs, []string{"a_b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Duplicates, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := report.Conflicts, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnitsInvalidIdentifier(t *testing.T) {
	for _, id := range []string{"", "..", "a/b"} {
		tab := singleTable(t, []string{id, "p"})
		if _, _, err := Units(&Search{}, tab); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", id, err)
		}
	}
}

func TestArgs(t *testing.T) {
	s := &Search{
		Executable:     "/bin/microminer",
		Index:          "/db/index",
		Params:         DefaultParams,
		Representation: "full",
	}
	u := Unit{Key: "A", Inputs: []string{"/data/a.pdb"}}
	want := "/bin/microminer search -q /data/a.pdb -s /db/index -o /out/A --cpus 1 --site_radius 6.5 " +
		"--identity 0.95 --fragment_length 9 --flexibility_sensitivity 0.6 --kmer_matching_rate 0.5 " +
		"--representation full"
	if got := strings.Join(s.Args(u, "/out/A"), " "); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	p := &PairAlign{Executable: "/bin/microminer", Params: DefaultParams}
	pu := Unit{Key: "A_B", Inputs: []string{"/a.pdb", "/b.pdb"}}
	want = "/bin/microminer site_align -q /a.pdb -t /b.pdb -o /out/A_B --cpus 1 --site_radius 6.5 " +
		"--identity 0.95 --fragment_length 9 --flexibility_sensitivity 0.6"
	if got := strings.Join(p.Args(pu, "/out/A_B"), " "); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	g := &GlobalAlign{Executable: "/bin/TMalign"}
	want = "/bin/TMalign /a.pdb /b.pdb -o /out/A_B/superposition -split 0"
	if got := strings.Join(g.Args(pu, "/out/A_B"), " "); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestChunkSize(t *testing.T) {
	for _, c := range []struct {
		r         Runner
		rows, par int
		want      int
	}{
		{&Search{}, 1000, 10, 25},
		{&Prefilter{}, 1000, 10, 25},
		{&PairAlign{}, 1000, 10, 50},
		{&PairAlign{}, 20, 10, 20},
		{&GlobalAlign{}, 1000, 1, 50},
	} {
		if got := c.r.ChunkSize(c.rows, c.par); got != c.want {
			t.Errorf("%s: got %v, want %v", c.r.Name(), got, c.want)
		}
	}
}

func TestSharedIndex(t *testing.T) {
	s := &Search{Index: "/net/index"}
	local := s.WithSharedIndex("/local/index")
	if got, want := local.SharedIndex(), "/local/index"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.SharedIndex(), "/net/index"; got != want {
		t.Errorf("runner was mutated: got %v, want %v", got, want)
	}
	for _, r := range []Runner{&PairAlign{}, &GlobalAlign{}} {
		if r.NeedsSharedIndex() {
			t.Errorf("%s: unexpected shared index", r.Name())
		}
	}
}

func TestPayload(t *testing.T) {
	ter := 1
	for _, r := range []Runner{
		&Search{Executable: "mm", Index: "/db", Params: DefaultParams, Mode: "fast", Opts: Options{Cpus: 4, Strict: true}},
		&PairAlign{Executable: "mm", Params: DefaultParams},
		&Prefilter{Executable: "mm", Index: "/db", Opts: Options{Cpus: 2}},
		&GlobalAlign{Executable: "TMalign", Split: 2, Ter: &ter, SkipSame: true},
		&GlobalAlign{Executable: "TMalign"},
	} {
		b, err := Encode(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(b, []byte("version: 1\nkind: "+r.Name()+"\n")) {
			t.Errorf("unexpected payload %s", b)
		}
		decoded, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(decoded, r) {
			t.Errorf("got %+v, want %+v", decoded, r)
		}
	}
}

func TestPayloadErrors(t *testing.T) {
	for _, c := range []string{
		"version: 2\nkind: search\nrunner: {}\n",
		"version: 1\nkind: unknown\nrunner: {}\n",
		"version: 1\nkind: search\n",
		"version: [\n",
	} {
		if _, err := Decode([]byte(c)); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", c, err)
		}
	}
}

func TestPayloadFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "payload.yaml")
	r := &Prefilter{Executable: "mm", Index: "/db"}
	assert.NoError(t, WritePayload(ctx, path, r))
	decoded, err := ReadPayload(ctx, path)
	assert.NoError(t, err)
	if !reflect.DeepEqual(decoded, r) {
		t.Errorf("got %+v, want %+v", decoded, r)
	}
}

func TestKinds(t *testing.T) {
	if got, want := Kinds(), []string{"globalalign", "pair", "prefilter", "search"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, kind := range Kinds() {
		r, err := New(kind)
		assert.NoError(t, err)
		if got, want := r.Name(), kind; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
