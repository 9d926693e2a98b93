// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collect merges result trees produced by remote tasks into
// a final output directory and checks the merged tree for
// completeness. Paths may name local directories or any other
// location supported by github.com/grailbio/base/file, such as
// s3:// prefixes.
package collect

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigrow/table"
)

// LogsDir is the directory, relative to the final directory, into
// which task logs are collected.
const LogsDir = "logs"

const copyParallelism = 16

// Summary summarizes a merge copy.
type Summary struct {
	// Copied is the number of files copied.
	Copied int
	// Skipped is the number of files that already existed at the
	// destination and were left untouched.
	Skipped int
	// Bytes is the number of bytes copied.
	Bytes int64
}

// Add adds the counts of s and t.
func (s Summary) Add(t Summary) Summary {
	return Summary{s.Copied + t.Copied, s.Skipped + t.Skipped, s.Bytes + t.Bytes}
}

func (s Summary) String() string {
	return fmt.Sprintf("copied:%d skipped:%d bytes:%d", s.Copied, s.Skipped, s.Bytes)
}

// Collect merges the result tree at resultsDir into finalDir and the
// task logs at logsDir into finalDir/logs. Existing files in finalDir
// are never overwritten. Missing source directories are treated as
// empty.
func Collect(ctx context.Context, resultsDir, logsDir, finalDir string) (Summary, error) {
	results, err := Copy(ctx, resultsDir, finalDir)
	if err != nil {
		return results, errors.E("collect results", err)
	}
	logs, err := Copy(ctx, logsDir, file.Join(finalDir, LogsDir))
	sum := results.Add(logs)
	if err != nil {
		return sum, errors.E("collect logs", err)
	}
	log.Printf("collected %s into %s: %s", resultsDir, finalDir, sum)
	return sum, nil
}

// Copy merges the tree rooted at src into dst: every file under src
// is copied to the same relative path under dst, unless a file
// already exists there.
func Copy(ctx context.Context, src, dst string) (Summary, error) {
	paths, err := list(ctx, src)
	if err != nil {
		return Summary{}, err
	}
	var (
		mu  sync.Mutex
		sum Summary
	)
	err = traverse.Limit(copyParallelism).Each(len(paths), func(i int) error {
		to := file.Join(dst, paths[i])
		if _, err := file.Stat(ctx, to); err == nil {
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			log.Debug.Printf("collect: %s exists, skipping", to)
			return nil
		} else if !errors.Is(errors.NotExist, err) {
			return err
		}
		n, err := copyFile(ctx, file.Join(src, paths[i]), to)
		if err != nil {
			return err
		}
		mu.Lock()
		sum.Copied++
		sum.Bytes += n
		mu.Unlock()
		return nil
	})
	return sum, err
}

// list returns the paths, relative to dir, of the files in the tree
// rooted at dir, in lexicographic order.
func list(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var paths []string
	lst := file.List(ctx, dir, true)
	for lst.Scan() {
		rel := strings.TrimPrefix(lst.Path(), prefix)
		if rel == lst.Path() || rel == "" {
			continue
		}
		paths = append(paths, rel)
	}
	if err := lst.Err(); err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func copyFile(ctx context.Context, src, dst string) (n int64, err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer in.Close(ctx) // nolint: errcheck
	out, err := file.Create(ctx, dst)
	if err != nil {
		return 0, err
	}
	n, err = io.Copy(out.Writer(ctx), in.Reader(ctx))
	if err != nil {
		out.Discard(ctx)
		return n, errors.E(fmt.Sprintf("copy %s to %s", src, dst), err)
	}
	return n, out.Close(ctx)
}

// Report is the result of a sanity check.
type Report struct {
	// Marker is the name of the result marker file that was counted.
	Marker string
	// Expected is the number of units in the input table.
	Expected int
	// Found is the number of result markers in the output tree.
	Found int
}

// OK tells whether every expected marker was found.
func (r Report) OK() bool { return r.Found == r.Expected }

// Err returns an error of kind errors.Integrity if the report is not
// OK, and nil otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return errors.E(errors.Integrity, r.String())
}

func (r Report) String() string {
	return fmt.Sprintf("found %d of %d %s", r.Found, r.Expected, r.Marker)
}

// SanityCheck counts the files named marker anywhere below dir and
// compares the count with the number of rows in tab. A mismatch is
// logged; it is not an error. Errors are returned only when dir could
// not be listed.
func SanityCheck(ctx context.Context, dir, marker string, tab *table.Table) (Report, error) {
	return Check(ctx, dir, marker, tab.Len())
}

// Check is SanityCheck with an explicit number of expected markers.
func Check(ctx context.Context, dir, marker string, expected int) (Report, error) {
	r := Report{Marker: marker, Expected: expected}
	paths, err := list(ctx, dir)
	if err != nil {
		return r, err
	}
	for _, p := range paths {
		if path.Base(p) == marker {
			r.Found++
		}
	}
	if r.OK() {
		log.Printf("sanity check %s: %s", dir, r)
	} else {
		log.Error.Printf("sanity check %s: %s; some computations did not produce results", dir, r)
	}
	return r, nil
}
