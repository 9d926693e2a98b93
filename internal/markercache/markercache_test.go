// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package markercache

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestCache(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, key := range []string{"A", "C_D"} {
		assert.NoError(t, os.MkdirAll(filepath.Join(dir, key), 0777))
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, key, "resultStatistic.csv"), nil, 0644))
	}
	// A different marker does not count.
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "B"), 0777))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "B", "other.csv"), nil, 0644))

	c := New(context.Background(), dir, "resultStatistic.csv", []string{"A", "B", "C_D", "E"})
	for i, want := range []bool{true, false, true, false} {
		if got := c.IsCached(i); got != want {
			t.Errorf("unit %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := c.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Path("A"), filepath.Join(dir, "A", "resultStatistic.csv"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var nilCache *Cache
	if nilCache.IsCached(0) || nilCache.Len() != 0 {
		t.Error("nil cache has cached units")
	}
}
