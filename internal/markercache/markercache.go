// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package markercache looks up which units of work already have a
// result marker in an output tree.
package markercache

import (
	"context"
	"runtime"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
)

// Cache records, for a fixed list of unit keys, whether the unit's
// result marker existed when the cache was constructed. A nil *Cache
// has no cached units.
type Cache struct {
	outdir, marker string
	keys           []string
	isCached       []bool
}

// New constructs a Cache for the provided keys. It does O(len(keys))
// parallelized file operations to look up what's present under
// outdir.
func New(ctx context.Context, outdir, marker string, keys []string) *Cache {
	c := &Cache{outdir, marker, keys, make([]bool, len(keys))}
	_ = traverse.Limit(10*runtime.NumCPU()).Each(len(keys), func(i int) error {
		_, err := file.Stat(ctx, c.Path(keys[i]))
		c.isCached[i] = err == nil // treat lookup errors as cache misses
		return nil
	})
	return c
}

// Path returns the path of the marker file for the unit with the
// provided key.
func (c *Cache) Path(key string) string {
	return file.Join(c.outdir, key, c.marker)
}

// IsCached tells whether the i'th unit's marker was present.
func (c *Cache) IsCached(i int) bool {
	if c == nil {
		return false
	}
	return c.isCached[i]
}

// Len returns the number of cached units.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	var n int
	for _, b := range c.isCached {
		if b {
			n++
		}
	}
	return n
}
