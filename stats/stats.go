// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the named counters maintained while rows are
// computed. Each counter belongs to a snapshottable collection, and
// snapshots can be aggregated across workers and machines.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names maintained by runners and executors.
const (
	// Invocations counts external tool invocations.
	Invocations = "invocations"
	// Cached counts units whose result marker already existed.
	Cached = "cached"
	// Failed counts units whose invocation failed.
	Failed = "failed"
	// Duplicates counts rows dropped because an equal row, or a row
	// with the same unit key, was seen before.
	Duplicates = "duplicates"
	// Conflicts counts rows dropped because an earlier unit with
	// different identifiers or inputs had the same key.
	Conflicts = "conflicts"
	// Skipped counts rows that the runner chose not to compute.
	Skipped = "skipped"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Add adds the values in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. A nil *Map discards all
// counts.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is a integer counter. Ints can be atomically incremented. A
// nil *Int ignores increments and reads as zero.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
