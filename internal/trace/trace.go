// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records the external invocations made by a process as
// a Chrome trace, viewable in chrome://tracing or Perfetto. Every
// invocation is a complete event on its own lane; lanes are reused, so
// the number of lanes is the peak concurrency.
package trace

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/file"
)

type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// Recorder collects events. A nil *Recorder records nothing.
type Recorder struct {
	pid   int
	start time.Time

	mu     sync.Mutex
	lanes  []bool
	events []Event
}

// New returns a recorder whose events carry the process id pid and
// timestamps relative to now.
func New(pid int) *Recorder {
	return &Recorder{pid: pid, start: time.Now()}
}

// Span is an event in progress.
type Span struct {
	r     *Recorder
	lane  int
	start time.Time
	name  string
	cat   string
}

// Begin starts a span on the lowest free lane.
func (r *Recorder) Begin(name, cat string) *Span {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lane := 0
	for lane < len(r.lanes) && r.lanes[lane] {
		lane++
	}
	if lane == len(r.lanes) {
		r.lanes = append(r.lanes, false)
	}
	r.lanes[lane] = true
	return &Span{r: r, lane: lane, start: time.Now(), name: name, cat: cat}
}

// End completes the span, attaching args to its event, and frees its
// lane.
func (s *Span) End(args map[string]interface{}) {
	if s == nil {
		return
	}
	now := time.Now()
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes[s.lane] = false
	if args == nil {
		args = map[string]interface{}{}
	}
	r.events = append(r.events, Event{
		Pid:  r.pid,
		Tid:  s.lane,
		Ts:   s.start.Sub(r.start).Microseconds(),
		Ph:   "X",
		Dur:  now.Sub(s.start).Microseconds(),
		Name: s.name,
		Cat:  s.cat,
		Args: args,
	})
}

// Trace returns the events recorded so far, ordered by start time.
func (r *Recorder) Trace() *T {
	r.mu.Lock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	r.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool { return events[i].Ts < events[j].Ts })
	return &T{Events: events}
}

// Write writes the recorded trace to path, which may be local or on S3.
func (r *Recorder) Write(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return r.Trace().Encode(f.Writer(ctx))
}

type contextKey struct{}

// NewContext returns a context carrying r. Invocations made with the
// context are recorded in r.
func NewContext(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the recorder carried by ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(contextKey{}).(*Recorder)
	return r
}
