// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"fmt"
	"io/ioutil"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v3"
)

// PayloadVersion is the version of the payload format written by
// Encode.
const PayloadVersion = 1

type payload struct {
	Version int       `yaml:"version"`
	Kind    string    `yaml:"kind"`
	Runner  yaml.Node `yaml:"runner"`
}

var (
	mu       sync.Mutex
	registry = map[string]func() Runner{}
)

func init() {
	Register("search", func() Runner { return new(Search) })
	Register("pair", func() Runner { return new(PairAlign) })
	Register("prefilter", func() Runner { return new(Prefilter) })
	Register("globalalign", func() Runner { return new(GlobalAlign) })
}

// Register registers a constructor for the runner kind. The
// constructor must return a pointer to a zero runner value into which
// a payload can be decoded, and whose Name is kind. Register panics if
// the kind is registered twice.
func Register(kind string, new func() Runner) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[kind]; ok {
		panic("runner.Register: duplicate kind " + kind)
	}
	registry[kind] = new
}

// Kinds returns the registered runner kinds in sorted order.
func Kinds() []string {
	mu.Lock()
	defer mu.Unlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New returns a zero runner of the provided kind.
func New(kind string) (Runner, error) {
	mu.Lock()
	new := registry[kind]
	mu.Unlock()
	if new == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("runner: unknown kind %q", kind))
	}
	return new(), nil
}

// Encode returns the payload that describes runner r. The payload is a
// versioned YAML document from which Decode reconstructs an identical
// runner.
func Encode(r Runner) ([]byte, error) {
	if r == nil {
		return nil, errors.E(errors.Invalid, "runner.Encode: nil runner")
	}
	if _, err := New(r.Name()); err != nil {
		return nil, err
	}
	p := payload{Version: PayloadVersion, Kind: r.Name()}
	if err := p.Runner.Encode(r); err != nil {
		return nil, errors.E(fmt.Sprintf("runner.Encode %s", r.Name()), err)
	}
	return yaml.Marshal(&p)
}

// Decode reconstructs the runner described by the payload b. Decode
// returns an errors.Invalid error if the payload's version or kind is
// not supported.
func Decode(b []byte) (Runner, error) {
	var p payload
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, errors.E(errors.Invalid, "runner.Decode", err)
	}
	if p.Version != PayloadVersion {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("runner.Decode: unsupported payload version %d (want %d)", p.Version, PayloadVersion))
	}
	r, err := New(p.Kind)
	if err != nil {
		return nil, err
	}
	if p.Runner.Kind == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("runner.Decode: payload for %s has no runner", p.Kind))
	}
	if err := p.Runner.Decode(r); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("runner.Decode %s", p.Kind), err)
	}
	return r, nil
}

// WritePayload writes the payload of runner r to path.
func WritePayload(ctx context.Context, path string, r Runner) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := f.Writer(ctx).Write(b); err != nil {
		f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}

// ReadPayload reads and decodes the payload at path.
func ReadPayload(ctx context.Context, path string) (Runner, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	b, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
