// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest in a submission's work
// directory.
const ManifestFile = "manifest.yaml"

// Manifest describes a remote submission. It is written into the
// submission's work directory so that a retained work directory can
// be related to its inputs and to the scheduler's accounting.
type Manifest struct {
	Submission  string    `yaml:"submission"`
	Name        string    `yaml:"name"`
	Runner      string    `yaml:"runner"`
	Created     time.Time `yaml:"created"`
	Outdir      string    `yaml:"outdir"`
	Rows        int       `yaml:"rows"`
	Fingerprint string    `yaml:"fingerprint"`
	Plan        struct {
		Size        int `yaml:"size"`
		Count       int `yaml:"count"`
		Parallelism int `yaml:"parallelism"`
	} `yaml:"plan"`
	JobID string `yaml:"job_id,omitempty"`
}

func writeManifest(ctx context.Context, path string, m *Manifest) (err error) {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Writer(ctx).Write(b)
	return err
}

// ReadManifest reads the manifest at the provided path.
func ReadManifest(ctx context.Context, path string) (*Manifest, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	b, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	m := new(Manifest)
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, errors.E(errors.Invalid, "manifest "+path, err)
	}
	return m, nil
}
