// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigrow fans large row-oriented workloads out over local
	cores, Sun Grid Engine job arrays, or bigmachine clusters, and
	reassembles the per-row results into a single output tree.

	A workload is a tab-separated input table in which every row is an
	independent unit of work: "run the external tool once for input X".
	A runner (package github.com/grailbio/bigrow/runner) describes how a
	row is turned into one invocation of the tool, which columns the
	table must carry, and how large a chunk of rows should be.

	The executors in package github.com/grailbio/bigrow/exec take a
	runner and a table and arrange for every unique row to be computed
	exactly once:

	- exec.Local runs the rows on a fixed-size pool of local workers.

	- exec.Dispatcher plans chunks (package chunk), renders a job array
	with its preparation and driver scripts (package artifact), submits
	and monitors it through the scheduler (package cluster), and merges
	the results back (package collect).

	- exec.Machine ships chunks to bigmachine machines, either local
	processes or EC2 instances.

	Every executor finishes with a sanity check: the number of result
	markers found in the output tree is compared with the number of
	unique input rows. A mismatch is reported, never repaired; rerunning
	the same table recomputes only the rows without a result, since
	runners never recompute a row whose result marker already exists.

	All components are configured by an explicit Config value. Package
	rowconfig can populate one from a github.com/grailbio/base/config
	profile.
*/
package bigrow
