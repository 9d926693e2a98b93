// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package artifact

import (
	"path/filepath"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"q":    shellQuote,
	"join": strings.Join,
	"base": filepath.Base,
}

var prepareTemplate = template.Must(template.New(PrepareFile).Funcs(funcs).Parse(`#!/bin/bash
{{- if .SharedIndex}}
# Sourced by the job script on every array task. Stages the shared
# index onto node-local storage once per node.

index_dir={{q .IndexCacheDir}}
index_name={{q (base .SharedIndex)}}
mkdir -p "$index_dir" || { echo "$0: cannot create $index_dir" >&2; exit 1; }
(
	flock 9
	if [ ! -e "$index_dir/.staged_$index_name" ]; then
		rsync -ra {{q .SharedIndex}}* "$index_dir/" && touch "$index_dir/.staged_$index_name"
	fi
) 9>"$index_dir/.lock_$index_name"
if [ ! -e "$index_dir/.staged_$index_name" ]; then
	echo "$0: cannot stage $index_name to $index_dir" >&2
	exit 1
fi
export ` + SharedIndexEnv + `="$index_dir/$index_name"
{{- end}}
`))

var driverTemplate = template.Must(template.New(DriverFile).Funcs(funcs).Parse(`#!/bin/bash
# Computes the rows of one input slice: driver.sh <input.tsv> <outdir>
if [ $# -ne 2 ]; then
	echo "usage: $0 <input.tsv> <outdir>" >&2
	exit 2
fi
exec {{q .WorkerBinary}} worker -payload {{q (.Path "` + PayloadFile + `")}} "$1" "$2"
`))

var jobTemplate = template.Must(template.New(JobFile).Funcs(funcs).Parse(`#!/bin/bash
#$ -N {{.JobName}}
#$ -wd {{.WorkDir}}
{{- if .Queues}}
#$ -q {{join .Queues ","}}
{{- end}}
#$ -o {{.Path "` + LogsDir + `"}}
#$ -e {{.Path "` + LogsDir + `"}}
#$ -t 1-{{.Plan.Count}}
#$ -tc {{.Concurrency}}
#$ -S /bin/bash
{{- if gt .TaskCpus 1}}
#$ -pe smp {{.TaskCpus}}
{{- end}}
{{- if .Hosts}}
#$ -l h='{{.Hosts}}'
{{- end}}

ulimit -c 0

GLOBAL_WORK_DIR={{q .WorkDir}}
LOCAL_WORK_DIR={{q .LocalWorkDir}}
INPUT_FILE={{q (.Path "` + InputFile + `")}}
RESULTS_DIR={{q (.Path "` + ResultsDir + `")}}

echo "bigrow: task ${SGE_TASK_ID} of {{.Plan.Count}} running on $(hostname)"

mkdir -p "$LOCAL_WORK_DIR" || { echo "$0: cannot create $LOCAL_WORK_DIR" >&2; exit 1; }
THIS_TMPDIR=$(mktemp -d --tmpdir="$LOCAL_WORK_DIR") || { echo "$0: cannot create scratch dir" >&2; exit 1; }
trap 'rm -r "$THIS_TMPDIR"' EXIT

source {{q (.Path "` + PrepareFile + `")}}

THIS_INPUT_FILE="$THIS_TMPDIR/input.tsv"
{{.Slice}}

THIS_RESULTS_DIR="$THIS_TMPDIR/results"
mkdir "$THIS_RESULTS_DIR"

{{q (.Path "` + DriverFile + `")}} "$THIS_INPUT_FILE" "$THIS_RESULTS_DIR"
status=$?

rsync -ra "$THIS_RESULTS_DIR/" "$RESULTS_DIR/"
echo "bigrow: task ${SGE_TASK_ID} finished with status $status"
exit $status
`))
