// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rowflags provides flag support for bigrow command line
// applications: the execution mode and its options, parallelism, and
// status reporting.
package rowflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigrow"
	"github.com/grailbio/bigrow/cluster"
	"github.com/grailbio/bigrow/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
)

// Env is the environment in which a provider creates its executor.
type Env struct {
	Config *bigrow.Config
	// Name is the name of the workload; it names submitted jobs.
	Name string
	// Parallelism is the requested degree of parallelism.
	Parallelism int
	// Status is the status tree of the command.
	Status *status.Status
}

// Provider provides an executor for an execution mode that can be
// configured by setting some set of options via Set.
type Provider interface {
	// Name returns the name of the execution mode.
	Name() string
	// Set sets an option, specified as key=val.
	Set(string) error
	// Executor returns an executor configured by the currently set
	// options.
	Executor(env Env) (exec.Executor, error)
	// DefaultParallelism returns the default degree of parallelism to
	// use for this mode.
	DefaultParallelism() int
}

// RegisterProvider registers an execution mode.
func RegisterProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("mode %s is already registered", name)
	}
	providers[name] = provider
}

// Providers returns the names of the registered execution modes.
func Providers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// Local computes in-process.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string { return "local" }

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local mode does not support any configuration")
}

// Executor implements Provider.Executor.
func (l *Local) Executor(env Env) (exec.Executor, error) {
	return &exec.Local{Parallelism: env.Parallelism, Status: group(env, "local")}, nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (l *Local) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// SGE submits job arrays to a Sun Grid Engine cluster.
type SGE struct {
	Queues []string
	Cpus   int
	Keep   bool
}

// Name implements Provider.Name.
func (s *SGE) Name() string { return "sge" }

// Set implements Provider.Set.
func (s *SGE) Set(v string) error {
	key, val, err := keyval(v)
	if err != nil {
		return err
	}
	switch key {
	case "queue":
		s.Queues = append(s.Queues, val)
	case "cpus":
		i, err := strconv.Atoi(val)
		if err != nil || i < 1 {
			return fmt.Errorf("not a positive int: %v", val)
		}
		s.Cpus = i
	case "keep":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		s.Keep = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// Executor implements Provider.Executor.
func (s *SGE) Executor(env Env) (exec.Executor, error) {
	config := *env.Config
	if len(s.Queues) > 0 {
		config.Queues = s.Queues
	}
	if s.Cpus > 0 {
		config.TaskCpus = s.Cpus
	}
	if s.Keep {
		config.KeepWorkDir = true
	}
	d, err := exec.NewDispatcher(&config, cluster.NewSGE(&config))
	if err != nil {
		return nil, err
	}
	d.Name = env.Name
	d.Parallelism = env.Parallelism
	d.Status = group(env, "sge")
	return d, nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (s *SGE) DefaultParallelism() int { return 100 }

// Bigmachine computes on bigmachine machines, started as separate
// processes on the local machine.
type Bigmachine struct {
	Machines int
}

// Name implements Provider.Name.
func (b *Bigmachine) Name() string { return "bigmachine" }

// Set implements Provider.Set.
func (b *Bigmachine) Set(v string) error {
	key, val, err := keyval(v)
	if err != nil {
		return err
	}
	if key != "machines" {
		return fmt.Errorf("unsupported option: %v", key)
	}
	return setMachines(&b.Machines, val)
}

// Executor implements Provider.Executor.
func (b *Bigmachine) Executor(env Env) (exec.Executor, error) {
	return machineExecutor(env, bigmachine.Local, b.Machines), nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (b *Bigmachine) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// EC2 computes on AWS EC2 bigmachine instances. The configured work
// directory must then be on shared storage, e.g. an s3:// prefix.
type EC2 struct {
	Machines int
	Options  map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string { return "ec2" }

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	key, val, err := keyval(v)
	if err != nil {
		return err
	}
	switch key {
	case "machines":
		return setMachines(&ec2.Machines, val)
	case "dataspace", "rootsize":
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// Executor implements Provider.Executor.
func (ec2 *EC2) Executor(env Env) (exec.Executor, error) {
	if scheme, _, err := file.ParsePath(env.Config.WorkDir); err != nil || scheme == "" {
		return nil, fmt.Errorf("ec2 mode requires a shared work dir (e.g., s3://...), got %q", env.Config.WorkDir)
	}
	return machineExecutor(env, ec2.system(), ec2.Machines), nil
}

func (ec2 *EC2) system() *ec2system.System {
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (ec2 *EC2) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

func machineExecutor(env Env, system bigmachine.System, machines int) *exec.Machine {
	return &exec.Machine{
		System:      system,
		Machines:    machines,
		Parallelism: env.Parallelism,
		Results:     file.Join(env.Config.WorkDir, "bigrow_results"),
		KeepResults: env.Config.KeepWorkDir,
		Status:      group(env, "bigmachine"),
	}
}

func setMachines(machines *int, val string) error {
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return fmt.Errorf("not a positive int: %v", val)
	}
	*machines = i
	return nil
}

func keyval(v string) (key, val string, err error) {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("not in key=val format %q", v)
	}
	return parts[0], parts[1], nil
}

func group(env Env, name string) *status.Group {
	if env.Status == nil {
		return nil
	}
	return env.Status.Group(name)
}

func init() {
	RegisterProvider("local", &Local{})
	RegisterProvider("sge", &SGE{})
	RegisterProvider("bigmachine", &Bigmachine{})
	RegisterProvider("ec2", &EC2{})
}

// ModeHelpShort is a short explanation of the allowed ModeFlag values.
func ModeHelpShort(prefix string) string {
	const format = `an execution mode is specified as follows: {local,sge,bigmachine,ec2}[:key=val,...], use -%s for more information.`
	return fmt.Sprintf(format, prefix+"mode-help")
}

// ModeHelpLong is a complete explanation of the allowed ModeFlag values.
const ModeHelpLong = `An execution mode is specified as follows:

<mode>:<options> where options is [key=value,]+

The currently supported modes and their options are as follows:

local: in-process execution, the default.
sge: job arrays submitted to Sun Grid Engine. The supported options are:
	queue=<name> - a queue the job may run on; may be repeated
	cpus=<number> - slots requested per array task
	keep=<bool> - retain the submission's work directory
bigmachine: bigmachine machines on the local machine. The supported options are:
	machines=<number> - number of machines
ec2: bigmachine machines on AWS EC2. The supported options are:
	machines=<number> - number of machines
	instance=<AWS instance type> - the AWS instance type, e.g. m4.xlarge
	dataspace=<number> - size of the data volume in GiB
	rootsize=<number> - size of the root volume in GiB
	ondemand=<bool> - true to use on-demand rather than spot instances
	profile=<name> - the aws instance profile to use instead of a default
`

// ModeFlag is a flag that specifies the execution mode.
type ModeFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (m *ModeFlag) String() string {
	if m.Provider == nil {
		return ""
	}
	if len(m.Options) == 0 {
		return m.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", m.Provider.Name(), strings.Join(m.Options, ","))
}

// Set implements flag.Value.Set
func (m *ModeFlag) Set(v string) error {
	parts := strings.SplitN(v, ":", 2)
	name := parts[0]
	var options []string
	if len(parts) > 1 {
		options = strings.Split(parts[1], ",")
	}
	mu.Lock()
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported mode: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	m.Options = options
	m.Provider = provider
	m.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (m *ModeFlag) Get() interface{} {
	return m.String()
}

// Flags represents all of the flags that configure the execution of
// a bigrow command.
type Flags struct {
	Mode          ModeFlag
	ModeHelp      bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (rf *Flags) Output() io.Writer {
	if rf.fs == nil {
		return os.Stderr
	}
	if wr := rf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	Mode          string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
}

// RegisterFlags registers the bigrow command line flags with the
// supplied flag set. The flag names will be prefixed with the supplied
// prefix.
func RegisterFlags(fs *flag.FlagSet, rf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, rf, prefix, Defaults{Mode: "local"})
}

// RegisterFlagsWithDefaults registers the bigrow command line flags
// with the supplied flag set and defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, rf *Flags, prefix string, defaults Defaults) {
	fs.Var(&rf.Mode, prefix+"mode", ModeHelpShort(prefix))
	if err := rf.Mode.Set(defaults.Mode); err != nil {
		log.Panicf("invalid default mode %q: %v", defaults.Mode, err)
	}
	rf.Mode.Specified = false
	fs.Var(&rf.HTTPAddress, prefix+"http", "address of http status server")
	if defaults.HTTPAddress != "" {
		if err := rf.HTTPAddress.Set(defaults.HTTPAddress); err != nil {
			log.Panicf("invalid default http address %q: %v", defaults.HTTPAddress, err)
		}
		rf.HTTPAddress.Specified = false
	}
	fs.BoolVar(&rf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&rf.Parallelism, prefix+"parallelism", defaults.Parallelism, "maximum number of concurrently computed chunks, 0 requests an appropriate default for the mode")
	fs.BoolVar(&rf.ModeHelp, prefix+"mode-help", false, "provide help on execution modes")
	rf.fs = fs
}

// Executor returns the executor selected by the flags for a workload
// named name.
func (rf *Flags) Executor(config *bigrow.Config, name string, st *status.Status) (exec.Executor, error) {
	p := rf.Parallelism
	if p <= 0 {
		p = rf.Mode.Provider.DefaultParallelism()
	}
	return rf.Mode.Provider.Executor(Env{Config: config, Name: name, Parallelism: p, Status: st})
}
