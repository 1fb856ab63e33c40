// Package launcher assembles and runs external MD engine invocations.
//
// Command lines follow a fixed grammar:
//
//	[CUDA_VISIBLE_DEVICES=<gpu>] [<mpi> -np <n>] <binary> -O -i <mdin> -o <out>
//	    -p <prmtop> -c <inpcrd> -r <rst> -inf <info> [-ref <ref>] [-x <nc>]
//
// -ref is present only for restrained stages and -x is suppressed for pure
// minimizations.
package launcher

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Engine selects the MD binary by capability.
type Engine string

const (
	EngineGPU    Engine = "gpu"
	EngineGPUMPI Engine = "gpu-mpi"
	EngineCPUMPI Engine = "cpu-mpi"
	EngineSander Engine = "sander"
)

// Engines lists every accepted engine name.
var Engines = []Engine{EngineGPU, EngineGPUMPI, EngineCPUMPI, EngineSander}

// DefaultPollInterval is how often the progress file is read.
const DefaultPollInterval = time.Second

// ParseEngine validates an engine name.
func ParseEngine(s string) (Engine, error) {
	e := Engine(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Engines {
		if e == known {
			return e, nil
		}
	}
	names := make([]string, len(Engines))
	for i, k := range Engines {
		names[i] = string(k)
	}
	return "", fmt.Errorf("unknown engine %q (want one of %s)", s, strings.Join(names, ", "))
}

// Binary returns the executable name for the engine.
func (e Engine) Binary() string {
	switch e {
	case EngineGPU:
		return "pmemd.cuda"
	case EngineGPUMPI:
		return "pmemd.cuda.MPI"
	case EngineCPUMPI:
		return "pmemd.MPI"
	default:
		return "sander"
	}
}

// GPU reports whether the engine runs on CUDA devices.
func (e Engine) GPU() bool {
	return e == EngineGPU || e == EngineGPUMPI
}

// MPI reports whether the engine needs an MPI launcher prefix.
func (e Engine) MPI() bool {
	return e == EngineGPUMPI || e == EngineCPUMPI
}

// Settings carries the launcher configuration.
type Settings struct {
	Engine         Engine        `mapstructure:"engine" yaml:"engine"`
	GPU            string        `mapstructure:"gpu" yaml:"gpu"`
	MPICommand     string        `mapstructure:"mpi_command" yaml:"mpi_command"`
	Nodes          int           `mapstructure:"nodes" yaml:"nodes"`
	ProcsPerNode   int           `mapstructure:"procs_per_node" yaml:"procs_per_node"`
	AmberHome      string        `mapstructure:"amber_home" yaml:"amber_home"`
	SnapshotBinary string        `mapstructure:"snapshot_binary" yaml:"snapshot_binary"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BinaryPath resolves an executable name against AmberHome when set.
func (s Settings) BinaryPath(name string) string {
	if strings.TrimSpace(s.AmberHome) == "" {
		return name
	}
	return filepath.Join(s.AmberHome, "bin", name)
}

// EngineBinary returns the resolved MD binary.
func (s Settings) EngineBinary() string {
	return s.BinaryPath(s.Engine.Binary())
}

// Procs is the MPI rank count.
func (s Settings) Procs() int {
	nodes, ppn := s.Nodes, s.ProcsPerNode
	if nodes <= 0 {
		nodes = 1
	}
	if ppn <= 0 {
		ppn = 1
	}
	return nodes * ppn
}

// LookPath verifies that the engine and snapshot binaries are executable.
func (s Settings) LookPath() (map[string]error, bool) {
	out := make(map[string]error)
	ok := true
	for _, bin := range []string{s.EngineBinary(), s.BinaryPath(s.snapshotName())} {
		_, err := exec.LookPath(bin)
		out[bin] = err
		if err != nil {
			ok = false
		}
	}
	if s.Engine.MPI() {
		fields := strings.Fields(s.MPICommand)
		if len(fields) > 0 {
			_, err := exec.LookPath(fields[0])
			out[fields[0]] = err
			if err != nil {
				ok = false
			}
		}
	}
	return out, ok
}

func (s Settings) snapshotName() string {
	if strings.TrimSpace(s.SnapshotBinary) == "" {
		return "ambpdb"
	}
	return s.SnapshotBinary
}

// Invocation names the files of one stage run.
type Invocation struct {
	Config       string
	Output       string
	Topology     string
	Input        string
	Restart      string
	Info         string
	Reference    string
	Trajectory   string
	Restrained   bool
	Minimization bool
}

// Command is an assembled invocation.
type Command struct {
	Env  []string
	Args []string
}

// String renders the command as a shell line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Env)+len(c.Args))
	parts = append(parts, c.Env...)
	for _, a := range c.Args {
		if strings.ContainsAny(a, " \t'\"") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Build assembles the command for inv.
func Build(s Settings, inv Invocation) (Command, error) {
	required := []struct{ name, val string }{
		{"config", inv.Config},
		{"output", inv.Output},
		{"topology", inv.Topology},
		{"input coordinates", inv.Input},
		{"restart", inv.Restart},
		{"info", inv.Info},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return Command{}, fmt.Errorf("%s path is required", r.name)
		}
	}
	if inv.Restrained && strings.TrimSpace(inv.Reference) == "" {
		return Command{}, fmt.Errorf("reference coordinates are required for a restrained stage")
	}
	if !inv.Minimization && strings.TrimSpace(inv.Trajectory) == "" {
		return Command{}, fmt.Errorf("trajectory path is required for an MD stage")
	}

	var cmd Command
	if s.Engine.GPU() && strings.TrimSpace(s.GPU) != "" {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+strings.TrimSpace(s.GPU))
	}
	if s.Engine.MPI() {
		mpi := strings.Fields(s.MPICommand)
		if len(mpi) == 0 {
			mpi = []string{"mpirun"}
		}
		cmd.Args = append(cmd.Args, mpi...)
		cmd.Args = append(cmd.Args, "-np", strconv.Itoa(s.Procs()))
	}
	cmd.Args = append(cmd.Args,
		s.EngineBinary(), "-O",
		"-i", inv.Config,
		"-o", inv.Output,
		"-p", inv.Topology,
		"-c", inv.Input,
		"-r", inv.Restart,
		"-inf", inv.Info,
	)
	if inv.Restrained {
		cmd.Args = append(cmd.Args, "-ref", inv.Reference)
	}
	if !inv.Minimization {
		cmd.Args = append(cmd.Args, "-x", inv.Trajectory)
	}
	return cmd, nil
}
