package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Restraint schedules for the equilibration expansion.
const (
	ScheduleLinear    = "linear"
	ScheduleGeometric = "geometric"
)

// RestraintParams controls the positional restraint decay over equilibration.
type RestraintParams struct {
	Start     float64 `mapstructure:"start" yaml:"start" json:"start"`
	Decrement float64 `mapstructure:"decrement" yaml:"decrement" json:"decrement"`
	Factor    float64 `mapstructure:"factor" yaml:"factor" json:"factor"`
	Floor     float64 `mapstructure:"floor" yaml:"floor" json:"floor"`
	Schedule  string  `mapstructure:"schedule" yaml:"schedule" json:"schedule"`
	Mask      string  `mapstructure:"mask" yaml:"mask" json:"mask"`
}

// RunParameters is the immutable global configuration of a run. Values are
// passed explicitly to every consumer; nothing reads them from package state.
//
// Times are in picoseconds; the timestep is in picoseconds per step.
type RunParameters struct {
	Temperature     float64         `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	Timestep        float64         `mapstructure:"timestep" yaml:"timestep" json:"timestep"`
	Cutoff          float64         `mapstructure:"cutoff" yaml:"cutoff" json:"cutoff"`
	Restraint       RestraintParams `mapstructure:"restraint" yaml:"restraint" json:"restraint"`
	MinSteps        int             `mapstructure:"min_steps" yaml:"min_steps" json:"min_steps"`
	HeatTimePS      float64         `mapstructure:"heat_time_ps" yaml:"heat_time_ps" json:"heat_time_ps"`
	DensityTimePS   float64         `mapstructure:"density_time_ps" yaml:"density_time_ps" json:"density_time_ps"`
	EquilTimePS     float64         `mapstructure:"equil_time_ps" yaml:"equil_time_ps" json:"equil_time_ps"`
	ProdTimePS      float64         `mapstructure:"prod_time_ps" yaml:"prod_time_ps" json:"prod_time_ps"`
	AMDTimePS       float64         `mapstructure:"amd_time_ps" yaml:"amd_time_ps" json:"amd_time_ps"`
	WriteInterval   int             `mapstructure:"write_interval" yaml:"write_interval" json:"write_interval"`
	PrintInterval   int             `mapstructure:"print_interval" yaml:"print_interval" json:"print_interval"`
	RestartInterval int             `mapstructure:"restart_interval" yaml:"restart_interval" json:"restart_interval"`
}

// DefaultParams returns the parameters used when no overrides are given.
func DefaultParams() RunParameters {
	return RunParameters{
		Temperature: 300.0,
		Timestep:    0.002,
		Cutoff:      8.0,
		Restraint: RestraintParams{
			Start:     5.0,
			Decrement: 1.0,
			Factor:    0.5,
			Floor:     0.1,
			Schedule:  ScheduleLinear,
			Mask:      "!:WAT,Na+,Cl- & !@H=",
		},
		MinSteps:        5000,
		HeatTimePS:      100,
		DensityTimePS:   100,
		EquilTimePS:     1000,
		ProdTimePS:      10000,
		AMDTimePS:       10000,
		WriteInterval:   5000,
		PrintInterval:   1000,
		RestartInterval: 5000,
	}
}

// Validate rejects parameter sets that cannot produce a catalog.
func (p RunParameters) Validate() error {
	var problems []string
	if p.Temperature <= 0 {
		problems = append(problems, "temperature must be positive")
	}
	if p.Timestep <= 0 {
		problems = append(problems, "timestep must be positive")
	}
	if p.Cutoff <= 0 {
		problems = append(problems, "cutoff must be positive")
	}
	if p.MinSteps <= 0 {
		problems = append(problems, "min_steps must be positive")
	}
	if p.Restraint.Start < 0 {
		problems = append(problems, "restraint.start must not be negative")
	}
	switch p.Restraint.Schedule {
	case ScheduleLinear:
		if p.Restraint.Decrement <= 0 {
			problems = append(problems, "restraint.decrement must be positive for a linear schedule")
		}
	case ScheduleGeometric:
		if p.Restraint.Factor <= 0 || p.Restraint.Factor >= 1 {
			problems = append(problems, "restraint.factor must be in (0,1) for a geometric schedule")
		}
		if p.Restraint.Floor <= 0 {
			problems = append(problems, "restraint.floor must be positive for a geometric schedule")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown restraint.schedule %q", p.Restraint.Schedule))
	}
	for name, v := range map[string]float64{
		"heat_time_ps":    p.HeatTimePS,
		"density_time_ps": p.DensityTimePS,
		"equil_time_ps":   p.EquilTimePS,
		"prod_time_ps":    p.ProdTimePS,
		"amd_time_ps":     p.AMDTimePS,
	} {
		if v <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if p.WriteInterval <= 0 || p.PrintInterval <= 0 || p.RestartInterval <= 0 {
		problems = append(problems, "write, print and restart intervals must be positive")
	}
	if len(problems) == 0 {
		// Step counts are only meaningful once timestep and schedule are valid.
		problems = append(problems, p.stepProblems()...)
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid run parameters: %s", strings.Join(problems, "; "))
}

// stepProblems reports stages that would be materialized with no steps.
func (p RunParameters) stepProblems() []string {
	var problems []string
	for name, v := range map[string]float64{
		"heat_time_ps":    p.HeatTimePS,
		"density_time_ps": p.DensityTimePS,
		"prod_time_ps":    p.ProdTimePS,
		"amd_time_ps":     p.AMDTimePS,
	} {
		if p.StepsFor(v) <= 0 {
			problems = append(problems, fmt.Sprintf("%s is shorter than one timestep", name))
		}
	}
	if n, stages := p.StepsFor(p.EquilTimePS), len(p.RestraintSchedule()); n < stages {
		problems = append(problems,
			fmt.Sprintf("equil_time_ps gives %d steps for %d equilibration stages", n, stages))
	}
	return problems
}

// StepsFor converts a simulated time into an integration step count.
func (p RunParameters) StepsFor(ps float64) int {
	return int(math.Round(ps / p.Timestep))
}

// RestraintSchedule returns the restraint weight of every equilibration
// sub-stage. The last weight is always zero.
func (p RunParameters) RestraintSchedule() []float64 {
	r := p.Restraint
	var weights []float64
	w := round6(r.Start)
	switch r.Schedule {
	case ScheduleGeometric:
		for w >= r.Floor && w > 0 {
			weights = append(weights, w)
			w = round6(w * r.Factor)
		}
	default:
		for w > 0 {
			weights = append(weights, w)
			w = round6(w - r.Decrement)
		}
	}
	return append(weights, 0)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
