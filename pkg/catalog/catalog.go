// Package catalog defines the ordered list of pipeline stages and the run
// parameters they are derived from.
//
// The catalog is static apart from equilibration, which is expanded into one
// sub-stage per restraint weight of the configured decay schedule:
//
//	min1 → min2 → heat → density → equil1..equilN → prod → amd
package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind separates energy minimization from dynamics.
type Kind string

const (
	KindMinimize Kind = "minimize"
	KindMD       Kind = "md"
)

// Ensemble is the thermodynamic ensemble of an MD stage.
type Ensemble string

const (
	EnsembleNone Ensemble = ""
	EnsembleNVT  Ensemble = "nvt"
	EnsembleNPT  Ensemble = "npt"
)

// ArtifactKind names one output file of a stage. The value is the file
// extension used in {prefix}.{stage}.{ext}.
type ArtifactKind string

const (
	ArtifactConfig     ArtifactKind = "mdin"
	ArtifactLog        ArtifactKind = "out"
	ArtifactCheckpoint ArtifactKind = "rst"
	ArtifactTrajectory ArtifactKind = "nc"
	ArtifactInfo       ArtifactKind = "info"
	ArtifactSnapshot   ArtifactKind = "pdb"
)

// OutputKinds lists every artifact a stage attempt can produce, in rotation
// order. The configuration is an input and is never rotated.
var OutputKinds = []ArtifactKind{
	ArtifactLog,
	ArtifactInfo,
	ArtifactCheckpoint,
	ArtifactTrajectory,
	ArtifactSnapshot,
}

// Stage is one named step of the pipeline.
type Stage struct {
	Index           int
	Name            string
	Group           string
	Kind            Kind
	Title           string
	Steps           int
	Restrained      bool
	RestraintWeight float64
	TempStart       float64
	TempEnd         float64
	Ensemble        Ensemble
	Continuation    bool
	Accelerated     bool
}

// Minimization reports whether the stage is a pure energy minimization.
func (s Stage) Minimization() bool {
	return s.Kind == KindMinimize
}

// Expected returns the artifact kinds that must be present and non-empty for
// the stage to count as complete.
func (s Stage) Expected() []ArtifactKind {
	if s.Minimization() {
		return []ArtifactKind{ArtifactLog, ArtifactInfo, ArtifactCheckpoint}
	}
	return []ArtifactKind{ArtifactLog, ArtifactInfo, ArtifactCheckpoint, ArtifactTrajectory}
}

// Build expands the catalog for the given parameters.
func Build(p RunParameters) ([]Stage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	w0 := p.Restraint.Start
	stages := []Stage{
		{
			Name:            "min1",
			Group:           "min1",
			Kind:            KindMinimize,
			Title:           fmt.Sprintf("min1: minimization with solute restraints (%.3f kcal/mol/A^2)", w0),
			Steps:           p.MinSteps,
			Restrained:      w0 > 0,
			RestraintWeight: w0,
		},
		{
			Name:  "min2",
			Group: "min2",
			Kind:  KindMinimize,
			Title: "min2: unrestrained minimization",
			Steps: p.MinSteps,
		},
		{
			Name:            "heat",
			Group:           "heat",
			Kind:            KindMD,
			Title:           fmt.Sprintf("heat: NVT heating 0 -> %.1f K", p.Temperature),
			Steps:           p.StepsFor(p.HeatTimePS),
			Restrained:      w0 > 0,
			RestraintWeight: w0,
			TempStart:       0,
			TempEnd:         p.Temperature,
			Ensemble:        EnsembleNVT,
		},
		{
			Name:            "density",
			Group:           "density",
			Kind:            KindMD,
			Title:           fmt.Sprintf("density: NPT density equilibration at %.1f K", p.Temperature),
			Steps:           p.StepsFor(p.DensityTimePS),
			Restrained:      w0 > 0,
			RestraintWeight: w0,
			TempStart:       p.Temperature,
			TempEnd:         p.Temperature,
			Ensemble:        EnsembleNPT,
			Continuation:    true,
		},
	}

	weights := p.RestraintSchedule()
	total := p.StepsFor(p.EquilTimePS)
	per := total / len(weights)
	for i, w := range weights {
		steps := per
		if i == len(weights)-1 {
			steps = total - per*(len(weights)-1)
		}
		name := fmt.Sprintf("equil%d", i+1)
		stages = append(stages, Stage{
			Name:            name,
			Group:           "equil",
			Kind:            KindMD,
			Title:           fmt.Sprintf("%s: NPT equilibration, restraint %s kcal/mol/A^2", name, strconv.FormatFloat(w, 'f', -1, 64)),
			Steps:           steps,
			Restrained:      w > 0,
			RestraintWeight: w,
			TempStart:       p.Temperature,
			TempEnd:         p.Temperature,
			Ensemble:        EnsembleNPT,
			Continuation:    true,
		})
	}

	stages = append(stages,
		Stage{
			Name:         "prod",
			Group:        "prod",
			Kind:         KindMD,
			Title:        fmt.Sprintf("prod: NPT production at %.1f K", p.Temperature),
			Steps:        p.StepsFor(p.ProdTimePS),
			TempStart:    p.Temperature,
			TempEnd:      p.Temperature,
			Ensemble:     EnsembleNPT,
			Continuation: true,
		},
		Stage{
			Name:         "amd",
			Group:        "amd",
			Kind:         KindMD,
			Title:        fmt.Sprintf("amd: dual-boost accelerated MD at %.1f K", p.Temperature),
			Steps:        p.StepsFor(p.AMDTimePS),
			TempStart:    p.Temperature,
			TempEnd:      p.Temperature,
			Ensemble:     EnsembleNPT,
			Continuation: true,
			Accelerated:  true,
		},
	)

	for i := range stages {
		stages[i].Index = i
	}
	return stages, nil
}

// Find returns the stage with the given name.
func Find(stages []Stage, name string) (Stage, bool) {
	name = strings.TrimSpace(name)
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Names returns the stage names in catalog order.
func Names(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Name
	}
	return out
}

// Previous returns the stage preceding s, or false for the first stage.
func Previous(stages []Stage, s Stage) (Stage, bool) {
	if s.Index <= 0 || s.Index > len(stages) {
		return Stage{}, false
	}
	return stages[s.Index-1], true
}
