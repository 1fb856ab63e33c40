package mdin

import (
	"github.com/3leaps/autorun/pkg/catalog"
)

// AMD fields left pending by Materialize and filled by the statistics step.
const (
	FieldEthreshP = "ethreshp"
	FieldAlphaP   = "alphap"
	FieldEthreshD = "ethreshd"
	FieldAlphaD   = "alphad"
)

// AMDFields lists the fields an accelerated stage leaves pending.
var AMDFields = []string{FieldEthreshP, FieldAlphaP, FieldEthreshD, FieldAlphaD}

// Materialize builds the configuration of a stage. It is a pure function of
// its arguments: identical inputs render to identical bytes.
func Materialize(s catalog.Stage, p catalog.RunParameters) *Config {
	c := &Config{Title: s.Title}

	if s.Minimization() {
		c.SetInt("imin", 1)
		c.SetInt("maxcyc", s.Steps)
		c.SetInt("ncyc", s.Steps/2)
		c.SetInt("ntb", 1)
		c.Set("cut", formatFloat(p.Cutoff))
		c.SetInt("ntpr", minInt(p.PrintInterval, s.Steps))
		addRestraints(c, s, p)
		return c
	}

	irest, ntx := 0, 1
	if s.Continuation {
		irest, ntx = 1, 5
	}
	c.SetInt("imin", 0)
	c.SetInt("irest", irest)
	c.SetInt("ntx", ntx)
	c.SetInt("nstlim", s.Steps)
	c.Set("dt", formatFloat(p.Timestep))
	c.SetInt("ntc", 2)
	c.SetInt("ntf", 2)
	c.Set("cut", formatFloat(p.Cutoff))
	switch s.Ensemble {
	case catalog.EnsembleNPT:
		c.SetInt("ntb", 2)
		c.SetInt("ntp", 1)
		c.SetInt("barostat", 2)
		c.Set("pres0", "1.0")
		c.Set("taup", "2.0")
	default:
		c.SetInt("ntb", 1)
		c.SetInt("ntp", 0)
	}
	c.SetInt("ntt", 3)
	c.Set("gamma_ln", "2.0")
	c.SetInt("ig", -1)
	c.Set("tempi", formatFloat(s.TempStart))
	c.Set("temp0", formatFloat(s.TempEnd))
	c.SetInt("ntpr", p.PrintInterval)
	c.SetInt("ntwx", p.WriteInterval)
	c.SetInt("ntwr", p.RestartInterval)
	c.SetInt("ioutfm", 1)
	c.SetInt("iwrap", 1)
	addRestraints(c, s, p)

	if s.Accelerated {
		c.SetInt("iamd", 3)
		for _, k := range AMDFields {
			c.Set(k, Placeholder(k))
		}
	}

	c.TotalSteps = s.Steps
	return c
}

func addRestraints(c *Config, s catalog.Stage, p catalog.RunParameters) {
	if !s.Restrained {
		c.SetInt("ntr", 0)
		return
	}
	c.SetInt("ntr", 1)
	c.Set("restraint_wt", formatFloat(s.RestraintWeight))
	c.Set("restraintmask", "'"+p.Restraint.Mask+"'")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
