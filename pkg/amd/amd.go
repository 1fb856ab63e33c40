// Package amd derives accelerated-MD boost parameters from a finished
// production run.
//
// Dihedral and total potential boosts follow the usual dual-boost recipe:
//
//	alphaD   = 0.2 * 3.5 * Nres
//	EthreshD = <DIHED> + 3.5 * Nres
//	alphaP   = 0.16 * Natom
//	EthreshP = <EPtot> + 0.16 * Natom
//
// Nres counts solute residues only; water and counter-ions are excluded.
package amd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/mdin"
)

const (
	dihedralPerResidue = 3.5
	dihedralAlphaScale = 0.2
	totalPerAtom       = 0.16
)

// SolventResidues are excluded from the solute residue count.
var SolventResidues = map[string]bool{
	"WAT": true,
	"HOH": true,
	"Na+": true,
	"Cl-": true,
	"K+":  true,
}

// Topology holds the few prmtop fields the derivation needs.
type Topology struct {
	Atoms    int
	Residues int
	Labels   []string
}

// SoluteResidues counts residues whose label is not solvent or ion.
func (t Topology) SoluteResidues() int {
	n := 0
	for _, l := range t.Labels {
		if !SolventResidues[l] {
			n++
		}
	}
	return n
}

// Energies are per-record samples from an MD log.
type Energies struct {
	EPtot []float64
	Dihed []float64
}

// Params are the four boost fields written into the accelerated stage.
type Params struct {
	EthreshP float64 `json:"ethreshp"`
	AlphaP   float64 `json:"alphap"`
	EthreshD float64 `json:"ethreshd"`
	AlphaD   float64 `json:"alphad"`
}

// Values keys the parameters by configuration field.
func (p Params) Values() map[string]float64 {
	return map[string]float64{
		mdin.FieldEthreshP: p.EthreshP,
		mdin.FieldAlphaP:   p.AlphaP,
		mdin.FieldEthreshD: p.EthreshD,
		mdin.FieldAlphaD:   p.AlphaD,
	}
}

// Derive computes boost parameters.
func Derive(top Topology, e Energies) (Params, error) {
	if top.Atoms <= 0 {
		return Params{}, errors.New("topology reports no atoms")
	}
	nres := top.SoluteResidues()
	if nres == 0 {
		return Params{}, errors.New("topology has no solute residues")
	}
	if len(e.EPtot) == 0 || len(e.Dihed) == 0 {
		return Params{}, errors.New("log has no energy records")
	}
	ep := stat.Mean(e.EPtot, nil)
	dih := stat.Mean(e.Dihed, nil)
	natom := float64(top.Atoms)
	res := float64(nres)
	return Params{
		EthreshP: round3(ep + totalPerAtom*natom),
		AlphaP:   round3(totalPerAtom * natom),
		EthreshD: round3(dih + dihedralPerResidue*res),
		AlphaD:   round3(dihedralAlphaScale * dihedralPerResidue * res),
	}, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

var formatRe = regexp.MustCompile(`%FORMAT\((\d+)([aAIiEe])(\d+)`)

// ParseTopology reads POINTERS and RESIDUE_LABEL from a prmtop.
func ParseTopology(r io.Reader) (Topology, error) {
	var (
		top   Topology
		flag  string
		width int
		ptrs  []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "%FLAG"):
			flag = strings.TrimSpace(strings.TrimPrefix(line, "%FLAG"))
			width = 0
			continue
		case strings.HasPrefix(line, "%FORMAT"):
			m := formatRe.FindStringSubmatch(line)
			if m == nil {
				return Topology{}, fmt.Errorf("unsupported format line %q", line)
			}
			width, _ = strconv.Atoi(m[3])
			continue
		case strings.HasPrefix(line, "%"):
			continue
		}
		if flag != "POINTERS" && flag != "RESIDUE_LABEL" {
			continue
		}
		if width <= 0 {
			return Topology{}, fmt.Errorf("%s block has no format", flag)
		}
		for i := 0; i < len(line); i += width {
			end := i + width
			if end > len(line) {
				end = len(line)
			}
			field := strings.TrimSpace(line[i:end])
			if field == "" {
				continue
			}
			if flag == "POINTERS" {
				ptrs = append(ptrs, field)
			} else {
				top.Labels = append(top.Labels, field)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Topology{}, err
	}
	// NATOM is POINTERS[0], NRES is POINTERS[11].
	if len(ptrs) < 12 {
		return Topology{}, errors.New("POINTERS block missing or truncated")
	}
	var err error
	if top.Atoms, err = strconv.Atoi(ptrs[0]); err != nil {
		return Topology{}, fmt.Errorf("NATOM: %w", err)
	}
	if top.Residues, err = strconv.Atoi(ptrs[11]); err != nil {
		return Topology{}, fmt.Errorf("NRES: %w", err)
	}
	if len(top.Labels) != top.Residues {
		return Topology{}, fmt.Errorf("RESIDUE_LABEL has %d entries, POINTERS says %d", len(top.Labels), top.Residues)
	}
	return top, nil
}

var (
	eptotRe = regexp.MustCompile(`EPtot\s*=\s*(-?[\d.]+(?:[eE][-+]?\d+)?)`)
	dihedRe = regexp.MustCompile(`DIHED\s*=\s*(-?[\d.]+(?:[eE][-+]?\d+)?)`)
)

// averagesMarker opens the summary block of an MD log, which repeats the
// energy keys with averaged values.
const averagesMarker = "A V E R A G E S"

// ParseEnergies collects EPtot and DIHED samples up to the averages block.
func ParseEnergies(r io.Reader) (Energies, error) {
	var e Energies
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, averagesMarker) {
			break
		}
		if m := eptotRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return Energies{}, fmt.Errorf("EPtot %q: %w", m[1], err)
			}
			e.EPtot = append(e.EPtot, v)
		}
		if m := dihedRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return Energies{}, fmt.Errorf("DIHED %q: %w", m[1], err)
			}
			e.Dihed = append(e.Dihed, v)
		}
	}
	return e, sc.Err()
}

// FromRun derives parameters from the run's topology and the log of the
// source stage.
func FromRun(l *ledger.Ledger, source string) (Params, error) {
	topData, err := l.ReadFile(l.TopologyPath())
	if err != nil {
		return Params{}, fmt.Errorf("read topology: %w", err)
	}
	top, err := ParseTopology(bytes.NewReader(topData))
	if err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", l.TopologyPath(), err)
	}
	logPath := l.Path(source, catalog.ArtifactLog)
	logData, err := l.ReadFile(logPath)
	if err != nil {
		return Params{}, fmt.Errorf("read %s log: %w", source, err)
	}
	e, err := ParseEnergies(bytes.NewReader(logData))
	if err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", logPath, err)
	}
	p, err := Derive(top, e)
	if err != nil {
		return Params{}, fmt.Errorf("%s: %w", logPath, err)
	}
	return p, nil
}

// FillConfig fills the pending boost fields of the accelerated stage's
// configuration in place and returns the derived parameters.
func FillConfig(l *ledger.Ledger, stage catalog.Stage, source string) (Params, error) {
	path := l.Path(stage.Name, catalog.ArtifactConfig)
	data, err := l.ReadFile(path)
	if err != nil {
		return Params{}, err
	}
	cfg, err := mdin.Parse(data)
	if err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", path, err)
	}
	p, err := FromRun(l, source)
	if err != nil {
		return Params{}, err
	}
	pending := cfg.Pending()
	if len(pending) == 0 {
		return p, nil
	}
	values := p.Values()
	fill := make(map[string]float64, len(pending))
	for _, k := range pending {
		v, ok := values[k]
		if !ok {
			return Params{}, fmt.Errorf("%s: no value for pending field %s", path, k)
		}
		fill[k] = v
	}
	if err := cfg.Fill(fill); err != nil {
		return Params{}, err
	}
	if err := l.WriteFile(path, cfg.Render()); err != nil {
		return Params{}, err
	}
	return p, nil
}
