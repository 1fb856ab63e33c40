// Package recovery resumes a stage that crashed part-way through.
//
// Each crashed attempt leaves a numbered backup of its log and checkpoint.
// The steps already integrated are the sum of the last NSTEP reported by each
// backed-up log; the stage configuration is rewritten to request only the
// remainder, continuing from the newest trustworthy checkpoint.
package recovery

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/mdin"
)

var nstepRe = regexp.MustCompile(`NSTEP\s*=\s*(\d+)`)

// Attempt is the step count recovered from one backed-up log.
type Attempt struct {
	Index int
	Steps int
}

// Plan describes how a stage resumes.
type Plan struct {
	Stage          string
	Resume         ledger.Checkpoint
	Attempts       []Attempt
	RecoveredSteps int
	TotalSteps     int
	RemainingSteps int
}

// InputCoordinates is the checkpoint the launcher must start from.
func (p *Plan) InputCoordinates() string {
	return p.Resume.Checkpoint
}

// Inspect builds a resume plan for stage s. It returns nil without error when
// there is nothing to resume: the stage is a minimization, or no backed-up
// attempt left a trustworthy checkpoint.
func Inspect(l *ledger.Ledger, s catalog.Stage) (*Plan, error) {
	return inspect(l, s, l.Checkpoints)
}

// Preview is Inspect as it would run once the stage's current artifacts are
// rotated into the next backup. It only reads.
func Preview(l *ledger.Ledger, s catalog.Stage) (*Plan, error) {
	return inspect(l, s, l.PendingCheckpoints)
}

func inspect(l *ledger.Ledger, s catalog.Stage, list func(string) ([]ledger.Checkpoint, error)) (*Plan, error) {
	if s.Minimization() {
		return nil, nil
	}

	cps, err := list(s.Name)
	if err != nil {
		return nil, apperrors.Recovery(s.Name, "scan backups", err)
	}

	plan := &Plan{Stage: s.Name}
	found := false
	for _, cp := range cps {
		if cp.Valid {
			plan.Resume = cp
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	// Sum the valid attempts from the resume point down to backup #1. Newer
	// attempts left no checkpoint, so their steps are not part of the
	// trajectory being continued.
	for _, cp := range cps {
		if cp.Index > plan.Resume.Index || !cp.Valid {
			continue
		}
		steps, err := lastStep(l, cp.Log)
		if err != nil {
			return nil, apperrors.Recovery(s.Name, "read attempt log "+cp.Log, err)
		}
		plan.Attempts = append(plan.Attempts, Attempt{Index: cp.Index, Steps: steps})
		plan.RecoveredSteps += steps
	}
	if plan.RecoveredSteps == 0 {
		return nil, apperrors.Recovery(s.Name, fmt.Sprintf("no completed steps found in %d backup(s)", len(cps)), nil)
	}

	cfgPath := l.Path(s.Name, catalog.ArtifactConfig)
	data, err := l.ReadFile(cfgPath)
	if err != nil {
		return nil, apperrors.Recovery(s.Name, "read configuration", err)
	}
	cfg, err := mdin.Parse(data)
	if err != nil {
		return nil, apperrors.Recovery(s.Name, "parse configuration", err)
	}
	if cfg.TotalSteps <= 0 {
		return nil, apperrors.Recovery(s.Name, "configuration has no "+mdin.TotalStepsMarker+" marker; cannot compute remaining steps", nil)
	}
	plan.TotalSteps = cfg.TotalSteps
	plan.RemainingSteps = cfg.TotalSteps - plan.RecoveredSteps
	if plan.RemainingSteps <= 0 {
		return nil, apperrors.Recovery(s.Name,
			fmt.Sprintf("recovered %d steps of %d requested; nothing left to run", plan.RecoveredSteps, plan.TotalSteps), nil)
	}
	return plan, nil
}

// Apply rewrites the stage configuration in place to request the remaining
// steps as a continuation run.
func (p *Plan) Apply(l *ledger.Ledger) error {
	cfgPath := l.Path(p.Stage, catalog.ArtifactConfig)
	data, err := l.ReadFile(cfgPath)
	if err != nil {
		return apperrors.Recovery(p.Stage, "read configuration", err)
	}
	cfg, err := mdin.Parse(data)
	if err != nil {
		return apperrors.Recovery(p.Stage, "parse configuration", err)
	}
	cfg.SetInt("nstlim", p.RemainingSteps)
	cfg.SetInt("irest", 1)
	cfg.SetInt("ntx", 5)
	if err := l.WriteFile(cfgPath, cfg.Render()); err != nil {
		return apperrors.Recovery(p.Stage, "write configuration", err)
	}
	return nil
}

// lastStep returns the last NSTEP value reported in a log, or 0.
func lastStep(l *ledger.Ledger, path string) (int, error) {
	f, err := l.Fs().Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	last := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := nstepRe.FindSubmatch(sc.Bytes())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(string(m[1]))
		if err == nil {
			last = n
		}
	}
	return last, sc.Err()
}
