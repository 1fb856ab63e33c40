// Package sequencer walks the stage catalog and drives each stage through
// materialization, backup, recovery, launch and validation.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/amd"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/mdin"
	"github.com/3leaps/autorun/pkg/recovery"
)

// StackHint is shown when a stage finished without valid artifacts.
const StackHint = "check the stage log for errors; engine crashes on large systems are often fixed by raising the stack limit (ulimit -s unlimited)"

// Outcome summarizes how a run ended.
type Outcome string

const (
	// OutcomePrepared means missing configurations were written and
	// nothing was launched.
	OutcomePrepared Outcome = "prepared"
	// OutcomeCompleted means every selected stage is complete.
	OutcomeCompleted Outcome = "completed"
	// OutcomeStopped means the run halted before the boundary stage.
	OutcomeStopped Outcome = "stopped"
	// OutcomeDryRun means commands were printed and nothing ran.
	OutcomeDryRun Outcome = "dry-run"
)

// Options selects which stages run and how.
type Options struct {
	// Only restricts the run to exactly one stage.
	Only string
	// StopBefore halts before the named stage.
	StopBefore string
	// DryRun prints the commands without launching or touching artifacts.
	DryRun bool
	// NoClobber makes an existing snapshot of the prior stage fatal.
	NoClobber bool
}

// Report describes a finished Run.
type Report struct {
	Outcome   Outcome  `json:"outcome"`
	Prepared  []string `json:"prepared,omitempty"`
	Ran       []string `json:"ran,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	StoppedAt string   `json:"stopped_at,omitempty"`
}

// Snapshotter writes a structure snapshot of checkpoint to out.
type Snapshotter func(ctx context.Context, topology, checkpoint string, out io.Writer) error

// Sequencer runs the pipeline for one run directory.
type Sequencer struct {
	Ledger   *ledger.Ledger
	Params   catalog.RunParameters
	Stages   []catalog.Stage
	Settings launcher.Settings
	Starter  launcher.Starter
	Snapshot Snapshotter
	Observer Observer
	// Out receives dry-run commands.
	Out io.Writer
}

// New builds a sequencer with the real launcher and snapshot tool.
func New(l *ledger.Ledger, p catalog.RunParameters, s launcher.Settings) (*Sequencer, error) {
	stages, err := catalog.Build(p)
	if err != nil {
		return nil, apperrors.Usage("invalid run parameters: %v", err)
	}
	return &Sequencer{
		Ledger:   l,
		Params:   p,
		Stages:   stages,
		Settings: s,
		Starter:  launcher.New(l.Fs(), s),
		Snapshot: func(ctx context.Context, top, cp string, out io.Writer) error {
			return launcher.Snapshot(ctx, s, top, cp, out)
		},
		Observer: NopObserver{},
		Out:      io.Discard,
	}, nil
}

// CheckOptions validates stage names and flag combinations.
func CheckOptions(stages []catalog.Stage, opts Options) error {
	if opts.Only != "" && opts.StopBefore != "" {
		return apperrors.Usage("--only and --stop-before are mutually exclusive")
	}
	for _, name := range []string{opts.Only, opts.StopBefore} {
		if name == "" {
			continue
		}
		if _, ok := catalog.Find(stages, name); !ok {
			return apperrors.Usage("unknown stage %q (stages: %s)", name, strings.Join(catalog.Names(stages), ", "))
		}
	}
	return nil
}

// Prepare writes the configuration of every stage that lacks one and
// returns the stages written. Existing configurations are left untouched.
func (q *Sequencer) Prepare() ([]string, error) {
	var written []string
	for _, s := range q.Stages {
		path := q.Ledger.Path(s.Name, catalog.ArtifactConfig)
		if q.Ledger.NonEmpty(path) {
			continue
		}
		cfg := mdin.Materialize(s, q.Params)
		if err := q.Ledger.WriteFile(path, cfg.Render()); err != nil {
			return written, apperrors.Precondition("write configuration", path, err.Error())
		}
		written = append(written, s.Name)
	}
	return written, nil
}

// Missing lists stages without a configuration.
func (q *Sequencer) Missing() []string {
	var out []string
	for _, s := range q.Stages {
		if !q.Ledger.NonEmpty(q.Ledger.Path(s.Name, catalog.ArtifactConfig)) {
			out = append(out, s.Name)
		}
	}
	return out
}

// Run executes the pipeline.
func (q *Sequencer) Run(ctx context.Context, opts Options) (Report, error) {
	if err := CheckOptions(q.Stages, opts); err != nil {
		return Report{}, err
	}
	if q.Observer == nil {
		q.Observer = NopObserver{}
	}
	if q.Out == nil {
		q.Out = io.Discard
	}
	if err := q.checkInputs(); err != nil {
		return Report{}, err
	}

	if missing := q.Missing(); len(missing) > 0 {
		if opts.DryRun {
			for _, name := range missing {
				_, _ = fmt.Fprintf(q.Out, "# would write %s\n", q.Ledger.Path(name, catalog.ArtifactConfig))
			}
			return Report{Outcome: OutcomePrepared, Prepared: missing}, nil
		}
		written, err := q.Prepare()
		if err != nil {
			return Report{Prepared: written}, err
		}
		return Report{Outcome: OutcomePrepared, Prepared: written}, nil
	}

	selected := q.Stages
	if opts.Only != "" {
		s, _ := catalog.Find(q.Stages, opts.Only)
		if err := q.checkPredecessor(s); err != nil {
			return Report{}, err
		}
		selected = []catalog.Stage{s}
	}

	rep := Report{Outcome: OutcomeCompleted}
	if opts.DryRun {
		rep.Outcome = OutcomeDryRun
	}
	for _, s := range selected {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if opts.StopBefore != "" && s.Name == opts.StopBefore {
			rep.Outcome = OutcomeStopped
			rep.StoppedAt = s.Name
			return rep, nil
		}

		st, err := q.Ledger.Status(s)
		if err != nil {
			return rep, apperrors.Precondition("scan artifacts", q.Ledger.Dir(), err.Error())
		}
		if st.Complete {
			q.Observer.StageSkipped(s, "complete")
			rep.Skipped = append(rep.Skipped, s.Name)
			continue
		}

		if opts.DryRun {
			if err := q.printStage(s); err != nil {
				return rep, err
			}
			continue
		}

		if err := q.runStage(ctx, s, st, opts); err != nil {
			return rep, err
		}
		rep.Ran = append(rep.Ran, s.Name)
	}
	return rep, nil
}

func (q *Sequencer) checkInputs() error {
	for _, path := range []string{q.Ledger.TopologyPath(), q.Ledger.CoordinatesPath()} {
		if !q.Ledger.NonEmpty(path) {
			return apperrors.Precondition("check inputs", path, "required input is missing or empty")
		}
	}
	return nil
}

func (q *Sequencer) checkPredecessor(s catalog.Stage) error {
	prev, ok := catalog.Previous(q.Stages, s)
	if !ok {
		return nil
	}
	path := q.Ledger.Path(prev.Name, catalog.ArtifactCheckpoint)
	if !q.Ledger.NonEmpty(path) {
		return apperrors.Precondition("check predecessor", path, fmt.Sprintf("stage %s needs the checkpoint of %s", s.Name, prev.Name))
	}
	return nil
}

// startCoordinates is the previous stage's checkpoint, or the run's
// coordinates for the first stage.
func (q *Sequencer) startCoordinates(s catalog.Stage) (string, *catalog.Stage) {
	prev, ok := catalog.Previous(q.Stages, s)
	if !ok {
		return q.Ledger.CoordinatesPath(), nil
	}
	return q.Ledger.Path(prev.Name, catalog.ArtifactCheckpoint), &prev
}

func (q *Sequencer) invocation(s catalog.Stage, cfg *mdin.Config, input, reference string) launcher.Invocation {
	return launcher.Invocation{
		Config:       q.Ledger.Path(s.Name, catalog.ArtifactConfig),
		Output:       q.Ledger.Path(s.Name, catalog.ArtifactLog),
		Topology:     q.Ledger.TopologyPath(),
		Input:        input,
		Restart:      q.Ledger.Path(s.Name, catalog.ArtifactCheckpoint),
		Info:         q.Ledger.Path(s.Name, catalog.ArtifactInfo),
		Reference:    reference,
		Trajectory:   q.Ledger.Path(s.Name, catalog.ArtifactTrajectory),
		Restrained:   cfg.Restrained(),
		Minimization: cfg.Minimization(),
	}
}

func (q *Sequencer) loadConfig(s catalog.Stage) (*mdin.Config, error) {
	path := q.Ledger.Path(s.Name, catalog.ArtifactConfig)
	data, err := q.Ledger.ReadFile(path)
	if err != nil {
		return nil, apperrors.Precondition("read configuration", path, err.Error())
	}
	cfg, err := mdin.Parse(data)
	if err != nil {
		return nil, apperrors.Precondition("parse configuration", path, err.Error())
	}
	return cfg, nil
}

func (q *Sequencer) printStage(s catalog.Stage) error {
	cfg, err := q.loadConfig(s)
	if err != nil {
		return err
	}
	input, _ := q.startCoordinates(s)
	reference := input
	plan, err := recovery.Preview(q.Ledger, s)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(q.Out, "# %s\n", cfg.Title)
	if plan != nil {
		input = q.Ledger.BackupPath(s.Name, catalog.ArtifactCheckpoint, plan.Resume.Index)
		_, _ = fmt.Fprintf(q.Out, "# would resume from backup %d: %d of %d steps done, %d remaining\n",
			plan.Resume.Index, plan.RecoveredSteps, plan.TotalSteps, plan.RemainingSteps)
	}
	cmd, err := launcher.Build(q.Settings, q.invocation(s, cfg, input, reference))
	if err != nil {
		return apperrors.Launch(s.Name, err)
	}
	_, _ = fmt.Fprintln(q.Out, cmd.String())
	return nil
}

func (q *Sequencer) runStage(ctx context.Context, s catalog.Stage, st ledger.StageStatus, opts Options) error {
	input, prev := q.startCoordinates(s)
	reference := input

	if prev != nil {
		if err := q.snapshotPrevious(ctx, s, *prev, opts.NoClobber); err != nil {
			return err
		}
	}

	from := st.State()
	idx, err := q.Ledger.Rotate(s.Name)
	if err != nil {
		return apperrors.Precondition("back up artifacts", q.Ledger.Dir(), err.Error())
	}

	plan, err := recovery.Inspect(q.Ledger, s)
	if err != nil {
		return err
	}
	resumed := 0
	if plan != nil {
		if err := plan.Apply(q.Ledger); err != nil {
			return err
		}
		input = plan.InputCoordinates()
		resumed = plan.RecoveredSteps
		q.Observer.Notice(s, fmt.Sprintf("resuming from backup %d: %d of %d steps done, %d remaining",
			plan.Resume.Index, plan.RecoveredSteps, plan.TotalSteps, plan.RemainingSteps), nil)
	}

	cfg, err := q.loadConfig(s)
	if err != nil {
		return err
	}
	if s.Accelerated && len(cfg.Pending()) > 0 && prev != nil {
		if _, err := amd.FillConfig(q.Ledger, s, prev.Name); err != nil {
			return apperrors.Precondition("derive boost parameters", q.Ledger.Path(prev.Name, catalog.ArtifactLog), err.Error())
		}
		if cfg, err = q.loadConfig(s); err != nil {
			return err
		}
	}
	if pending := cfg.Pending(); len(pending) > 0 {
		return apperrors.Precondition("check configuration", q.Ledger.Path(s.Name, catalog.ArtifactConfig),
			"unfilled fields: "+strings.Join(pending, ", "))
	}

	cmd, err := launcher.Build(q.Settings, q.invocation(s, cfg, input, reference))
	if err != nil {
		return apperrors.Launch(s.Name, err)
	}

	if from != ledger.StateIncomplete {
		from = ledger.StateConfigured
	}
	if err := ledger.ValidateTransition(from, ledger.StateRan); err != nil {
		return apperrors.Launch(s.Name, err)
	}

	attempt := Attempt{
		Stage:        s,
		BackupIndex:  idx,
		ResumedSteps: resumed,
		Input:        input,
		Command:      cmd,
		StartedAt:    time.Now(),
	}
	q.Observer.StageStarted(attempt)

	w, err := q.Starter.Start(ctx, cmd, launcher.StartOptions{
		InfoPath: q.Ledger.Path(s.Name, catalog.ArtifactInfo),
		Dir:      q.Ledger.Dir(),
	})
	if err != nil {
		err = apperrors.Launch(s.Name, err)
		q.Observer.StageFinished(attempt, launcher.Result{Status: launcher.StatusFailed, ExitCode: -1, Err: err}, err)
		return err
	}
	res := w.Wait(ctx, func(p launcher.Progress) {
		q.Observer.StageProgress(attempt, p)
	})

	err = q.validate(s, res)
	q.Observer.StageFinished(attempt, res, err)
	return err
}

func (q *Sequencer) validate(s catalog.Stage, res launcher.Result) error {
	switch res.Status {
	case launcher.StatusCanceled:
		return fmt.Errorf("stage %s: %w", s.Name, context.Canceled)
	case launcher.StatusTimeout:
		return apperrors.Validation(s.Name, q.Ledger.Path(s.Name, catalog.ArtifactLog),
			fmt.Sprintf("engine timed out after %s", res.Duration.Round(time.Second)), StackHint)
	}

	st, err := q.Ledger.Status(s)
	if err != nil {
		return apperrors.Validation(s.Name, q.Ledger.Dir(), err.Error(), StackHint)
	}
	to := ledger.StateIncomplete
	if st.Complete && res.Status == launcher.StatusSucceeded {
		to = ledger.StateComplete
	}
	if err := ledger.ValidateTransition(ledger.StateRan, to); err != nil {
		return apperrors.Validation(s.Name, q.Ledger.Dir(), err.Error(), StackHint)
	}
	if to == ledger.StateComplete {
		return nil
	}

	var problems []string
	if res.Status != launcher.StatusSucceeded {
		problems = append(problems, fmt.Sprintf("engine exited with status %d", res.ExitCode))
	}
	for _, k := range st.Missing {
		problems = append(problems, "missing "+string(k))
	}
	for _, k := range st.Empty {
		problems = append(problems, "empty "+string(k))
	}
	if st.MarkerMissing {
		problems = append(problems, fmt.Sprintf("log lacks %q", ledger.CompletionMarker))
	}
	return apperrors.Validation(s.Name, q.Ledger.Path(s.Name, catalog.ArtifactLog), strings.Join(problems, "; "), StackHint)
}

// snapshotPrevious synthesizes the prior stage's structure snapshot.
func (q *Sequencer) snapshotPrevious(ctx context.Context, s, prev catalog.Stage, strict bool) error {
	path := q.Ledger.Path(prev.Name, catalog.ArtifactSnapshot)
	if strict && q.Ledger.Exists(path) {
		return apperrors.Precondition("write snapshot", path, "snapshot already exists and no-clobber is set")
	}
	if q.Snapshot == nil {
		return nil
	}
	cp := q.Ledger.Path(prev.Name, catalog.ArtifactCheckpoint)
	if !q.Ledger.NonEmpty(cp) {
		q.Observer.Notice(s, "snapshot skipped", fmt.Errorf("%s is missing", cp))
		return nil
	}
	if err := q.writeSnapshot(ctx, path, cp); err != nil {
		q.Observer.Notice(s, "snapshot failed", err)
	}
	return nil
}

func (q *Sequencer) writeSnapshot(ctx context.Context, path, checkpoint string) error {
	fs := q.Ledger.Fs()
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	err = q.Snapshot(ctx, q.Ledger.TopologyPath(), checkpoint, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}

// IsCanceled reports whether err came from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
