package sequencer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/mdin"
)

const testPrmtop = `%VERSION  VERSION_STAMP = V0001.000
%FLAG POINTERS
%FORMAT(10I8)
    1000       0       0       0       0       0       0       0       0       0
       0       3       0       0       0       0       0       0       0       0
       0       0       0       0       0       0       0       0       0       0
       0
%FLAG RESIDUE_LABEL
%FORMAT(20a4)
ALA GLY WAT 
`

// fakeEngine writes plausible artifacts for every command it is given.
type fakeEngine struct {
	fs       afero.Fs
	started  []launcher.Command
	stages   []string
	marker   bool
	exitCode int
	startErr error
	steps    int
}

func newFakeEngine(fs afero.Fs) *fakeEngine {
	return &fakeEngine{fs: fs, marker: true, steps: 500}
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeEngine) Start(_ context.Context, cmd launcher.Command, _ launcher.StartOptions) (launcher.Waiter, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cmd)
	cfgPath := argAfter(cmd.Args, "-i")
	base := cfgPath[strings.LastIndex(cfgPath, "/")+1:]
	f.stages = append(f.stages, strings.TrimSuffix(strings.TrimPrefix(base, "cplx."), ".mdin"))

	log := fmt.Sprintf(" NSTEP = %8d   TIME(PS) = 1.000\n Etot = -1.0  EKtot = 1.0  EPtot = -90000.0\n BOND = 1.0  ANGLE = 1.0  DIHED = 1800.0\n", f.steps)
	if f.marker {
		log += "|  Total wall time:          42    seconds     0.01 hours\n"
	}
	files := map[string]string{
		argAfter(cmd.Args, "-o"):   log,
		argAfter(cmd.Args, "-r"):   "restart\n",
		argAfter(cmd.Args, "-inf"): "| Total steps: 500 | Completed: 500 | Remaining: 0\n",
	}
	if nc := argAfter(cmd.Args, "-x"); nc != "" {
		files[nc] = "trajectory\n"
	}
	for path, body := range files {
		if err := afero.WriteFile(f.fs, path, []byte(body), 0o644); err != nil {
			return nil, err
		}
	}
	return fakeWaiter{code: f.exitCode}, nil
}

type fakeWaiter struct{ code int }

func (w fakeWaiter) Wait(_ context.Context, onProgress func(launcher.Progress)) launcher.Result {
	p := launcher.Progress{Total: 500, Completed: 500}
	if onProgress != nil {
		onProgress(p)
	}
	if w.code != 0 {
		return launcher.Result{Status: launcher.StatusFailed, ExitCode: w.code, Err: fmt.Errorf("exit status %d", w.code), Progress: p}
	}
	return launcher.Result{Status: launcher.StatusSucceeded, Progress: p}
}

type recordingObserver struct {
	NopObserver
	started  []string
	finished []string
	skipped  []string
	notices  []string
	progress int
}

func (r *recordingObserver) StageStarted(a Attempt) { r.started = append(r.started, a.Stage.Name) }
func (r *recordingObserver) StageSkipped(s catalog.Stage, _ string) {
	r.skipped = append(r.skipped, s.Name)
}
func (r *recordingObserver) StageProgress(Attempt, launcher.Progress) { r.progress++ }
func (r *recordingObserver) StageFinished(a Attempt, _ launcher.Result, err error) {
	if err == nil {
		r.finished = append(r.finished, a.Stage.Name)
	}
}
func (r *recordingObserver) Notice(s catalog.Stage, msg string, _ error) {
	r.notices = append(r.notices, s.Name+": "+msg)
}

type fixture struct {
	fs     afero.Fs
	ledger *ledger.Ledger
	engine *fakeEngine
	obs    *recordingObserver
	seq    *Sequencer
	snaps  []string
	out    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	l := ledger.New(fs, "/run", "cplx")
	require.NoError(t, l.WriteFile(l.TopologyPath(), []byte(testPrmtop)))
	require.NoError(t, l.WriteFile(l.CoordinatesPath(), []byte("coords\n")))
	require.NoError(t, l.WriteFile(l.StructurePath(), []byte("ATOM\n")))

	q, err := New(l, catalog.DefaultParams(), launcher.Settings{Engine: launcher.EngineGPU})
	require.NoError(t, err)

	f := &fixture{fs: fs, ledger: l, engine: newFakeEngine(fs), obs: &recordingObserver{}, seq: q, out: &bytes.Buffer{}}
	q.Starter = f.engine
	q.Observer = f.obs
	q.Out = f.out
	q.Snapshot = func(_ context.Context, _, cp string, out io.Writer) error {
		f.snaps = append(f.snaps, cp)
		_, err := io.WriteString(out, "REMARK snapshot\n")
		return err
	}
	return f
}

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	written, err := f.seq.Prepare()
	require.NoError(t, err)
	require.Len(t, written, len(f.seq.Stages))
}

func TestRunFreshDirectoryPreparesConfigs(t *testing.T) {
	f := newFixture(t)

	rep, err := f.seq.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePrepared, rep.Outcome)
	assert.Len(t, rep.Prepared, 12)
	assert.Empty(t, f.engine.started)

	for _, s := range f.seq.Stages {
		assert.True(t, f.ledger.NonEmpty(f.ledger.Path(s.Name, catalog.ArtifactConfig)), s.Name)
	}
}

func TestRunWalksEveryStageInOrder(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)

	rep, err := f.seq.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)

	names := catalog.Names(f.seq.Stages)
	assert.Equal(t, names, f.engine.stages)
	assert.Equal(t, names, rep.Ran)
	assert.Equal(t, names, f.obs.finished)
	assert.Equal(t, len(names), f.obs.progress)

	// Every stage after the first snapshots its predecessor.
	assert.Len(t, f.snaps, len(names)-1)
	assert.True(t, f.ledger.NonEmpty(f.ledger.Path("prod", catalog.ArtifactSnapshot)))

	data, err := f.ledger.ReadFile(f.ledger.Path("amd", catalog.ArtifactConfig))
	require.NoError(t, err)
	cfg, err := mdin.Parse(data)
	require.NoError(t, err)
	assert.Empty(t, cfg.Pending())
}

func TestRunSkipsCompleteStages(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	_, err := f.seq.Run(context.Background(), Options{})
	require.NoError(t, err)
	f.engine.started = nil

	rep, err := f.seq.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, f.engine.started)
	assert.Len(t, rep.Skipped, 12)

	for _, s := range f.seq.Stages {
		idx, err := f.ledger.BackupIndices(s.Name)
		require.NoError(t, err)
		assert.Empty(t, idx, s.Name)
	}
}

func TestRunFailsWithoutCompletionMarker(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	f.engine.marker = false

	_, err := f.seq.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.Contains(t, apperrors.HintOf(err), "ulimit -s unlimited")
	assert.Equal(t, []string{"min1"}, f.engine.stages)
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	f.engine.exitCode = 139

	_, err := f.seq.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.Contains(t, err.Error(), "status 139")
}

func TestRunStartFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	f.engine.startErr = fmt.Errorf("exec: not found")

	_, err := f.seq.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLaunch))
}

func TestRunStopBefore(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)

	rep, err := f.seq.Run(context.Background(), Options{StopBefore: "prod"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, rep.Outcome)
	assert.Equal(t, "prod", rep.StoppedAt)
	assert.NotContains(t, f.engine.stages, "prod")
	assert.Equal(t, "equil6", f.engine.stages[len(f.engine.stages)-1])
}

func TestRunOnly(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)

	_, err := f.seq.Run(context.Background(), Options{Only: "heat"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPrecondition))

	require.NoError(t, f.ledger.WriteFile(f.ledger.Path("min2", catalog.ArtifactCheckpoint), []byte("restart\n")))
	rep, err := f.seq.Run(context.Background(), Options{Only: "heat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"heat"}, rep.Ran)
	assert.Equal(t, []string{"heat"}, f.engine.stages)
	assert.Equal(t, "/run/cplx.min2.rst", argAfter(f.engine.started[0].Args, "-c"))
}

func TestRunRejectsBadOptions(t *testing.T) {
	f := newFixture(t)

	_, err := f.seq.Run(context.Background(), Options{Only: "heat", StopBefore: "prod"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUsage))

	_, err = f.seq.Run(context.Background(), Options{Only: "warp"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUsage))
}

func TestRunRequiresInputs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.Remove(f.ledger.TopologyPath()))

	_, err := f.seq.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPrecondition))
	assert.Contains(t, err.Error(), "cplx.prmtop")
}

func TestRunResumesCrashedStage(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	l := f.ledger
	for _, stage := range []string{"min1", "min2"} {
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactLog), []byte("NSTEP = 5000\n|  Total wall time: 1\n")))
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactInfo), []byte("done\n")))
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactCheckpoint), []byte("restart\n")))
	}
	// A first crashed attempt already backed up, and a second one still in place.
	require.NoError(t, l.WriteFile(l.BackupPath("heat", catalog.ArtifactLog, 1), []byte(" NSTEP =     1000\n")))
	require.NoError(t, l.WriteFile(l.BackupPath("heat", catalog.ArtifactCheckpoint, 1), []byte("rst1\n")))
	require.NoError(t, l.WriteFile(l.Path("heat", catalog.ArtifactLog), []byte(" NSTEP =     2500\n")))
	require.NoError(t, l.WriteFile(l.Path("heat", catalog.ArtifactCheckpoint), []byte("rst2\n")))
	require.NoError(t, l.WriteFile(l.Path("heat", catalog.ArtifactInfo), []byte("partial\n")))

	_, err := f.seq.Run(context.Background(), Options{StopBefore: "density"})
	require.NoError(t, err)
	require.Equal(t, []string{"heat"}, f.engine.stages)
	assert.Equal(t, l.BackupPath("heat", catalog.ArtifactCheckpoint, 2), argAfter(f.engine.started[0].Args, "-c"))
	assert.Equal(t, "/run/cplx.min2.rst", argAfter(f.engine.started[0].Args, "-ref"))

	data, err := l.ReadFile(l.Path("heat", catalog.ArtifactConfig))
	require.NoError(t, err)
	cfg, err := mdin.Parse(data)
	require.NoError(t, err)
	heat, _ := catalog.Find(f.seq.Stages, "heat")
	n, err := cfg.Int("nstlim")
	require.NoError(t, err)
	assert.Equal(t, heat.Steps-3500, n)
	irest, _ := cfg.Int("irest")
	assert.Equal(t, 1, irest)

	idx, err := l.BackupIndices("heat")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, idx)
	assert.Contains(t, f.obs.notices, "heat: resuming from backup 2: 3500 of 50000 steps done, 46500 remaining")
}

func TestRunNoClobberSnapshot(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	l := f.ledger
	require.NoError(t, l.WriteFile(l.Path("min1", catalog.ArtifactLog), []byte("NSTEP = 5000\n|  Total wall time: 1\n")))
	require.NoError(t, l.WriteFile(l.Path("min1", catalog.ArtifactInfo), []byte("done\n")))
	require.NoError(t, l.WriteFile(l.Path("min1", catalog.ArtifactCheckpoint), []byte("restart\n")))
	require.NoError(t, l.WriteFile(l.Path("min1", catalog.ArtifactSnapshot), []byte("REMARK old\n")))

	_, err := f.seq.Run(context.Background(), Options{NoClobber: true})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPrecondition))
	assert.Empty(t, f.engine.started)

	_, err = f.seq.Run(context.Background(), Options{StopBefore: "heat"})
	require.NoError(t, err)
	data, err := l.ReadFile(l.Path("min1", catalog.ArtifactSnapshot))
	require.NoError(t, err)
	assert.Equal(t, "REMARK snapshot\n", string(data))
}

func TestRunSnapshotFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	f.seq.Snapshot = func(context.Context, string, string, io.Writer) error {
		return fmt.Errorf("ambpdb: not found")
	}

	_, err := f.seq.Run(context.Background(), Options{StopBefore: "heat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"min1", "min2"}, f.engine.stages)
	assert.Contains(t, f.obs.notices, "min2: snapshot failed")
	assert.False(t, f.ledger.Exists(f.ledger.Path("min1", catalog.ArtifactSnapshot)))
}

func TestDryRunPrintsWithoutLaunching(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)

	rep, err := f.seq.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, rep.Outcome)
	assert.Empty(t, f.engine.started)

	out := f.out.String()
	assert.Contains(t, out, "pmemd.cuda -O -i /run/cplx.min1.mdin")
	assert.Contains(t, out, "-c /run/cplx.inpcrd")
	assert.Equal(t, 12, strings.Count(out, "pmemd.cuda -O"))
	assert.False(t, f.ledger.Exists(f.ledger.Path("min1", catalog.ArtifactLog)))
}

func TestDryRunShowsResumePoint(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	l := f.ledger
	for _, stage := range []string{"min1", "min2"} {
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactLog), []byte("NSTEP = 5000\n|  Total wall time: 1\n")))
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactInfo), []byte("done\n")))
		require.NoError(t, l.WriteFile(l.Path(stage, catalog.ArtifactCheckpoint), []byte("restart\n")))
	}
	require.NoError(t, l.WriteFile(l.BackupPath("heat", catalog.ArtifactLog, 1), []byte(" NSTEP =     1000\n")))
	require.NoError(t, l.WriteFile(l.BackupPath("heat", catalog.ArtifactCheckpoint, 1), []byte("rst1\n")))
	require.NoError(t, l.WriteFile(l.Path("heat", catalog.ArtifactLog), []byte(" NSTEP =     2500\n")))
	require.NoError(t, l.WriteFile(l.Path("heat", catalog.ArtifactCheckpoint), []byte("rst2\n")))
	before, err := l.ReadFile(l.Path("heat", catalog.ArtifactConfig))
	require.NoError(t, err)

	rep, err := f.seq.Run(context.Background(), Options{DryRun: true, StopBefore: "density"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, rep.Outcome)
	assert.Empty(t, f.engine.started)

	out := f.out.String()
	assert.Contains(t, out, "# would resume from backup 2: 3500 of 50000 steps done, 46500 remaining")
	assert.Contains(t, out, "-c "+l.BackupPath("heat", catalog.ArtifactCheckpoint, 2))
	assert.Contains(t, out, "-ref /run/cplx.min2.rst")

	idx, err := l.BackupIndices("heat")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, idx)
	after, err := l.ReadFile(l.Path("heat", catalog.ArtifactConfig))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDryRunOnFreshDirectoryWritesNothing(t *testing.T) {
	f := newFixture(t)

	rep, err := f.seq.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomePrepared, rep.Outcome)
	assert.Len(t, f.seq.Missing(), 12)
	assert.Contains(t, f.out.String(), "# would write /run/cplx.min1.mdin")
}

func TestRunCanceledContext(t *testing.T) {
	f := newFixture(t)
	f.prepare(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.seq.Run(ctx, Options{})
	require.Error(t, err)
	assert.True(t, IsCanceled(err))
	assert.Empty(t, f.engine.started)
}
