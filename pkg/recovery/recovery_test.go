package recovery

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/mdin"
)

func mdout(steps ...int) string {
	s := "          -------------------------------------------------------\n"
	for _, n := range steps {
		s += fmt.Sprintf(" NSTEP = %8d   TIME(PS) =   10.000  TEMP(K) =   300.12  PRESS =     0.0\n", n)
	}
	return s
}

func setup(t *testing.T, total int) (*ledger.Ledger, catalog.Stage) {
	t.Helper()
	fs := afero.NewMemMapFs()
	l := ledger.New(fs, "/run", "cplx")
	stage := catalog.Stage{Name: "prod", Kind: catalog.KindMD, Steps: total, Continuation: true, Title: "prod"}
	cfg := mdin.Materialize(stage, catalog.DefaultParams())
	require.NoError(t, l.WriteFile(l.Path("prod", catalog.ArtifactConfig), cfg.Render()))
	return l, stage
}

func writeBackup(t *testing.T, l *ledger.Ledger, n int, log string) {
	t.Helper()
	require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactLog, n), []byte(log)))
	require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactCheckpoint, n), []byte("restart")))
}

func TestRecoveryArithmetic(t *testing.T) {
	l, stage := setup(t, 10000)
	writeBackup(t, l, 1, mdout(500, 1000))
	writeBackup(t, l, 2, mdout(1000, 2000, 2500))

	plan, err := Inspect(l, stage)
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, 3500, plan.RecoveredSteps)
	assert.Equal(t, 10000, plan.TotalSteps)
	assert.Equal(t, 6500, plan.RemainingSteps)
	assert.Equal(t, 2, plan.Resume.Index)
	assert.Equal(t, l.BackupPath("prod", catalog.ArtifactCheckpoint, 2), plan.InputCoordinates())
	assert.Equal(t, []Attempt{{Index: 2, Steps: 2500}, {Index: 1, Steps: 1000}}, plan.Attempts)

	require.NoError(t, plan.Apply(l))
	data, err := l.ReadFile(l.Path("prod", catalog.ArtifactConfig))
	require.NoError(t, err)
	cfg, err := mdin.Parse(data)
	require.NoError(t, err)

	n, err := cfg.Int("nstlim")
	require.NoError(t, err)
	assert.Equal(t, 6500, n)
	assert.Equal(t, 10000, cfg.TotalSteps, "total marker must survive the rewrite")
	irest, _ := cfg.Get("irest")
	assert.Equal(t, "1", irest)
}

func TestRecoveryAfterSecondCrashUsesTotalMarker(t *testing.T) {
	l, stage := setup(t, 10000)
	writeBackup(t, l, 1, mdout(1000))
	writeBackup(t, l, 2, mdout(2500))

	plan, err := Inspect(l, stage)
	require.NoError(t, err)
	require.NoError(t, plan.Apply(l))

	// The resumed run crashes again after 3000 more steps.
	writeBackup(t, l, 3, mdout(3000))
	plan, err = Inspect(l, stage)
	require.NoError(t, err)
	assert.Equal(t, 3500, plan.RemainingSteps)
	assert.Equal(t, 3, plan.Resume.Index)
}

func TestRecoverySkipsUntrustedCheckpoint(t *testing.T) {
	l, stage := setup(t, 10000)
	writeBackup(t, l, 1, mdout(1000))
	// Attempt 2 wrote a checkpoint but its log is empty.
	require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactLog, 2), nil))
	require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactCheckpoint, 2), []byte("restart")))

	plan, err := Inspect(l, stage)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Resume.Index)
	assert.Equal(t, 9000, plan.RemainingSteps)
}

func TestRecoveryIgnoresAttemptsWithoutCheckpoint(t *testing.T) {
	t.Run("newer than resume point", func(t *testing.T) {
		l, stage := setup(t, 10000)
		writeBackup(t, l, 1, mdout(1000))
		// Attempt 2 crashed before writing its first restart file.
		require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactLog, 2), []byte(mdout(2500))))

		plan, err := Inspect(l, stage)
		require.NoError(t, err)
		require.NotNil(t, plan)
		assert.Equal(t, 1, plan.Resume.Index)
		assert.Equal(t, 1000, plan.RecoveredSteps)
		assert.Equal(t, 9000, plan.RemainingSteps)
		assert.Equal(t, []Attempt{{Index: 1, Steps: 1000}}, plan.Attempts)
	})

	t.Run("older than resume point", func(t *testing.T) {
		l, stage := setup(t, 10000)
		// Attempt 1 left only a log, so attempt 2 started over from the stage input.
		require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactLog, 1), []byte(mdout(500))))
		writeBackup(t, l, 2, mdout(1500))

		plan, err := Inspect(l, stage)
		require.NoError(t, err)
		require.NotNil(t, plan)
		assert.Equal(t, 2, plan.Resume.Index)
		assert.Equal(t, 1500, plan.RecoveredSteps)
		assert.Equal(t, 8500, plan.RemainingSteps)
	})
}

func TestPreviewMatchesInspectAfterRotate(t *testing.T) {
	l, stage := setup(t, 10000)
	writeBackup(t, l, 1, mdout(1000))
	require.NoError(t, l.WriteFile(l.Path("prod", catalog.ArtifactLog), []byte(mdout(2000, 2500))))
	require.NoError(t, l.WriteFile(l.Path("prod", catalog.ArtifactCheckpoint), []byte("restart")))

	preview, err := Preview(l, stage)
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Equal(t, 2, preview.Resume.Index)
	assert.Equal(t, 6500, preview.RemainingSteps)
	assert.True(t, l.Exists(l.Path("prod", catalog.ArtifactLog)), "preview must not rotate")

	_, err = l.Rotate("prod")
	require.NoError(t, err)
	plan, err := Inspect(l, stage)
	require.NoError(t, err)
	assert.Equal(t, preview.Resume.Index, plan.Resume.Index)
	assert.Equal(t, preview.Attempts, plan.Attempts)
	assert.Equal(t, preview.RemainingSteps, plan.RemainingSteps)
}

func TestRecoveryNothingToResume(t *testing.T) {
	l, stage := setup(t, 10000)

	plan, err := Inspect(l, stage)
	require.NoError(t, err)
	assert.Nil(t, plan)

	// Only a log backup, no checkpoint: restart from scratch.
	require.NoError(t, l.WriteFile(l.BackupPath("prod", catalog.ArtifactLog, 1), []byte(mdout(100))))
	plan, err = Inspect(l, stage)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestRecoveryMinimizationIsNeverResumed(t *testing.T) {
	l, _ := setup(t, 10000)
	min := catalog.Stage{Name: "prod", Kind: catalog.KindMinimize}
	writeBackup(t, l, 1, mdout(100))

	plan, err := Inspect(l, min)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestRecoveryFatalCases(t *testing.T) {
	t.Run("no steps recovered", func(t *testing.T) {
		l, stage := setup(t, 10000)
		writeBackup(t, l, 1, "no progress lines here\n")
		_, err := Inspect(l, stage)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.KindRecovery))
	})

	t.Run("missing total marker", func(t *testing.T) {
		l, stage := setup(t, 10000)
		require.NoError(t, l.WriteFile(l.Path("prod", catalog.ArtifactConfig),
			[]byte("prod\n &cntrl\n  nstlim = 10000,\n /\n")))
		writeBackup(t, l, 1, mdout(1000))
		_, err := Inspect(l, stage)
		require.Error(t, err)
		assert.Contains(t, err.Error(), mdin.TotalStepsMarker)
	})

	t.Run("nothing remaining", func(t *testing.T) {
		l, stage := setup(t, 10000)
		writeBackup(t, l, 1, mdout(6000))
		writeBackup(t, l, 2, mdout(4000))
		_, err := Inspect(l, stage)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.KindRecovery))
	})
}
