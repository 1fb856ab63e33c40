package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/autorun/internal/config"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
	"github.com/3leaps/autorun/pkg/sequencer"
)

// newRunDir creates a run directory holding the starting inputs.
func newRunDir(t *testing.T, prefix string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefix+".prmtop"), []byte("%FLAG POINTERS\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefix+".inpcrd"), []byte("coords\n"), 0o644))
	return dir
}

func TestRunOverrides(t *testing.T) {
	t.Cleanup(func() { resetFlags(runCmd) })

	t.Run("nothing changed", func(t *testing.T) {
		resetFlags(runCmd)
		assert.Empty(t, runOverrides(runCmd))
	})

	t.Run("explicit flags only", func(t *testing.T) {
		resetFlags(runCmd)
		flags := runCmd.Flags()
		require.NoError(t, flags.Set("engine", "cpu-mpi"))
		require.NoError(t, flags.Set("nodes", "4"))
		require.NoError(t, flags.Set("queue", "compute"))
		require.NoError(t, flags.Set("no-clobber", "true"))
		require.NoError(t, flags.Set("timeout", "2h"))

		assert.Equal(t, map[string]any{
			"launcher":  map[string]any{"engine": "cpu-mpi", "nodes": 4, "timeout": "2h0m0s"},
			"snapshot":  map[string]any{"no_clobber": true},
			"scheduler": map[string]any{"queue": "compute"},
		}, runOverrides(runCmd))
	})
}

func TestBatchArgs(t *testing.T) {
	t.Cleanup(func() { resetFlags(runCmd) })
	resetFlags(runCmd)
	runEngine = "gpu-mpi"
	runNodes = 2

	rc := &runContext{ledger: ledger.New(nil, "/runs/cplx", "cplx")}
	args := batchArgs(rc, sequencer.Options{StopBefore: "amd", NoClobber: true})

	joined := strings.Join(args[1:], " ")
	assert.Equal(t, "run --dir /runs/cplx --prefix cplx --queue  --no-progress --stop-before amd --engine gpu-mpi --nodes 2 --no-clobber", joined)
}

func TestRunFreshDirectoryWritesConfigs(t *testing.T) {
	dir := newRunDir(t, "cplx")

	code, _ := execute(t, "run", "--dir", dir)
	require.Equal(t, exitOK, code)

	stages, err := catalog.Build(catalog.DefaultParams())
	require.NoError(t, err)
	for _, s := range stages {
		path := filepath.Join(dir, "cplx."+s.Name+"."+string(catalog.ArtifactConfig))
		assert.FileExists(t, path)
	}
	// Nothing launched, so no stage log exists.
	matches, _ := filepath.Glob(filepath.Join(dir, "*."+string(catalog.ArtifactLog)))
	assert.Empty(t, matches)
	assert.NoFileExists(t, filepath.Join(dir, "cplx.autorun.lock"))
}

func TestRunDryRunFreshDirectoryWritesNothing(t *testing.T) {
	dir := newRunDir(t, "cplx")

	code, out := execute(t, "run", "--dir", dir, "--dry-run")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "# would write")

	matches, _ := filepath.Glob(filepath.Join(dir, "*."+string(catalog.ArtifactConfig)))
	assert.Empty(t, matches)
}

func TestRunUsageErrors(t *testing.T) {
	dir := newRunDir(t, "cplx")

	tests := []struct {
		name string
		args []string
	}{
		{"only with stop-before", []string{"--only", "heat", "--stop-before", "prod"}},
		{"unknown stage", []string{"--only", "warmup"}},
		{"unknown engine", []string{"--engine", "pmemd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := execute(t, append([]string{"run", "--dir", dir}, tt.args...)...)
			assert.NotEqual(t, exitOK, code)
		})
	}
}

func TestRunBatchDryRunPrintsScript(t *testing.T) {
	dir := newRunDir(t, "cplx")

	code, out := execute(t, "run", "--dir", dir, "--queue", "gpu", "--walltime", "12:00:00", "--gpu", "0,1", "--dry-run")
	require.Equal(t, exitOK, code)

	assert.Contains(t, out, "#SBATCH -p gpu")
	assert.Contains(t, out, "#SBATCH -t 12:00:00")
	assert.Contains(t, out, "#SBATCH --gres=gpu:2")
	assert.Contains(t, out, "--queue ''")
	assert.NoFileExists(t, filepath.Join(dir, "cplx.autorun.sbatch"))
}

func TestRunPrintConfig(t *testing.T) {
	dir := newRunDir(t, "cplx")
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("run:\n  temperature: 310\n"), 0o644))

	code, out := execute(t, "run", "--dir", dir, "--print-config", "--engine", "sander")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "temperature: 310")
	assert.Contains(t, out, "engine: sander")
	assert.Contains(t, out, "prefix: cplx")
}

func TestPrepareCommand(t *testing.T) {
	dir := newRunDir(t, "cplx")
	heat := filepath.Join(dir, "cplx.heat."+string(catalog.ArtifactConfig))
	require.NoError(t, os.WriteFile(heat, []byte("hand edited\n"), 0o644))

	code, out := execute(t, "prepare", "--dir", dir)
	require.Equal(t, exitOK, code)
	assert.NotContains(t, out, heat)
	assert.Contains(t, out, "cplx.min1."+string(catalog.ArtifactConfig))

	data, err := os.ReadFile(heat)
	require.NoError(t, err)
	assert.Equal(t, "hand edited\n", string(data))
}

func TestStatusCommand(t *testing.T) {
	dir := newRunDir(t, "cplx")

	code, out := execute(t, "status", "--dir", dir)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "not-started")

	code, out = execute(t, "status", "--dir", dir, "--json")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"prefix": "cplx"`)
}

func TestAcceleratedStage(t *testing.T) {
	stages, err := catalog.Build(catalog.DefaultParams())
	require.NoError(t, err)

	target, prev, err := acceleratedStage(stages)
	require.NoError(t, err)
	assert.True(t, target.Accelerated)
	assert.Equal(t, "prod", prev.Name)

	_, _, err = acceleratedStage(stages[:1])
	assert.Error(t, err)
}
