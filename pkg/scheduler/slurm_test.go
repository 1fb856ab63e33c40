package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript(t *testing.T) {
	job := Job{
		Name:     "cplx",
		Queue:    "gpu",
		Nodes:    2,
		Walltime: "48:00:00",
		GPUs:     4,
		Dir:      "/scratch/my run",
		Modules:  []string{"amber/24"},
		Args:     []string{"autorun", "run", "--prefix", "cplx", "--only", "prod", "--engine", "gpu-mpi"},
	}
	b, err := job.Script()
	require.NoError(t, err)

	want := `#!/bin/bash
#SBATCH -J cplx
#SBATCH -p gpu
#SBATCH -N 2
#SBATCH -t 48:00:00
#SBATCH --gres=gpu:4

set -euo pipefail
ulimit -s unlimited
module load amber/24
cd '/scratch/my run'
autorun run --prefix cplx --only prod --engine gpu-mpi
`
	assert.Equal(t, want, string(b))
}

func TestScriptDefaults(t *testing.T) {
	b, err := Job{Queue: "cpu", Args: []string{"autorun", "run"}}.Script()
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "#SBATCH -J autorun\n")
	assert.Contains(t, s, "#SBATCH -N 1\n")
	assert.NotContains(t, s, "#SBATCH -t")
	assert.NotContains(t, s, "--gres")
	assert.Contains(t, s, "cd .\n")
}

func TestValidate(t *testing.T) {
	err := Job{Walltime: "two days"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is required")
	assert.Contains(t, err.Error(), "walltime")
	assert.Contains(t, err.Error(), "command is required")

	for _, wt := range []string{"30", "12:00", "48:00:00", "2-00:00:00"} {
		assert.NoError(t, Job{Queue: "q", Walltime: wt, Args: []string{"x"}}.Validate(), wt)
	}
}

func TestSubmit(t *testing.T) {
	var gotName string
	var gotArgs []string
	s := &Submitter{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("Submitted batch job 2723147\n"), nil
	}}
	id, err := s.Submit(context.Background(), "/run/cplx.autorun.sbatch")
	require.NoError(t, err)
	assert.Equal(t, "2723147", id)
	assert.Equal(t, "sbatch", gotName)
	assert.Equal(t, []string{"/run/cplx.autorun.sbatch"}, gotArgs)
}

func TestSubmitFailures(t *testing.T) {
	s := &Submitter{Run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("sbatch: error: invalid partition"), errors.New("exit status 1")
	}}
	_, err := s.Submit(context.Background(), "job.sh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid partition")

	s.Run = func(context.Context, string, ...string) ([]byte, error) { return []byte("ok"), nil }
	_, err = s.Submit(context.Background(), "job.sh")
	require.Error(t, err)
}
