package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx, t.TempDir())
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, catalog.DefaultParams(), cfg.Run)
		assert.Equal(t, launcher.EngineGPU, cfg.Launcher.Engine)
		assert.Equal(t, time.Second, cfg.Launcher.PollInterval)
		assert.Equal(t, "ambpdb", cfg.Launcher.SnapshotBinary)
		assert.False(t, cfg.Snapshot.NoClobber)
		assert.True(t, cfg.History.Enabled)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "sbatch", cfg.Scheduler.Sbatch)
		assert.Empty(t, cfg.Source)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"launcher": map[string]any{
				"engine": "sander",
			},
		}

		cfg, err := Load(ctx, "", overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, launcher.EngineSander, cfg.Launcher.Engine)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("AUTORUN_PORT", "3000")
		t.Setenv("AUTORUN_LOG_LEVEL", "warn")
		t.Setenv("AUTORUN_RUN_TEMPERATURE", "310")
		t.Setenv("AMBERHOME", "/opt/amber24")

		cfg, err := Load(ctx, "")
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 310.0, cfg.Run.Temperature)
		assert.Equal(t, "/opt/amber24", cfg.Launcher.AmberHome)
	})

	t.Run("ExplicitEnvBeatsGenericName", func(t *testing.T) {
		t.Setenv("AMBERHOME", "/opt/amber22")
		t.Setenv("AUTORUN_AMBER_HOME", "/opt/amber24")

		cfg, err := Load(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "/opt/amber24", cfg.Launcher.AmberHome)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "server:\n  port: 7000\nlauncher:\n  engine: cpu-mpi\n  nodes: 2\n")
		t.Setenv("AUTORUN_PORT", "4000")

		cfg, err := Load(ctx, dir, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, launcher.EngineCPUMPI, cfg.Launcher.Engine)
		assert.Equal(t, 2, cfg.Launcher.Nodes)
		assert.Equal(t, filepath.Join(dir, FileName), cfg.Source)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "logging:\n  level: debug\n")
		t.Setenv("AUTORUN_LOG_LEVEL", "error")

		cfg, err := Load(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.Logging.Level)
	})

	t.Run("FileParameters", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, `prefix: cplx
run:
  temperature: 310
  restraint:
    start: 10
    schedule: geometric
  prod_time_ps: 20000
launcher:
  poll_interval: 5s
  timeout: 72h
scheduler:
  modules: [amber/24, cuda/12]
`)

		cfg, err := Load(ctx, dir)
		require.NoError(t, err)

		assert.Equal(t, "cplx", cfg.Prefix)
		assert.Equal(t, 310.0, cfg.Run.Temperature)
		assert.Equal(t, 10.0, cfg.Run.Restraint.Start)
		assert.Equal(t, catalog.ScheduleGeometric, cfg.Run.Restraint.Schedule)
		assert.Equal(t, catalog.DefaultParams().Restraint.Mask, cfg.Run.Restraint.Mask)
		assert.Equal(t, 20000.0, cfg.Run.ProdTimePS)
		assert.Equal(t, 5*time.Second, cfg.Launcher.PollInterval)
		assert.Equal(t, 72*time.Hour, cfg.Launcher.Timeout)
		assert.Equal(t, []string{"amber/24", "cuda/12"}, cfg.Scheduler.Modules)
	})

	t.Run("SchemaRejectsUnknownKey", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "launcher:\n  enigne: gpu\n")

		_, err := Load(ctx, dir)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.KindUsage))
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("SchemaRejectsBadEngine", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "launcher:\n  engine: pmemd\n")

		_, err := Load(ctx, dir)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.KindUsage))
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "run: [unterminated\n")

		_, err := Load(ctx, dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid YAML")
	})

	t.Run("EmptyFile", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "")

		cfg, err := Load(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, catalog.DefaultParams(), cfg.Run)
	})

	t.Run("InvalidParametersFromOverride", func(t *testing.T) {
		_, err := Load(ctx, "", map[string]any{"run": map[string]any{"timestep": -1.0}})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.KindUsage))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx, "")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetConfig(t *testing.T) {
	configMu.Lock()
	orig := appConfig
	appConfig = nil
	configMu.Unlock()
	defer func() {
		configMu.Lock()
		appConfig = orig
		configMu.Unlock()
	}()

	assert.Nil(t, GetConfig())

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, cfg, GetConfig())
}

func TestGetEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	v := viper.New()
	SetDefaults(v)
	for _, spec := range specs {
		assert.NotEmpty(t, spec.Name)
		assert.True(t, v.IsSet(spec.Path), "%s binds unknown key %s", spec.Name, spec.Path)
	}
}

func TestConfigYAMLOmitsSecrets(t *testing.T) {
	cfg, err := Load(context.Background(), "", map[string]any{
		"archive": map[string]any{"access_key_id": "AKIA", "secret_access_key": "s3cr3t"},
		"history": map[string]any{"auth_token": "tok"},
	})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "access_key_id: AKIA")
	assert.NotContains(t, string(out), "s3cr3t")
	assert.NotContains(t, string(out), "tok")
	assert.Contains(t, string(out), "poll_interval: 1s")
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
