// Package config loads the layered autorun configuration.
//
// Precedence, lowest first: built-in defaults, autorun.yaml in the run
// directory, AUTORUN_* environment variables, runtime overrides (CLI flags).
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/autorun/internal/assets/schemas"
	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/archive"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
)

const (
	// FileName is the per-run configuration file looked up in the run directory.
	FileName = "autorun.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AUTORUN"
)

// Config is the effective configuration of one invocation.
type Config struct {
	Prefix    string                `mapstructure:"prefix" yaml:"prefix"`
	Run       catalog.RunParameters `mapstructure:"run" yaml:"run"`
	Launcher  launcher.Settings     `mapstructure:"launcher" yaml:"launcher"`
	Snapshot  SnapshotConfig        `mapstructure:"snapshot" yaml:"snapshot"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Archive   archive.Config        `mapstructure:"archive" yaml:"archive"`
	History   HistoryConfig         `mapstructure:"history" yaml:"history"`
	Logging   LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig          `mapstructure:"server" yaml:"server"`

	// Source is the config file that contributed, if any.
	Source string `mapstructure:"-" yaml:"-"`
}

// SnapshotConfig controls synthesis of per-stage structure snapshots.
type SnapshotConfig struct {
	NoClobber bool `mapstructure:"no_clobber" yaml:"no_clobber"`
}

// SchedulerConfig holds batch submission defaults.
type SchedulerConfig struct {
	Queue    string   `mapstructure:"queue" yaml:"queue"`
	Walltime string   `mapstructure:"walltime" yaml:"walltime"`
	Modules  []string `mapstructure:"modules" yaml:"modules"`
	Sbatch   string   `mapstructure:"sbatch" yaml:"sbatch"`
}

// HistoryConfig locates the attempt history database.
type HistoryConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"-"`
}

// LoggingConfig selects the log level and optional rotated file sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EnvSpec binds one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	appConfig *Config
	configMu  sync.RWMutex

	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	p := catalog.DefaultParams()
	v.SetDefault("prefix", "")
	v.SetDefault("run.temperature", p.Temperature)
	v.SetDefault("run.timestep", p.Timestep)
	v.SetDefault("run.cutoff", p.Cutoff)
	v.SetDefault("run.restraint.start", p.Restraint.Start)
	v.SetDefault("run.restraint.decrement", p.Restraint.Decrement)
	v.SetDefault("run.restraint.factor", p.Restraint.Factor)
	v.SetDefault("run.restraint.floor", p.Restraint.Floor)
	v.SetDefault("run.restraint.schedule", p.Restraint.Schedule)
	v.SetDefault("run.restraint.mask", p.Restraint.Mask)
	v.SetDefault("run.min_steps", p.MinSteps)
	v.SetDefault("run.heat_time_ps", p.HeatTimePS)
	v.SetDefault("run.density_time_ps", p.DensityTimePS)
	v.SetDefault("run.equil_time_ps", p.EquilTimePS)
	v.SetDefault("run.prod_time_ps", p.ProdTimePS)
	v.SetDefault("run.amd_time_ps", p.AMDTimePS)
	v.SetDefault("run.write_interval", p.WriteInterval)
	v.SetDefault("run.print_interval", p.PrintInterval)
	v.SetDefault("run.restart_interval", p.RestartInterval)

	v.SetDefault("launcher.engine", string(launcher.EngineGPU))
	v.SetDefault("launcher.gpu", "")
	v.SetDefault("launcher.mpi_command", "mpirun")
	v.SetDefault("launcher.nodes", 1)
	v.SetDefault("launcher.procs_per_node", 1)
	v.SetDefault("launcher.amber_home", "")
	v.SetDefault("launcher.snapshot_binary", "ambpdb")
	v.SetDefault("launcher.poll_interval", launcher.DefaultPollInterval.String())
	v.SetDefault("launcher.timeout", "0s")

	v.SetDefault("snapshot.no_clobber", false)

	v.SetDefault("scheduler.queue", "")
	v.SetDefault("scheduler.walltime", "24:00:00")
	v.SetDefault("scheduler.modules", []string{})
	v.SetDefault("scheduler.sbatch", "sbatch")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.rate_per_second", 10.0)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("history.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// getEnvSpecs lists the explicit environment bindings. Every other key is
// reachable as AUTORUN_<SECTION>_<KEY> through automatic env lookup.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: "AUTORUN_PREFIX", Path: "prefix"},
		{Name: "AUTORUN_ENGINE", Path: "launcher.engine"},
		{Name: "AUTORUN_GPU", Path: "launcher.gpu"},
		{Name: "CUDA_VISIBLE_DEVICES", Path: "launcher.gpu"},
		{Name: "AUTORUN_AMBER_HOME", Path: "launcher.amber_home"},
		{Name: "AMBERHOME", Path: "launcher.amber_home"},
		{Name: "AUTORUN_LOG_LEVEL", Path: "logging.level"},
		{Name: "AUTORUN_LOG_FILE", Path: "logging.file"},
		{Name: "AUTORUN_PORT", Path: "server.port"},
		{Name: "AUTORUN_QUEUE", Path: "scheduler.queue"},
		{Name: "AUTORUN_ARCHIVE_BUCKET", Path: "archive.bucket"},
		{Name: "AUTORUN_HISTORY_URL", Path: "history.url"},
		{Name: "AUTORUN_HISTORY_AUTH_TOKEN", Path: "history.auth_token"},
	}
}

// bindEnv binds the explicit specs. Names listed earlier for the same key
// take precedence.
func bindEnv(v *viper.Viper) error {
	byPath := make(map[string][]string)
	var order []string
	for _, spec := range getEnvSpecs() {
		if _, ok := byPath[spec.Path]; !ok {
			order = append(order, spec.Path)
		}
		byPath[spec.Path] = append(byPath[spec.Path], spec.Name)
	}
	for _, path := range order {
		args := append([]string{path}, byPath[path]...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", path, err)
		}
	}
	return nil
}

// Load builds the configuration for the run directory dir. An empty dir
// skips the file layer. Overrides are nested maps keyed like the file.
func Load(ctx context.Context, dir string, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	source := ""
	if dir != "" {
		path := filepath.Join(dir, FileName)
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if values != nil {
			if err := v.MergeConfigMap(values); err != nil {
				return nil, apperrors.Usage("%s: %v", path, err)
			}
			source = path
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, apperrors.Usage("decode configuration: %v", err)
	}
	cfg.Source = source

	if _, err := launcher.ParseEngine(string(cfg.Launcher.Engine)); err != nil {
		return nil, apperrors.Usage("launcher.engine: %v", err)
	}
	if err := cfg.Run.Validate(); err != nil {
		return nil, apperrors.Usage("%v", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// YAML renders the effective configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// readFile returns nil values when the file does not exist.
func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Precondition("read config", path, err.Error())
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, apperrors.Usage("%s: invalid YAML: %v", path, err)
	}
	if values == nil {
		return map[string]any{}, nil
	}
	if err := ValidateRaw(values); err != nil {
		return nil, apperrors.Usage("%s: %v", path, err)
	}
	return values, nil
}

// ValidateRaw checks decoded file contents against the embedded schema.
func ValidateRaw(values map[string]any) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var problems []string
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			pointer := d.Pointer
			if pointer == "" {
				pointer = "/"
			}
			problems = append(problems, pointer+": "+d.Message)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.ConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
