// Package cmd implements the autorun command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/autorun/internal/config"
	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/internal/server/handlers"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/ledger"
)

// AppIdentity names the binary and its config surfaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity = &AppIdentity{
		BinaryName: "autorun",
		EnvPrefix:  config.EnvPrefix,
		ConfigName: "autorun",
	}

	// fs is the filesystem every command works on.
	fs = afero.NewOsFs()

	runDir    string
	runPrefix string
	logLevel  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "autorun",
	Short: "Staged molecular dynamics pipeline orchestrator",
	Long: `autorun drives a fixed pipeline of molecular dynamics stages
(minimization, heating, density, equilibration, production, accelerated MD)
for one run directory. Each invocation reconstructs progress from the files
on disk, skips complete stages, recovers crashed ones and runs the rest.

Run 'autorun ex' for examples.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := viper.GetString("logging.level")
		if verbose {
			level = "debug"
		}
		observability.InitCLILoggerWithLevel(appIdentity.BinaryName, level, nil)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVarP(&runDir, "dir", "d", ".", "Run directory")
	rootCmd.PersistentFlags().StringVarP(&runPrefix, "prefix", "p", "", "Run prefix (default: config prefix or the single *.prmtop in --dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setDefaults registers config defaults on the global viper instance used
// before the run directory config is loaded.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	_ = viper.BindEnv("logging.level", "AUTORUN_LOG_LEVEL")
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

const (
	exitOK      = 0
	exitFailure = 1
)

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Msg  string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Msg: msg, Err: err}
}

// failure wraps a classified pipeline error with its kind's exit code.
func failure(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, msg, err)
	}
	if kind, ok := apperrors.KindOf(err); ok {
		return exitError(apperrors.ExitCodeFor(kind), msg, err)
	}
	return exitError(exitFailure, msg, err)
}

// exitCodeOf maps an error returned by a command onto a process exit code.
func exitCodeOf(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if kind, ok := apperrors.KindOf(err); ok {
		return apperrors.ExitCodeFor(kind)
	}
	// cobra reports unknown commands and flags as plain errors.
	return foundry.ExitInvalidArgument
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the command line args under ctx.
func ExecuteContext(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	observability.CLILogger.Error(err.Error())
	if hint := apperrors.HintOf(err); hint != "" {
		observability.CLILogger.Info("Hint: " + hint)
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag") ||
		strings.HasPrefix(err.Error(), "unknown shorthand flag") {
		_, _ = fmt.Fprintln(rootCmd.ErrOrStderr(), "Run 'autorun help' for usage.")
	}
	return exitCodeOf(err)
}

// runContext bundles what most commands need about the run directory.
type runContext struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	stages []catalog.Stage
}

// loadRun loads configuration and resolves the prefix for the run directory.
func loadRun(cmd *cobra.Command, overrides ...map[string]any) (*runContext, error) {
	dir, err := filepath.Abs(runDir)
	if err != nil {
		return nil, apperrors.Usage("invalid --dir %q: %v", runDir, err)
	}
	if fi, err := fs.Stat(dir); err != nil || !fi.IsDir() {
		return nil, apperrors.Precondition("open run directory", dir, "not a directory")
	}

	base := map[string]any{}
	if runPrefix != "" {
		base["prefix"] = runPrefix
	}
	if logLevel != "" {
		base["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), dir, append([]map[string]any{base}, overrides...)...)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	prefix := cfg.Prefix
	if prefix == "" {
		prefix, err = detectPrefix(fs, dir)
		if err != nil {
			return nil, err
		}
		cfg.Prefix = prefix
	}
	stages, err := catalog.Build(cfg.Run)
	if err != nil {
		return nil, apperrors.Usage("%v", err)
	}

	observability.CLILogger.Debug("Loaded configuration",
		zap.String("dir", dir),
		zap.String("prefix", prefix),
		zap.String("source", cfg.Source))

	return &runContext{
		cfg:    cfg,
		ledger: ledger.New(fs, dir, prefix),
		stages: stages,
	}, nil
}

func initLogging(cfg *config.Config) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	var sink *observability.FileSink
	if cfg.Logging.File != "" {
		sink = &observability.FileSink{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		}
	}
	observability.InitCLILoggerWithLevel(appIdentity.BinaryName, level, sink)
}

// detectPrefix picks the prefix of the only topology in dir.
func detectPrefix(fsys afero.Fs, dir string) (string, error) {
	matches, err := afero.Glob(fsys, filepath.Join(dir, "*.prmtop"))
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	switch len(matches) {
	case 0:
		return "", apperrors.Precondition("detect prefix", filepath.Join(dir, "*.prmtop"), "no topology found; pass --prefix")
	case 1:
		return strings.TrimSuffix(filepath.Base(matches[0]), ".prmtop"), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = filepath.Base(m)
		}
		return "", apperrors.Usage("several topologies in %s (%s); pass --prefix", dir, strings.Join(names, ", "))
	}
}
