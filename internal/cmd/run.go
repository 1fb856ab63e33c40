package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/history"
	"github.com/3leaps/autorun/pkg/launcher"
	"github.com/3leaps/autorun/pkg/output"
	"github.com/3leaps/autorun/pkg/runlock"
	"github.com/3leaps/autorun/pkg/scheduler"
	"github.com/3leaps/autorun/pkg/sequencer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline in a run directory",
	Long: `Run walks the stage catalog in order. Complete stages are skipped,
crashed stages are resumed from their last checkpoint, and the remaining
stages are launched one at a time.

On a fresh run directory (no stage configurations yet) run writes every
configuration and exits without launching anything; review them and run
again to start.

With --queue the pipeline is submitted to Slurm instead of running here.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runOnly          string
	runStopBefore    string
	runDryRun        bool
	runEngine        string
	runGPU           string
	runQueue         string
	runNodes         int
	runWalltime      string
	runNoClobber     bool
	runEvents        string
	runPrintConfig   bool
	runNoProgress    bool
	runProgressEvery time.Duration
	runTimeout       time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runOnly, "only", "", "Run exactly one stage")
	runCmd.Flags().StringVar(&runStopBefore, "stop-before", "", "Stop before the named stage")
	runCmd.Flags().BoolVarP(&runDryRun, "dry-run", "n", false, "Print commands without launching anything")
	runCmd.Flags().StringVarP(&runEngine, "engine", "e", "", "MD engine (gpu|gpu-mpi|cpu-mpi|sander)")
	runCmd.Flags().StringVar(&runGPU, "gpu", "", "CUDA device list for CUDA_VISIBLE_DEVICES")
	runCmd.Flags().StringVarP(&runQueue, "queue", "q", "", "Submit to this Slurm partition instead of running locally")
	runCmd.Flags().IntVar(&runNodes, "nodes", 0, "Node count for MPI engines and batch jobs")
	runCmd.Flags().StringVar(&runWalltime, "walltime", "", "Batch wall-clock limit ([D-]HH[:MM[:SS]])")
	runCmd.Flags().BoolVar(&runNoClobber, "no-clobber", false, "Fail if a stage snapshot already exists")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Append JSONL events to this file (- for stdout)")
	runCmd.Flags().BoolVar(&runPrintConfig, "print-config", false, "Print the effective configuration and exit")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "Disable the live progress line")
	runCmd.Flags().DurationVar(&runProgressEvery, "progress-every", 30*time.Second, "Minimum interval between progress events")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-stage time limit (0 = none)")
}

// runOverrides collects the flags that were set explicitly.
func runOverrides(cmd *cobra.Command) map[string]any {
	launcherKeys := map[string]any{}
	o := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("engine") {
		launcherKeys["engine"] = runEngine
	}
	if flags.Changed("gpu") {
		launcherKeys["gpu"] = runGPU
	}
	if flags.Changed("nodes") {
		launcherKeys["nodes"] = runNodes
	}
	if flags.Changed("timeout") {
		launcherKeys["timeout"] = runTimeout.String()
	}
	if len(launcherKeys) > 0 {
		o["launcher"] = launcherKeys
	}
	if flags.Changed("no-clobber") {
		o["snapshot"] = map[string]any{"no_clobber": runNoClobber}
	}
	sched := map[string]any{}
	if flags.Changed("queue") {
		sched["queue"] = runQueue
	}
	if flags.Changed("walltime") {
		sched["walltime"] = runWalltime
	}
	if len(sched) > 0 {
		o["scheduler"] = sched
	}
	return o
}

func runRun(cmd *cobra.Command, args []string) error {
	rc, err := loadRun(cmd, runOverrides(cmd))
	if err != nil {
		return failure("Invalid configuration", err)
	}
	cfg := rc.cfg

	if runPrintConfig {
		out, err := cfg.YAML()
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to render configuration", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}

	opts := sequencer.Options{
		Only:       runOnly,
		StopBefore: runStopBefore,
		DryRun:     runDryRun,
		NoClobber:  cfg.Snapshot.NoClobber,
	}
	if err := sequencer.CheckOptions(rc.stages, opts); err != nil {
		return failure("Invalid stage selection", err)
	}

	if cfg.Scheduler.Queue != "" {
		return submitBatch(cmd, rc, opts)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	invocationID := uuid.New().String()
	log := observability.CLILogger.With(zap.String("invocation_id", invocationID), zap.String("prefix", cfg.Prefix))

	if !opts.DryRun {
		lock, holder, err := runlock.Acquire(fs, rc.ledger.Dir(), cfg.Prefix, runlock.Record{
			InvocationID: invocationID,
			Command:      strings.Join(os.Args, " "),
		})
		if err != nil {
			if errors.Is(err, runlock.ErrHeld) && holder != nil {
				return failure("Run directory busy", apperrors.Usage("another autorun (pid %d on %s, invocation %s) is running in %s",
					holder.PID, holder.Host, holder.InvocationID, rc.ledger.Dir()))
			}
			return exitError(foundry.ExitFileWriteError, "Failed to acquire run lock", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	events, closeEvents, err := openEvents(cmd, runEvents, invocationID, cfg.Prefix)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open events output", err)
	}
	defer closeEvents()

	seq, err := sequencer.New(rc.ledger, cfg.Run, cfg.Launcher)
	if err != nil {
		return failure("Invalid run parameters", err)
	}
	seq.Out = cmd.OutOrStdout()

	var statusOut io.Writer = cmd.ErrOrStderr()
	if runNoProgress || opts.DryRun {
		statusOut = nil
	}
	observers := sequencer.Observers{
		&logObserver{log: log, status: launcher.NewStatusLine(statusOut)},
		&eventObserver{ctx: ctx, w: events, log: log, every: runProgressEvery},
	}

	if cfg.History.Enabled && !opts.DryRun {
		store, err := openHistory(ctx, rc)
		if err != nil {
			log.Warn("Attempt history disabled", zap.Error(err))
		} else {
			defer func() { _ = store.Close() }()
			hist := newHistoryObserver(ctx, store, invocationID, cfg.Prefix)
			hist.log = log
			observers = append(observers, hist)
		}
	}
	seq.Observer = observers

	log.Info("Starting pipeline",
		zap.String("dir", rc.ledger.Dir()),
		zap.String("engine", string(cfg.Launcher.Engine)),
		zap.Int("stages", len(rc.stages)),
		zap.Bool("dry_run", opts.DryRun))

	start := time.Now()
	report, runErr := seq.Run(ctx, opts)
	elapsed := time.Since(start)

	summary := &output.SummaryRecord{
		Outcome:       string(report.Outcome),
		Prepared:      report.Prepared,
		Ran:           report.Ran,
		Skipped:       report.Skipped,
		StoppedAt:     report.StoppedAt,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Second).String(),
	}

	if runErr != nil {
		summary.Outcome = "failed"
		summary.Error = runErr.Error()
		kind, _ := apperrors.KindOf(runErr)
		if sequencer.IsCanceled(runErr) {
			kind = "canceled"
		}
		_ = events.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
			Code:    string(kind),
			Message: runErr.Error(),
			Hint:    apperrors.HintOf(runErr),
		})
		_ = events.WriteSummary(context.WithoutCancel(ctx), summary)
		if sequencer.IsCanceled(runErr) {
			return exitError(foundry.ExitSignalInt, "Pipeline interrupted", runErr)
		}
		return failure("Pipeline failed", runErr)
	}
	_ = events.WriteSummary(ctx, summary)

	switch report.Outcome {
	case sequencer.OutcomePrepared:
		log.Info("Wrote stage configurations; review them and run again to start",
			zap.Int("configs", len(report.Prepared)))
	case sequencer.OutcomeStopped:
		log.Info("Stopped before boundary stage", zap.String("stage", report.StoppedAt))
	default:
		log.Info("Pipeline finished",
			zap.String("outcome", string(report.Outcome)),
			zap.Int("ran", len(report.Ran)),
			zap.Int("skipped", len(report.Skipped)),
			zap.Duration("duration", elapsed.Round(time.Second)))
	}
	return nil
}

// openEvents opens the JSONL event sink. An empty path discards events.
func openEvents(cmd *cobra.Command, path, invocationID, prefix string) (output.Writer, func(), error) {
	switch path {
	case "":
		return output.Discard{}, func() {}, nil
	case "-":
		w := output.NewJSONLWriter(cmd.OutOrStdout(), invocationID, prefix)
		return w, func() { _ = w.Close() }, nil
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	w := output.NewJSONLWriter(f, invocationID, prefix)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func openHistory(ctx context.Context, rc *runContext) (*history.Store, error) {
	hc := history.Config{
		Path:      rc.cfg.History.Path,
		URL:       rc.cfg.History.URL,
		AuthToken: rc.cfg.History.AuthToken,
	}
	if hc.Path == "" && hc.URL == "" {
		hc.Path = history.DefaultPath(rc.ledger.Dir(), rc.ledger.Prefix())
	}
	return history.Open(ctx, hc)
}

// batchArgs is the command line the batch job runs on the compute node.
func batchArgs(rc *runContext, opts sequencer.Options) []string {
	exe := appIdentity.BinaryName
	if path, err := os.Executable(); err == nil {
		exe = path
	}
	args := []string{exe, "run",
		"--dir", rc.ledger.Dir(),
		"--prefix", rc.ledger.Prefix(),
		"--queue", "",
		"--no-progress",
	}
	if opts.Only != "" {
		args = append(args, "--only", opts.Only)
	}
	if opts.StopBefore != "" {
		args = append(args, "--stop-before", opts.StopBefore)
	}
	if runEngine != "" {
		args = append(args, "--engine", runEngine)
	}
	if runGPU != "" {
		args = append(args, "--gpu", runGPU)
	}
	if runNodes > 0 {
		args = append(args, "--nodes", strconv.Itoa(runNodes))
	}
	if opts.NoClobber {
		args = append(args, "--no-clobber")
	}
	if runEvents != "" && runEvents != "-" {
		args = append(args, "--events", runEvents)
	}
	return args
}

// submitBatch renders a Slurm script that re-invokes this run and queues it.
func submitBatch(cmd *cobra.Command, rc *runContext, opts sequencer.Options) error {
	cfg := rc.cfg
	gpus := 0
	if cfg.Launcher.Engine.GPU() {
		gpus = 1
		if cfg.Launcher.GPU != "" {
			gpus = len(strings.Split(cfg.Launcher.GPU, ","))
		}
	}
	job := scheduler.Job{
		Name:     "autorun-" + cfg.Prefix,
		Queue:    cfg.Scheduler.Queue,
		Nodes:    cfg.Launcher.Nodes,
		Walltime: cfg.Scheduler.Walltime,
		GPUs:     gpus,
		Dir:      rc.ledger.Dir(),
		Output:   filepath.Join(rc.ledger.Dir(), cfg.Prefix+".autorun.%j.log"),
		Modules:  cfg.Scheduler.Modules,
		Args:     batchArgs(rc, opts),
	}
	if err := job.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid batch job", err)
	}
	script, err := job.Script()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to render batch script", err)
	}

	if opts.DryRun {
		_, err := cmd.OutOrStdout().Write(script)
		return err
	}

	path := filepath.Join(rc.ledger.Dir(), cfg.Prefix+".autorun.sbatch")
	if err := afero.WriteFile(fs, path, script, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write batch script", err)
	}

	sub := scheduler.NewSubmitter()
	if cfg.Scheduler.Sbatch != "" {
		sub.Binary = cfg.Scheduler.Sbatch
	}
	jobID, err := sub.Submit(cmd.Context(), path)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Batch submission failed", err)
	}
	observability.CLILogger.Info("Submitted batch job",
		zap.String("job_id", jobID),
		zap.String("queue", job.Queue),
		zap.String("script", path))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}
