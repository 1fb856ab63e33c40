package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/catalog"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the run directory and the MD toolchain and
suggest fixes for common issues.

Examples:
  autorun doctor -d runs/cplx        # Toolchain and run directory checks
  autorun doctor --provider s3       # Also check archive credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorReport numbers and logs checks as they run.
type doctorReport struct {
	num, total int
	ok         bool
}

func (r *doctorReport) pass(name, detail string, fields ...zap.Field) {
	r.num++
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) warn(name, detail string, fields ...zap.Field) {
	r.num++
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) fail(name, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	r := &doctorReport{total: 6, ok: true}
	if doctorProvider == "s3" {
		r.total += 2
	}

	goVersion := runtime.Version()
	r.pass("Go runtime", goVersion, zap.String("go_version", goVersion))

	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		r.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	rc, err := loadRun(cmd)
	if err != nil {
		r.fail("run directory", err.Error())
		r.num++ // the stage scan depends on it
	} else {
		r.pass("run directory", rc.ledger.Dir(),
			zap.String("prefix", rc.ledger.Prefix()),
			zap.String("config", rc.cfg.Source))
		checkRunInputs(r, rc)
	}

	if rc != nil {
		checkBinaries(r, rc)
	} else {
		r.warn("MD binaries", "skipped (no usable configuration)")
	}

	r.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("amberhome", os.Getenv("AMBERHOME")),
		zap.String("cuda_visible_devices", os.Getenv("CUDA_VISIBLE_DEVICES")))

	if doctorProvider == "s3" {
		runS3Checks(cmd.Context(), r)
	}

	observability.CLILogger.Info("")
	if r.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", appIdentity.BinaryName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")

	if !r.ok {
		return exitError(exitFailure, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	return nil
}

// checkRunInputs verifies the starting structure and scans every stage.
func checkRunInputs(r *doctorReport, rc *runContext) {
	var missing []string
	for _, p := range []string{rc.ledger.TopologyPath(), rc.ledger.CoordinatesPath()} {
		if !rc.ledger.NonEmpty(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		r.fail("starting inputs", fmt.Sprintf("missing or empty: %v", missing))
		return
	}
	counts := map[string]int{}
	for _, s := range rc.stages {
		st, err := rc.ledger.Status(s)
		if err != nil {
			r.fail("starting inputs", err.Error())
			return
		}
		counts[string(st.State())]++
	}
	states := make([]string, 0, len(counts))
	for k := range counts {
		states = append(states, k)
	}
	sort.Strings(states)
	summary := ""
	for i, k := range states {
		if i > 0 {
			summary += ", "
		}
		summary += fmt.Sprintf("%d %s", counts[k], k)
	}
	r.pass("starting inputs", fmt.Sprintf("%d stages (%s)", len(rc.stages), summary),
		zap.String("topology", rc.ledger.TopologyPath()),
		zap.String("first_stage", firstStage(rc.stages)))
}

func firstStage(stages []catalog.Stage) string {
	if len(stages) == 0 {
		return ""
	}
	return stages[0].Name
}

// checkBinaries resolves the engine, snapshot and MPI launcher binaries.
func checkBinaries(r *doctorReport, rc *runContext) {
	found, ok := rc.cfg.Launcher.LookPath()
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	if ok {
		r.pass("MD binaries", fmt.Sprintf("%s engine ready", rc.cfg.Launcher.Engine), zap.Strings("binaries", names))
		return
	}
	for _, name := range names {
		if err := found[name]; err != nil {
			observability.CLILogger.Error("Binary not found", zap.String("binary", name), zap.Error(err))
		}
	}
	r.fail("MD binaries", "one or more binaries are not executable")
	printAmberHelp()
}

// runS3Checks runs archive credential checks.
func runS3Checks(ctx context.Context, r *doctorReport) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		r.num++
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		r.num++
		printAWSCredentialsHelp()
		return
	}

	r.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("credential source", source, zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAmberHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To make the Amber binaries available:")
	observability.CLILogger.Info("  1. Source $AMBERHOME/amber.sh, or")
	observability.CLILogger.Info("  2. Set launcher.amber_home in autorun.yaml (or AMBERHOME), or")
	observability.CLILogger.Info("  3. Pick an installed engine with --engine (gpu|gpu-mpi|cpu-mpi|sander)")
	observability.CLILogger.Info("")
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint in autorun.yaml or AUTORUN_ARCHIVE_ENDPOINT")
	observability.CLILogger.Info("")
}
