package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/archive"
	"github.com/3leaps/autorun/pkg/output"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload artifacts of complete stages to S3",
	Long: `Archive uploads the configuration, log, info, checkpoint, trajectory and
snapshot of every complete stage to S3 or an S3-compatible store. Incomplete
stages are skipped. Keys are {prefix}/{run-prefix}.{stage}.{ext}.

Examples:
  autorun archive --to s3://md-archive/2024/cplx
  autorun archive --to s3://md --endpoint http://minio:9000 --force-path-style
  autorun archive --to s3://md/cplx --exclude '*.nc'`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

var (
	archiveTo             string
	archiveEndpoint       string
	archiveRegion         string
	archiveProfile        string
	archiveForcePathStyle bool
	archiveDryRun         bool
	archivePreflight      bool
	archiveEvents         string
	archiveIncludes       []string
	archiveExcludes       []string
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().StringVar(&archiveTo, "to", "", "Destination s3://bucket/prefix (default from archive.bucket/archive.prefix)")
	archiveCmd.Flags().StringVar(&archiveEndpoint, "endpoint", "", "S3-compatible endpoint URL")
	archiveCmd.Flags().StringVar(&archiveRegion, "region", "", "AWS region")
	archiveCmd.Flags().StringVar(&archiveProfile, "profile", "", "AWS shared config profile")
	archiveCmd.Flags().BoolVar(&archiveForcePathStyle, "force-path-style", false, "Use path-style addressing")
	archiveCmd.Flags().BoolVarP(&archiveDryRun, "dry-run", "n", false, "List what would be uploaded")
	archiveCmd.Flags().BoolVar(&archivePreflight, "preflight", true, "Check write and delete permission before uploading")
	archiveCmd.Flags().StringSliceVar(&archiveIncludes, "include", nil, "Only artifacts whose file name matches a glob (repeatable)")
	archiveCmd.Flags().StringSliceVar(&archiveExcludes, "exclude", nil, "Skip artifacts whose file name matches a glob (repeatable)")
	archiveCmd.Flags().StringVar(&archiveEvents, "events", "", "Append JSONL events to this file (- for stdout)")
}

func archiveOverrides(cmd *cobra.Command) (map[string]any, error) {
	a := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("to") {
		bucket, prefix, err := archive.ParseURI(archiveTo)
		if err != nil {
			return nil, apperrors.Usage("%v", err)
		}
		a["bucket"] = bucket
		a["prefix"] = prefix
	}
	if flags.Changed("endpoint") {
		a["endpoint"] = archiveEndpoint
	}
	if flags.Changed("region") {
		a["region"] = archiveRegion
	}
	if flags.Changed("profile") {
		a["profile"] = archiveProfile
	}
	if flags.Changed("force-path-style") {
		a["force_path_style"] = archiveForcePathStyle
	}
	return map[string]any{"archive": a}, nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	overrides, err := archiveOverrides(cmd)
	if err != nil {
		return failure("Invalid destination", err)
	}
	rc, err := loadRun(cmd, overrides)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	cfg := rc.cfg.Archive
	if err := cfg.Validate(); err != nil {
		return failure("Invalid archive configuration", apperrors.Usage("%v (pass --to s3://bucket/prefix)", err))
	}

	sel, err := archive.NewSelector(archiveIncludes, archiveExcludes)
	if err != nil {
		return failure("Invalid pattern", apperrors.Usage("%v", err))
	}
	a := &archive.Archiver{
		Ledger:  rc.ledger,
		Stages:  rc.stages,
		Bucket:  cfg.Bucket,
		Prefix:  cfg.Prefix,
		Limiter: archive.NewLimiter(cfg.RatePerSecond),
		Select:  sel,
	}
	items, skipped, err := a.Plan()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to scan run directory", err)
	}
	log := observability.CLILogger
	if len(skipped) > 0 {
		log.Info("Skipping incomplete stages", zap.String("stages", strings.Join(skipped, ",")))
	}

	if archiveDryRun {
		for _, it := range items {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s -> s3://%s/%s (%d bytes)\n", it.Path, cfg.Bucket, it.Key, it.Size)
		}
		return nil
	}
	if len(items) == 0 {
		log.Info("Nothing to archive; no stage is complete")
		return nil
	}

	invocationID := uuid.New().String()
	events, closeEvents, err := openEvents(cmd, archiveEvents, invocationID, rc.ledger.Prefix())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open events output", err)
	}
	defer closeEvents()

	putter, err := archive.NewS3(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure S3", err)
	}
	a.Putter = putter

	if archivePreflight {
		results, err := a.Preflight(cmd.Context())
		for _, r := range results {
			fields := []zap.Field{zap.String("capability", r.Capability), zap.Bool("allowed", r.Allowed), zap.String("method", r.Method)}
			if r.ErrorCode != "" {
				fields = append(fields, zap.String("error_code", r.ErrorCode))
			}
			log.Debug("Preflight check", fields...)
		}
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Archive preflight failed", err)
		}
	}

	var total int64
	done, err := a.Upload(cmd.Context(), items, func(it archive.Item) {
		total += it.Size
		log.Info("Uploaded artifact",
			zap.String("stage", it.Stage),
			zap.String("key", it.Key),
			zap.Int64("size", it.Size))
		if werr := events.WriteArchive(cmd.Context(), &output.ArchiveRecord{
			Stage: it.Stage, Path: it.Path, Bucket: cfg.Bucket, Key: it.Key, Size: it.Size, ETag: it.ETag,
		}); werr != nil {
			log.Warn("Failed to write event", zap.Error(werr))
		}
	})
	if err != nil {
		_ = events.WriteError(cmd.Context(), &output.ErrorRecord{Code: "ARCHIVE_FAILED", Message: err.Error()})
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("Archive failed after %d of %d uploads", len(done), len(items)), err)
	}
	log.Info("Archive complete",
		zap.String("bucket", cfg.Bucket),
		zap.Int("objects", len(done)),
		zap.Int64("bytes", total))
	return nil
}
