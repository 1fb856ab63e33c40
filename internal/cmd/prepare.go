package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/sequencer"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Write missing stage configurations",
	Long: `Prepare writes the configuration of every stage that does not have one yet
and exits without launching anything. Existing configurations are never
overwritten, so hand edits survive.`,
	Args: cobra.NoArgs,
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	rc, err := loadRun(cmd)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	seq, err := sequencer.New(rc.ledger, rc.cfg.Run, rc.cfg.Launcher)
	if err != nil {
		return failure("Invalid run parameters", err)
	}
	written, err := seq.Prepare()
	for _, name := range written {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), seq.Ledger.Path(name, catalog.ArtifactConfig))
	}
	if err != nil {
		return failure("Failed to write configurations", err)
	}
	observability.CLILogger.Info("Prepared stage configurations",
		zap.Int("written", len(written)),
		zap.Int("stages", len(rc.stages)))
	return nil
}
