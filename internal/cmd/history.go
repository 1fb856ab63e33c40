package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded stage attempts",
	Long: `History lists the stage attempts recorded by previous runs, newest first:
backup index, resumed steps, exit status and duration of every launch.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyStage string
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyStage, "stage", "", "Only attempts of this stage")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum rows (0 = all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	rc, err := loadRun(cmd)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	if !rc.cfg.History.Enabled {
		return failure("History disabled", apperrors.Usage("attempt history is disabled (history.enabled: false)"))
	}
	if rc.cfg.History.URL == "" {
		path := rc.cfg.History.Path
		if path == "" {
			path = history.DefaultPath(rc.ledger.Dir(), rc.ledger.Prefix())
		}
		if _, err := fs.Stat(path); err != nil {
			observability.CLILogger.Info("No attempts recorded yet")
			return nil
		}
	}

	store, err := openHistory(cmd.Context(), rc)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open attempt history", err)
	}
	defer func() { _ = store.Close() }()

	attempts, err := store.List(cmd.Context(), history.Filter{
		Prefix: rc.ledger.Prefix(),
		Stage:  historyStage,
		Limit:  historyLimit,
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list attempts", err)
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		if attempts == nil {
			attempts = []history.Attempt{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(attempts)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tSTAGE\tBACKUP\tRESUMED\tSTATUS\tEXIT\tDURATION")
	for _, a := range attempts {
		exit, dur := "-", "-"
		if a.ExitCode != nil {
			exit = fmt.Sprint(*a.ExitCode)
		}
		if a.EndedAt != nil {
			dur = a.EndedAt.Sub(a.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			a.StartedAt.Local().Format(time.DateTime), a.Stage, a.BackupIndex, a.ResumedSteps, a.Status, exit, dur)
	}
	return tw.Flush()
}
