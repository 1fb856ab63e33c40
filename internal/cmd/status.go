package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/autorun/internal/server/handlers"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every stage",
	Long: `Status scans the run directory and prints one row per stage: its state,
the artifacts still missing and the backup indices already taken. With
--progress the latest progress snapshot of each stage is shown too.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusJSON     bool
	statusProgress bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a table")
	statusCmd.Flags().BoolVar(&statusProgress, "progress", false, "Include the latest progress of each stage")
}

func runStatus(cmd *cobra.Command, args []string) error {
	rc, err := loadRun(cmd)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	h := handlers.NewStages(rc.ledger, rc.stages)
	views, err := h.Views()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to scan run directory", err)
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(handlers.StagesResponse{Dir: rc.ledger.Dir(), Prefix: rc.ledger.Prefix(), Stages: views})
	}
	return writeStatusTable(cmd.OutOrStdout(), rc, views)
}

func writeStatusTable(out io.Writer, rc *runContext, views []handlers.StageView) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "#\tSTAGE\tSTATE\tMISSING\tBACKUPS\tTITLE")
	for _, v := range views {
		missing := make([]string, 0, len(v.Status.Missing)+len(v.Status.Empty))
		for _, k := range v.Status.Missing {
			missing = append(missing, string(k))
		}
		for _, k := range v.Status.Empty {
			missing = append(missing, string(k)+"(empty)")
		}
		if v.Status.MarkerMissing {
			missing = append(missing, "marker")
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			v.Index, v.Name, v.State, dash(strings.Join(missing, ",")), dash(joinInts(v.Status.Backups)), v.Title)
		if statusProgress {
			if line := stageProgress(rc, v.Name); line != "" {
				_, _ = fmt.Fprintf(tw, "\t\t\t\t\t%s\n", line)
			}
		}
	}
	return tw.Flush()
}

func stageProgress(rc *runContext, stage string) string {
	data, err := rc.ledger.ReadFile(rc.ledger.Path(stage, catalog.ArtifactInfo))
	if err != nil {
		return ""
	}
	p := launcher.ParseProgress(data)
	if !p.Known() {
		return ""
	}
	return p.Line(stage)
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
