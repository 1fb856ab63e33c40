package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/pkg/amd"
	"github.com/3leaps/autorun/pkg/catalog"
)

var amdCmd = &cobra.Command{
	Use:   "amd",
	Short: "Derive accelerated MD boost parameters",
	Long: `amd reads the topology and the energy log of the stage preceding the
accelerated stage (production by default) and prints the dual-boost
parameters EthreshP, alphaP, EthreshD and alphaD.

With --fill the pending fields of the accelerated stage's configuration are
filled in place; run does the same automatically before launching it.`,
	Args: cobra.NoArgs,
	RunE: runAMD,
}

var (
	amdSource string
	amdFill   bool
	amdJSON   bool
)

func init() {
	rootCmd.AddCommand(amdCmd)
	amdCmd.Flags().StringVar(&amdSource, "source", "", "Stage whose log supplies the energies (default: the stage before the accelerated one)")
	amdCmd.Flags().BoolVar(&amdFill, "fill", false, "Fill the pending fields of the accelerated stage's configuration")
	amdCmd.Flags().BoolVar(&amdJSON, "json", false, "Print JSON")
}

// acceleratedStage returns the accelerated stage and the default energy source.
func acceleratedStage(stages []catalog.Stage) (catalog.Stage, catalog.Stage, error) {
	for _, s := range stages {
		if !s.Accelerated {
			continue
		}
		prev, ok := catalog.Previous(stages, s)
		if !ok {
			return catalog.Stage{}, catalog.Stage{}, apperrors.Usage("accelerated stage %s has no predecessor", s.Name)
		}
		return s, prev, nil
	}
	return catalog.Stage{}, catalog.Stage{}, apperrors.Usage("the stage catalog has no accelerated stage")
}

func runAMD(cmd *cobra.Command, args []string) error {
	rc, err := loadRun(cmd)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	target, prev, err := acceleratedStage(rc.stages)
	if err != nil {
		return failure("No accelerated stage", err)
	}
	source := prev.Name
	if amdSource != "" {
		s, ok := catalog.Find(rc.stages, amdSource)
		if !ok {
			return failure("Invalid --source", apperrors.Usage("unknown stage %q", amdSource))
		}
		source = s.Name
	}

	var p amd.Params
	if amdFill {
		p, err = amd.FillConfig(rc.ledger, target, source)
	} else {
		p, err = amd.FromRun(rc.ledger, source)
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to derive boost parameters", err)
	}
	if amdFill {
		observability.CLILogger.Info("Filled boost parameters",
			zap.String("stage", target.Name),
			zap.String("config", rc.ledger.Path(target.Name, catalog.ArtifactConfig)))
	}

	out := cmd.OutOrStdout()
	if amdJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	_, _ = fmt.Fprintf(out, "EthreshP = %.3f\n", p.EthreshP)
	_, _ = fmt.Fprintf(out, "alphaP   = %.3f\n", p.AlphaP)
	_, _ = fmt.Fprintf(out, "EthreshD = %.3f\n", p.EthreshD)
	_, _ = fmt.Fprintf(out, "alphaD   = %.3f\n", p.AlphaD)
	return nil
}
