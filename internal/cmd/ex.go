package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const examples = `Examples:

  # Write every stage configuration into a fresh run directory (nothing runs)
  autorun run -d runs/cplx

  # Review the configurations, then run the whole pipeline on GPU 0
  autorun run -d runs/cplx --gpu 0

  # Print the commands without launching anything
  autorun run -d runs/cplx --dry-run

  # Run a single stage, or everything up to (not including) production
  autorun run -d runs/cplx --only heat
  autorun run -d runs/cplx --stop-before prod

  # CPU cluster: 4 nodes of MPI, submitted to Slurm
  autorun run -d runs/cplx --engine cpu-mpi --nodes 4 --queue compute --walltime 48:00:00

  # Follow a running pipeline
  autorun status -d runs/cplx --progress
  autorun serve -d runs/cplx --port 8080

  # Accelerated MD boost parameters from the production log
  autorun amd -d runs/cplx

  # Inspect attempts, check the toolchain, archive finished stages
  autorun history -d runs/cplx --stage prod
  autorun doctor -d runs/cplx
  autorun archive -d runs/cplx --to s3://md-archive/cplx
`

var exCmd = &cobra.Command{
	Use:   "ex",
	Short: "Print usage examples",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), examples)
		return err
	},
}

func init() {
	rootCmd.AddCommand(exCmd)
}
