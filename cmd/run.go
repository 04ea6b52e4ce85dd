package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var force bool
	var format string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage: ingest, prepare, train and predict",
		Long: `Runs the full workflow in order and stops at the first fatal error.

Failed predictions on individual samples are reported but do not fail the run.`,
		Example: `  dermtune run --config dermtune.yaml

  # Everything from flags, with a local bucket
  dermtune run --storage local --bucket derm --project my-project \
    --container-image us-docker.pkg.dev/my-project/dermtune/train:latest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd.Context(), true, true, true)
			if err != nil {
				return err
			}
			report, err := p.Run(cmd.Context(), force)
			if report != nil {
				if writeErr := report.Write(cmd.OutOrStdout(), format); writeErr != nil {
					return errors.Join(err, writeErr)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Download again even if a cached archive exists")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json, csv")
	cmd.Flags().Float64("balance-ratio", 1.0, "Target class size as a fraction of the largest class")
	addEndpointFlags(cmd)
	addTrainingFlags(cmd)

	return cmd
}
