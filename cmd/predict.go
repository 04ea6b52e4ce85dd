package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/dermtune/internal/training"
)

func newPredictCmd(a *app) *cobra.Command {
	var artifact string
	var format string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Deploy the trained model and classify validation samples",
		Long: `Deploys the trained model, sends a sample of validation images through it and
prints a summary. The endpoint is always torn down afterwards.

With --endpoint vertex the model comes from --artifact or, when unset, from the
most recent job record in <base-dir>/jobs. The http, onnx and gemini endpoints
use an existing model server, a local ONNX export or a zero-shot Gemini baseline.`,
		Example: `  # Deploy the latest trained model on Vertex AI
  dermtune predict --project my-project

  # Use a model served locally by "dermtune serve"
  dermtune predict --endpoint http --endpoint-url http://localhost:8080/v1/models/dermtune:predict

  # Three samples per class, JSON output
  dermtune predict --endpoint onnx --onnx-model model.onnx --samples-per-class 3 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifact == "" && a.cfg.Endpoint.Kind == "vertex" {
				handle, err := training.LatestHandle(a.cfg.JobsDir())
				if err != nil {
					return fmt.Errorf("no --artifact given and no job record found: %w", err)
				}
				if handle.State != training.StateSucceeded {
					return errors.New("latest training job did not succeed, pass --artifact")
				}
				artifact = handle.ArtifactURI
				slog.Info("Using latest trained model", "job", handle.JobName, "artifact", artifact)
			}

			p, err := a.pipeline(cmd.Context(), false, false, true)
			if err != nil {
				return err
			}
			report, err := p.Predict(cmd.Context(), artifact)
			if report != nil {
				if writeErr := report.Write(cmd.OutOrStdout(), format); writeErr != nil {
					return errors.Join(err, writeErr)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&artifact, "artifact", "", "Model artifact URI (default: latest job record)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json, csv")
	addEndpointFlags(cmd)
	addTrainingFlags(cmd)

	return cmd
}
