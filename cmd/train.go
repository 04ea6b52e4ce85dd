package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTrainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Upload the packaged dataset and run a training job",
		Long: `Uploads <base-dir>/<dataset_archive> to the bucket, submits a Vertex AI custom
job running the configured training container, and waits for it to finish.

The job record is written to <base-dir>/jobs so predict can find the model.
Interrupting the command stops waiting; it does not cancel the remote job.`,
		Example: `  dermtune train --bucket my-bucket --project my-project \
    --container-image us-docker.pkg.dev/my-project/dermtune/train:latest --epochs 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd.Context(), true, true, false)
			if err != nil {
				return err
			}
			handle, err := p.Train(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\nModel artifacts: %s\n", handle.JobName, handle.State, handle.ArtifactURI)
			return nil
		},
	}

	addTrainingFlags(cmd)

	return cmd
}
