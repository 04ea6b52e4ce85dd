package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIngestCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Download and extract the dataset archive",
		Long: `Downloads the HAM10000 archive from the configured object store into
<base-dir>/downloads and extracts it into <base-dir>/raw.

A previously downloaded archive is reused unless --force is set.`,
		Example: `  # Fetch from a GCS bucket
  dermtune ingest --bucket my-bucket --bucket-path ham10000

  # Use a local directory standing in for the bucket
  DERMTUNE_STORAGE_LOCAL_ROOT=/srv/buckets dermtune ingest --storage local --bucket derm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd.Context(), true, false, false)
			if err != nil {
				return err
			}
			dir, err := p.Ingest(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dataset extracted to %s\n", dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Download again even if a cached archive exists")

	return cmd
}
