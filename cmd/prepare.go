package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPrepareCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Organize, split, balance and package the dataset",
		Long: `Reads the metadata table from the extracted archive, copies every image into
<base-dir>/classes/<label>, splits each class into training and validation
images, grows the under-represented training classes with augmented copies,
and packages the result as <base-dir>/<dataset_archive>.`,
		Example: `  # Balance every class to the size of the largest one
  dermtune prepare

  # Balance to 80% of the largest class with a different seed
  dermtune prepare --balance-ratio 0.8 --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd.Context(), false, false, false)
			if err != nil {
				return err
			}
			res, err := p.Prepare(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Organized: %d (no metadata: %d, duplicates: %d, other formats: %d)\n",
				res.Organized.Organized, res.Organized.NoMetadata, res.Organized.Duplicates, res.Organized.WrongFormat)
			fmt.Fprintf(out, "Train: %d (%d synthesized)  Val: %d\n",
				res.Dataset.Train.Total(), res.Synthesized, res.Dataset.Validation.Total())
			fmt.Fprintf(out, "Package: %s (%d files)\n", res.PackagePath, res.Files)
			return nil
		},
	}

	cmd.Flags().Float64("balance-ratio", 1.0, "Target class size as a fraction of the largest class")
	cmd.Flags().Float64("validation-fraction", 0.2, "Fraction of each class held out for validation")
	cmd.Flags().String("extension", ".jpg", "Image file extension to organize")

	return cmd
}
