package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
)

func newInspectCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show class sizes of the prepared dataset",
		Long: `Reads <base-dir>/balanced/manifest.parquet and prints, per class, how many
training images are original or synthesized and how many are held out.`,
		Example: `  # Class table only
  dermtune inspect

  # Also list the first 3 records of every class
  dermtune inspect --limit 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.LoadDataset(a.cfg.BalancedDir())
			if err != nil {
				return err
			}
			printInspect(cmd.OutOrStdout(), ds, limit)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Records to list per class (0 for none)")

	return cmd
}

func printInspect(w io.Writer, ds dataset.Dataset, limit int) {
	fmt.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintf(w, "%-6s %-40s %8s %8s %6s\n", "CLASS", "DESCRIPTION", "ORIGINAL", "SYNTH", "VAL")
	fmt.Fprintln(w, strings.Repeat("-", 70))

	var original, synthetic int
	for _, label := range ds.Train.Labels() {
		o, s := 0, 0
		for _, rec := range ds.Train[label] {
			if rec.Synthetic {
				s++
			} else {
				o++
			}
		}
		original += o
		synthetic += s
		fmt.Fprintf(w, "%-6s %-40s %8d %8d %6d\n", label, label.Description(), o, s, len(ds.Validation[label]))

		for _, rec := range ds.Train[label][:min(limit, len(ds.Train[label]))] {
			fmt.Fprintf(w, "         %s lesion=%s synthetic=%t %s\n", rec.ID, rec.LesionID, rec.Synthetic, rec.Path)
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "%-6s %-40s %8d %8d %6d\n", "TOTAL", "", original, synthetic, ds.Validation.Total())
	fmt.Fprintln(w, strings.Repeat("=", 70))
}
