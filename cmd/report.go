package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/dermtune/internal/inference"
)

func newReportCmd(a *app) *cobra.Command {
	var file string
	var format string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a saved prediction report",
		Long: `Prints a prediction report saved by predict or run. Without --file the most
recent report in <base-dir>/predictions is used.`,
		Example: `  # Latest report as text
  dermtune report

  # A specific report as CSV
  dermtune report --file data/predictions/2026-10-14_09-30-00.yaml --format csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				latest, err := latestReport(a.cfg.PredictionsDir())
				if err != nil {
					return err
				}
				file = latest
			}

			report, err := inference.LoadReport(file)
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), format)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Report YAML file (default: latest)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json, csv")

	return cmd
}

// latestReport relies on the timestamped file names sorting chronologically.
func latestReport(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no reports in %s", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
