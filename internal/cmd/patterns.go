package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/healloop/internal/classifier"
)

// NewPatternsCommand creates the patterns command
func NewPatternsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List the error pattern registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tSEVERITY\tCONFIDENCE\tSTRATEGY\tSUGGESTION")
			for _, p := range classifier.DefaultRegistry().Patterns() {
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\t%s\n", p.Category, p.Severity, p.Confidence(), p.Strategy, p.Suggestion)
				if verbose {
					for _, re := range p.Patterns {
						fmt.Fprintf(w, "\t\t\t\t  %s\n", re)
					}
				}
			}
			return w.Flush()
		},
	}
	return cmd
}
