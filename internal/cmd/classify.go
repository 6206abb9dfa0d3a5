package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harrison/healloop/internal/classifier"
	"github.com/harrison/healloop/internal/models"
)

// NewClassifyCommand creates the classify command
func NewClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [log-file|-]",
		Short: "Classify a build or runtime log",
		Long: `Classify a build or runtime log into distinct errors.

Reads the named file, or standard input when the argument is "-" or omitted.
Each error is reported with its category, location, confidence and the fix
strategy the healer would use.

Examples:
  healloop classify build.log
  npm run build 2>&1 | healloop classify --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: classifyCommand,
	}

	cmd.Flags().Bool("json", false, "Print errors as JSON")

	return cmd
}

func classifyCommand(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	source := "stdin"
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open log: %w", err)
		}
		defer f.Close()
		r = f
		source = args[0]
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", source, err)
	}

	errs := classifier.New().ClassifyText(string(data))
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if errs == nil {
			errs = []models.ClassifiedError{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(errs)
	}

	if len(errs) == 0 {
		fmt.Fprintf(out, "No errors found in %s.\n", source)
		return nil
	}

	fmt.Fprintf(out, "%d error(s) in %s:\n\n", len(errs), source)
	for i, e := range errs {
		fmt.Fprintf(out, "%d. %s (severity %d, confidence %.2f, fix: %s)\n", i+1, e.Category, e.Severity, e.Confidence, e.Strategy)
		if loc := e.Location(); loc != "" {
			fmt.Fprintf(out, "   at %s\n", loc)
		}
		fmt.Fprintf(out, "   %s\n", e.RawMessage)
	}

	counts := classifier.Summarize(errs)
	cats := make([]models.ErrorCategory, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	fmt.Fprintf(out, "\nBy category:\n")
	for _, c := range cats {
		fmt.Fprintf(out, "  %-24s %d\n", c, counts[c])
	}
	return nil
}
