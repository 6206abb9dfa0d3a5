package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/healloop/internal/models"
	"github.com/harrison/healloop/internal/store"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [project-id]",
		Short: "Show recorded iterations and repairs",
		Long: `Show the recorded heal history of a project: its status, every
iteration with its stage results and errors, and the surgical repairs
applied to its files.

Without a project ID, lists every known project.`,
		Args: cobra.MaximumNArgs(1),
		RunE: historyCommand,
	}

	cmd.Flags().Bool("json", false, "Print history as JSON")

	return cmd
}

type projectHistory struct {
	Project    *models.ProjectHealth      `json:"project"`
	Iterations []*models.SandboxIteration `json:"iterations"`
	HealLog    []*models.HealLogEntry     `json:"heal_log"`
}

func historyCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := store.NewStore(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")

	if len(args) == 0 {
		projects, err := st.ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(projects)
		}
		if len(projects) == 0 {
			fmt.Fprintln(out, "No projects recorded.")
			return nil
		}
		for _, p := range projects {
			fmt.Fprintf(out, "%-32s %-15s iterations=%-3d health=%d\n", p.ProjectID, p.Status, p.Iterations, p.HealthScore)
		}
		return nil
	}

	projectID := args[0]
	health, err := st.GetHealth(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	iterations, err := st.ListIterations(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load iterations: %w", err)
	}
	healLog, err := st.ListHealLog(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load heal log: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(projectHistory{Project: health, Iterations: iterations, HealLog: healLog})
	}

	fmt.Fprintf(out, "Project %s: %s (health %d/100, %d iteration(s))\n", projectID, health.Status, health.HealthScore, health.Iterations)
	for _, it := range iterations {
		fmt.Fprintf(out, "\nIteration %d  [%s]  health %d  %s\n", it.Number, stageMarks(it), it.HealthScore, it.Duration().Round(time.Millisecond))
		for _, e := range it.Errors {
			loc := e.Location()
			if loc != "" {
				loc = " " + loc
			}
			fmt.Fprintf(out, "  ! %s%s: %s\n", e.Category, loc, firstLine(e.RawMessage))
		}
		for _, f := range it.FixesApplied {
			fmt.Fprintf(out, "  + %s\n", f)
		}
		for _, f := range it.FixesFailed {
			fmt.Fprintf(out, "  - %s\n", f)
		}
	}

	if len(healLog) > 0 {
		fmt.Fprintf(out, "\nRepairs:\n")
		for _, h := range healLog {
			fmt.Fprintf(out, "  iteration %d %s (%d -> %d bytes): %s\n", h.Iteration, h.FilePath, h.BytesBefore, h.BytesAfter, h.Summary)
		}
	}
	return nil
}

// stageMarks renders the four stage flags as install/build/start/health.
func stageMarks(it *models.SandboxIteration) string {
	mark := func(name string, ok bool) string {
		if ok {
			return name + " ok"
		}
		return name + " FAIL"
	}
	return strings.Join([]string{
		mark("install", it.InstallSuccess),
		mark("build", it.BuildSuccess),
		mark("start", it.StartSuccess),
		mark("health", it.HealthCheckPassed),
	}, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
