package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/healloop/internal/models"
	"github.com/harrison/healloop/internal/sandbox"
)

// NewHealCommand creates the heal command
func NewHealCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal <project-dir>...",
		Short: "Run the build-test-heal loop on one or more projects",
		Long: `Run the build-test-heal loop on each project directory.

Every iteration installs dependencies, builds, starts the server and
probes its health endpoint. Failures are classified; deterministic fixes
(missing packages, type packages, version pins, env vars, ports) are
applied directly and code errors are escalated to the repair CLI.

Projects are healed concurrently, bounded by max_concurrency.
The command exits non-zero unless every project reaches HEALTHY.

Examples:
  healloop heal ./generated/shop
  healloop heal ./a ./b --max-iterations 5
  healloop heal ./app --project-id shop-v2 --canonical-port 3000
  healloop heal ./app --no-repair --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: healCommand,
	}

	cmd.Flags().Int("max-iterations", 0, "Maximum heal iterations per project (default from config)")
	cmd.Flags().String("project-id", "", "Project ID (single project only; default: <dir>-<random>)")
	cmd.Flags().Int("canonical-port", 0, "Port the server must listen on (default from config)")
	cmd.Flags().Bool("no-repair", false, "Disable AI-assisted surgical repair")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().Int("max-concurrency", -1, "Maximum projects healed at once (0 = unlimited, -1 = use config)")

	return cmd
}

// healCommand implements the heal command logic
func healCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	projectID, _ := cmd.Flags().GetString("project-id")
	if projectID != "" && len(args) > 1 {
		return fmt.Errorf("--project-id can only be used with a single project directory")
	}

	var maxIterationsPtr, canonicalPortPtr, maxConcurrencyPtr *int
	var logDirPtr *string
	var noRepairPtr *bool
	if cmd.Flags().Changed("max-iterations") {
		v, _ := cmd.Flags().GetInt("max-iterations")
		maxIterationsPtr = &v
	}
	if cmd.Flags().Changed("canonical-port") {
		v, _ := cmd.Flags().GetInt("canonical-port")
		canonicalPortPtr = &v
	}
	if cmd.Flags().Changed("max-concurrency") {
		v, _ := cmd.Flags().GetInt("max-concurrency")
		maxConcurrencyPtr = &v
	}
	if cmd.Flags().Changed("log-dir") {
		v, _ := cmd.Flags().GetString("log-dir")
		logDirPtr = &v
	}
	if cmd.Flags().Changed("no-repair") {
		v, _ := cmd.Flags().GetBool("no-repair")
		noRepairPtr = &v
	}

	// Merge CLI flags with config (flags take precedence)
	cfg.MergeWithFlags(maxIterationsPtr, canonicalPortPtr, logDirPtr, noRepairPtr, maxConcurrencyPtr)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	env, err := newHealEnv(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer env.Close()

	ids := make([]string, len(args))
	for i, dir := range args {
		id := projectID
		if id == "" {
			id = defaultProjectID(dir)
		}
		if err := env.dirs.Register(id, dir); err != nil {
			return fmt.Errorf("project %s: %w", dir, err)
		}
		ids[i] = id
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	env.log.Infof("healing %d project(s): %s", len(ids), strings.Join(ids, ", "))

	outcomes := make([]*models.HealOutcome, len(ids))
	runErrs := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ctrl, err := env.controller(gctx, id)
			if err != nil {
				runErrs[i] = err
				return nil
			}
			// One project's failure never cancels the others.
			outcomes[i], runErrs[i] = ctrl.Run(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, id := range ids {
		if outcomes[i] != nil {
			env.log.LogOutcome(outcomes[i])
		}
		if runErrs[i] != nil {
			env.log.Errorf("%s: %v", id, runErrs[i])
		}
		if outcomes[i] == nil || outcomes[i].Phase != sandbox.PhaseHealthy.String() {
			failed++
		}
	}

	env.log.Infof("finished in %s: %d healthy, %d not healthy", time.Since(started).Round(time.Second), len(ids)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d project(s) did not heal", failed, len(ids))
	}
	return nil
}

// defaultProjectID derives a fresh ID from the directory name.
func defaultProjectID(dir string) string {
	base := filepath.Base(filepath.Clean(dir))
	if abs, err := filepath.Abs(dir); err == nil {
		base = filepath.Base(abs)
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "project"
	}
	return base + "-" + uuid.NewString()[:8]
}
