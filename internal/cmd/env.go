package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/healloop/internal/classifier"
	"github.com/harrison/healloop/internal/config"
	"github.com/harrison/healloop/internal/events"
	"github.com/harrison/healloop/internal/healer"
	"github.com/harrison/healloop/internal/logger"
	"github.com/harrison/healloop/internal/repair"
	"github.com/harrison/healloop/internal/runner"
	"github.com/harrison/healloop/internal/sandbox"
	"github.com/harrison/healloop/internal/store"
	"github.com/harrison/healloop/internal/workspace"
)

// loadConfig reads --config (or the home config) and applies --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(configPath)
	if err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// healEnv holds the collaborators shared by every project of one heal run.
type healEnv struct {
	cfg        *config.Config
	log        logger.Logger
	fileLog    *logger.FileLogger
	store      *store.Store
	dirs       *workspace.Dirs
	runner     *runner.Local
	dispatcher *healer.Dispatcher
	sink       events.Sink
}

func newHealEnv(cfg *config.Config, out io.Writer) (_ *healEnv, err error) {
	env := &healEnv{cfg: cfg, dirs: workspace.NewDirs(workspace.WithLockDir(cfg.LockDir))}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	console := logger.NewConsoleLogger(out, cfg.LogLevel)
	env.fileLog, err = logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create file logger: %w", err)
	}
	env.log = logger.Multi{console, env.fileLog}

	env.store, err = store.NewStore(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	env.runner, err = runner.NewLocal(env.dirs, cfg.RunnerConfig(), env.log)
	if err != nil {
		return nil, err
	}

	opts := []healer.Option{healer.WithHealLog(env.store), healer.WithLogger(env.log)}
	if cfg.Repair.Enabled {
		inv := repair.NewInvoker(cfg.Repair.ClaudePath, cfg.Repair.Timeout, cfg.Repair.RequestsPerMinute)
		opts = append(opts, healer.WithRepairer(repair.NewClaudeRepairer(inv)))
	}
	env.dispatcher, err = healer.NewDispatcher(env.dirs, cfg.HealerConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	sinks := events.Multi{events.NewLogSink(env.log)}
	if cfg.Events.JSONLPath != "" {
		sinks = append(sinks, events.NewJSONLSink(cfg.Events.JSONLPath))
	}
	env.sink = sinks

	return env, nil
}

// controller builds a controller whose classifier knows the project's files.
func (e *healEnv) controller(ctx context.Context, projectID string) (*sandbox.Controller, error) {
	files, err := e.dirs.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	cls := classifier.New(classifier.WithProjectFiles(files), classifier.WithLogger(e.log))

	return sandbox.NewController(e.runner, cls, e.dispatcher, e.cfg.SandboxConfig(),
		sandbox.WithStore(e.store),
		sandbox.WithEventSink(e.sink),
		sandbox.WithLogger(e.log),
	)
}

// Close stops running iterations and releases the store and log files.
func (e *healEnv) Close() error {
	var errs []error
	if e.runner != nil {
		errs = append(errs, e.runner.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.fileLog != nil {
		errs = append(errs, e.fileLog.Close())
	}
	return errors.Join(errs...)
}
