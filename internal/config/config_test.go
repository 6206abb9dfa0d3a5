package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0, cfg.MaxConcurrency)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Sandbox.MaxIterations)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.IterationTimeout)
	assert.Equal(t, 8080, cfg.Healer.CanonicalPort)
	assert.Equal(t, "package.json", cfg.Healer.ManifestFile)
	assert.True(t, cfg.Repair.Enabled)
	assert.NoError(t, cfg.Validate())
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	path := writeConfig(t, `max_concurrency: 4
log_level: debug
log_dir: /tmp/heal-logs
sandbox:
  max_iterations: 6
  poll_interval: 2s
  iteration_timeout: 10m
healer:
  canonical_port: 3000
  entry_points: [src/main.ts]
repair:
  enabled: false
runner:
  install_command: pnpm install
  startup_timeout: 90s
store:
  db_path: /tmp/heal.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/heal-logs", cfg.LogDir)
	assert.Equal(t, 6, cfg.Sandbox.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.IterationTimeout)
	assert.Equal(t, 3000, cfg.Healer.CanonicalPort)
	assert.Equal(t, []string{"src/main.ts"}, cfg.Healer.EntryPoints)
	assert.False(t, cfg.Repair.Enabled)
	assert.Equal(t, "pnpm install", cfg.Runner.InstallCommand)
	assert.Equal(t, 90*time.Second, cfg.Runner.StartupTimeout)
	assert.Equal(t, "/tmp/heal.db", cfg.Store.DBPath)

	// untouched keys keep defaults
	defaults := DefaultConfig()
	assert.Equal(t, defaults.Sandbox.LogExcerptBytes, cfg.Sandbox.LogExcerptBytes)
	assert.Equal(t, defaults.Runner.StartCommand, cfg.Runner.StartCommand)
	assert.Equal(t, defaults.Healer.PortFiles, cfg.Healer.PortFiles)
	assert.Equal(t, defaults.Repair.ClaudePath, cfg.Repair.ClaudePath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "sandbox: [unclosed"},
		{"unknown key", "max_iterations: 3\n"},
		{"bad duration", "sandbox:\n  poll_interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, HomeDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HomeDirName, ConfigFileName), []byte("log_level: warn\n"), 0644))

	cfg, err := LoadConfigFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	cfg, err = LoadConfigFromDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeWithFlags(nil, nil, nil, nil, nil)
	assert.Equal(t, DefaultConfig(), cfg)

	iters, port, dir, noRepair, conc := 3, 4000, "/var/log/heal", true, 2
	cfg.MergeWithFlags(&iters, &port, &dir, &noRepair, &conc)
	assert.Equal(t, 3, cfg.Sandbox.MaxIterations)
	assert.Equal(t, 4000, cfg.Healer.CanonicalPort)
	assert.Equal(t, "/var/log/heal", cfg.LogDir)
	assert.False(t, cfg.Repair.Enabled)
	assert.Equal(t, 2, cfg.MaxConcurrency)

	// --no-repair=false never re-enables a disabled repairer
	off := false
	cfg.MergeWithFlags(nil, nil, nil, &off, nil)
	assert.False(t, cfg.Repair.Enabled)
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.JSONLPath = "/abs/events.jsonl"
	cfg.ResolvePaths("/home/heal")

	assert.Equal(t, "/home/heal/logs", cfg.LogDir)
	assert.Equal(t, "/home/heal/locks", cfg.LockDir)
	assert.Equal(t, "/home/heal/healloop.db", cfg.Store.DBPath)
	assert.Equal(t, "/abs/events.jsonl", cfg.Events.JSONLPath)

	cfg.Store.DBPath = ":memory:"
	cfg.ResolvePaths("/x")
	assert.Equal(t, ":memory:", cfg.Store.DBPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative concurrency", func(c *Config) { c.MaxConcurrency = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty log dir", func(c *Config) { c.LogDir = "" }},
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }},
		{"zero iterations", func(c *Config) { c.Sandbox.MaxIterations = 0 }},
		{"timeout below poll", func(c *Config) { c.Sandbox.IterationTimeout = time.Second }},
		{"port out of range", func(c *Config) { c.Healer.CanonicalPort = 70000 }},
		{"no manifest", func(c *Config) { c.Healer.ManifestFile = "" }},
		{"no start command", func(c *Config) { c.Runner.StartCommand = "" }},
		{"unbounded stages", func(c *Config) { c.Runner.StageTimeout = 0 }},
		{"stages outlast iteration", func(c *Config) { c.Runner.StageTimeout = 3 * time.Minute }},
		{"startup outlasts iteration", func(c *Config) { c.Runner.StartupTimeout = 2 * time.Minute }},
		{"repair without binary", func(c *Config) { c.Repair.ClaudePath = "" }},
		{"repair without timeout", func(c *Config) { c.Repair.Timeout = 0 }},
		{"negative rate", func(c *Config) { c.Repair.RequestsPerMinute = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("stages fit without a build command", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Runner.StageTimeout = 3 * time.Minute
		cfg.Runner.BuildCommand = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled repair skips repair checks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Repair.Enabled = false
		cfg.Repair.ClaudePath = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestRunnerConfigFollowsCanonicalPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Healer.CanonicalPort = 3001
	cfg.Runner.Env = []string{"NODE_ENV=development"}

	rc := cfg.RunnerConfig()
	assert.Equal(t, "http://127.0.0.1:3001/", rc.HealthURL)
	assert.Equal(t, []string{"PORT=3001", "NODE_ENV=development"}, rc.Env)

	cfg.Runner.HealthURL = "http://localhost:9000/health"
	assert.Equal(t, "http://localhost:9000/health", cfg.RunnerConfig().HealthURL)
}

func TestSectionConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.MaxIterations = 7
	cfg.Healer.MaxEscalationFiles = 5

	assert.Equal(t, 7, cfg.SandboxConfig().MaxIterations)
	assert.Equal(t, 5, cfg.HealerConfig().MaxEscalationFiles)
	assert.Equal(t, cfg.Healer.EntryPoints, cfg.HealerConfig().EntryPoints)
}
