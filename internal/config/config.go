package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/healloop/internal/healer"
	"github.com/harrison/healloop/internal/logger"
	"github.com/harrison/healloop/internal/runner"
	"github.com/harrison/healloop/internal/sandbox"
)

// SandboxConfig bounds the build-test-heal loop
type SandboxConfig struct {
	// MaxIterations caps heal cycles per project
	MaxIterations int `yaml:"max_iterations"`

	// PollInterval is how often the runner is polled
	PollInterval time.Duration `yaml:"poll_interval"`

	// IterationTimeout bounds one install/build/start/health cycle
	IterationTimeout time.Duration `yaml:"iteration_timeout"`

	// LogExcerptBytes is the tail of runner output kept per iteration
	LogExcerptBytes int `yaml:"log_excerpt_bytes"`
}

// HealerConfig holds the project file conventions used by deterministic fixes
type HealerConfig struct {
	CanonicalPort      int      `yaml:"canonical_port"`
	MaxEscalationFiles int      `yaml:"max_escalation_files"`
	EnvFile            string   `yaml:"env_file"`
	ManifestFile       string   `yaml:"manifest_file"`
	PortFiles          []string `yaml:"port_files"`
	EntryPoints        []string `yaml:"entry_points"`
}

// RepairConfig controls AI-assisted surgical repair
type RepairConfig struct {
	// Enabled turns escalation to the code repairer on or off
	Enabled bool `yaml:"enabled"`

	// ClaudePath is the repair CLI binary
	ClaudePath string `yaml:"claude_path"`

	// Timeout bounds one repair invocation
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerMinute throttles repair calls (0 = unlimited)
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// RunnerConfig holds the commands executed for each iteration
type RunnerConfig struct {
	InstallCommand string        `yaml:"install_command"`
	BuildCommand   string        `yaml:"build_command"`
	StartCommand   string        `yaml:"start_command"`
	HealthURL      string        `yaml:"health_url"` // empty: derived from healer.canonical_port
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	Env            []string      `yaml:"env"`
	MaxLogLines    int           `yaml:"max_log_lines"`
}

// StoreConfig locates the project database
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// EventsConfig locates the event journal
type EventsConfig struct {
	// JSONLPath is the append-only event file (empty disables it)
	JSONLPath string `yaml:"jsonl_path"`
}

// Config represents healloop configuration options
type Config struct {
	// MaxConcurrency is the maximum number of projects healed at once (0 = unlimited)
	MaxConcurrency int `yaml:"max_concurrency"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	// LockDir holds the locks guarding project file writes
	LockDir string `yaml:"lock_dir"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Healer  HealerConfig  `yaml:"healer"`
	Repair  RepairConfig  `yaml:"repair"`
	Runner  RunnerConfig  `yaml:"runner"`
	Store   StoreConfig   `yaml:"store"`
	Events  EventsConfig  `yaml:"events"`
}

// DefaultConfig returns a Config with sensible default values.
// Relative paths are resolved against the healloop home by ResolvePaths.
func DefaultConfig() *Config {
	sb := sandbox.DefaultConfig()
	hc := healer.DefaultConfig()
	rc := runner.DefaultConfig()

	return &Config{
		MaxConcurrency: 0, // Unlimited
		LogLevel:       "info",
		LogDir:         "logs",
		LockDir:        "locks",
		Sandbox: SandboxConfig{
			MaxIterations:    sb.MaxIterations,
			PollInterval:     sb.PollInterval,
			IterationTimeout: sb.IterationTimeout,
			LogExcerptBytes:  sb.LogExcerptBytes,
		},
		Healer: HealerConfig{
			CanonicalPort:      hc.CanonicalPort,
			MaxEscalationFiles: hc.MaxEscalationFiles,
			EnvFile:            hc.EnvFile,
			ManifestFile:       hc.ManifestFile,
			PortFiles:          hc.PortFiles,
			EntryPoints:        hc.EntryPoints,
		},
		Repair: RepairConfig{
			Enabled:           true,
			ClaudePath:        "claude",
			Timeout:           3 * time.Minute,
			RequestsPerMinute: 10,
		},
		Runner: RunnerConfig{
			InstallCommand: rc.InstallCommand,
			BuildCommand:   rc.BuildCommand,
			StartCommand:   rc.StartCommand,
			StartupTimeout: rc.StartupTimeout,
			StageTimeout:   rc.StageTimeout,
			ProbeInterval:  rc.ProbeInterval,
			MaxLogLines:    rc.MaxLogLines,
		},
		Store: StoreConfig{
			DBPath: "healloop.db",
		},
		Events: EventsConfig{
			JSONLPath: "events.jsonl",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed or names unknown keys, returns an error.
// Keys present in the file override defaults; absent keys keep them.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .healloop/config.yaml in the specified directory.
// If the directory or file doesn't exist, returns default configuration without error.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, HomeDirName, ConfigFileName))
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(maxIterations *int, canonicalPort *int, logDir *string, noRepair *bool, maxConcurrency *int) {
	if maxIterations != nil {
		c.Sandbox.MaxIterations = *maxIterations
	}
	if canonicalPort != nil {
		c.Healer.CanonicalPort = *canonicalPort
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if noRepair != nil && *noRepair {
		c.Repair.Enabled = false
	}
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
}

// ResolvePaths makes the relative log, database and event paths absolute under base.
func (c *Config) ResolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.LogDir = resolve(c.LogDir)
	c.LockDir = resolve(c.LockDir)
	c.Store.DBPath = resolve(c.Store.DBPath)
	c.Events.JSONLPath = resolve(c.Events.JSONLPath)
}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path cannot be empty")
	}

	if err := c.SandboxConfig().Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if err := c.HealerConfig().Validate(); err != nil {
		return fmt.Errorf("healer: %w", err)
	}
	rc := c.RunnerConfig()
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	// A runner that outlives the iteration timeout would overlap the next iteration.
	if worst := rc.MaxDuration(); worst == 0 {
		return fmt.Errorf("runner.stage_timeout must be > 0")
	} else if worst > c.Sandbox.IterationTimeout {
		return fmt.Errorf("runner stages and startup can take %v, longer than sandbox.iteration_timeout %v", worst, c.Sandbox.IterationTimeout)
	}

	if c.Repair.Enabled {
		if c.Repair.ClaudePath == "" {
			return fmt.Errorf("repair.claude_path cannot be empty when repair is enabled")
		}
		if c.Repair.Timeout <= 0 {
			return fmt.Errorf("repair.timeout must be > 0, got %v", c.Repair.Timeout)
		}
	}
	if c.Repair.RequestsPerMinute < 0 {
		return fmt.Errorf("repair.requests_per_minute must be >= 0, got %d", c.Repair.RequestsPerMinute)
	}

	return nil
}

// SandboxConfig converts the sandbox section to controller settings.
func (c *Config) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		MaxIterations:    c.Sandbox.MaxIterations,
		PollInterval:     c.Sandbox.PollInterval,
		IterationTimeout: c.Sandbox.IterationTimeout,
		LogExcerptBytes:  c.Sandbox.LogExcerptBytes,
	}
}

// HealerConfig converts the healer section to dispatcher settings.
func (c *Config) HealerConfig() healer.Config {
	return healer.Config{
		ManifestFile:       c.Healer.ManifestFile,
		EnvFile:            c.Healer.EnvFile,
		CanonicalPort:      c.Healer.CanonicalPort,
		PortFiles:          c.Healer.PortFiles,
		EntryPoints:        c.Healer.EntryPoints,
		MaxEscalationFiles: c.Healer.MaxEscalationFiles,
	}
}

// RunnerConfig converts the runner section to runner settings. The health
// URL and PORT variable follow the canonical port unless set explicitly.
func (c *Config) RunnerConfig() runner.Config {
	healthURL := c.Runner.HealthURL
	if healthURL == "" {
		healthURL = fmt.Sprintf("http://127.0.0.1:%d/", c.Healer.CanonicalPort)
	}
	env := append([]string{fmt.Sprintf("PORT=%d", c.Healer.CanonicalPort)}, c.Runner.Env...)

	return runner.Config{
		InstallCommand: c.Runner.InstallCommand,
		BuildCommand:   c.Runner.BuildCommand,
		StartCommand:   c.Runner.StartCommand,
		HealthURL:      healthURL,
		StartupTimeout: c.Runner.StartupTimeout,
		StageTimeout:   c.Runner.StageTimeout,
		ProbeInterval:  c.Runner.ProbeInterval,
		Env:            env,
		MaxLogLines:    c.Runner.MaxLogLines,
	}
}
