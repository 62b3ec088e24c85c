package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port               int           `yaml:"port"`
	Host               string        `yaml:"host"`
	Shell              string        `yaml:"shell"`
	WorkDir            string        `yaml:"work_dir"`
	Cols               int           `yaml:"cols"`
	Rows               int           `yaml:"rows"`
	Token              string        `yaml:"token"`
	Debounce           time.Duration `yaml:"debounce"`
	StopGrace          time.Duration `yaml:"stop_grace"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	HistoryBytes       int           `yaml:"history_bytes"`
	BatchInterval      time.Duration `yaml:"batch_interval"`
	ClientBuffer       int           `yaml:"client_buffer"`
	LogLevel           string        `yaml:"log_level"`
	WaitTimeoutDefault time.Duration `yaml:"wait_timeout_default"`

	ConfigPath     string `yaml:"-"`
	GenerateToken  bool   `yaml:"-"`
	PrintConfig    bool   `yaml:"-"`
	TokenGenerated bool   `yaml:"-"`
}

func Default() *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Config{
		Port:               8000,
		Host:               "0.0.0.0",
		Shell:              shell,
		Cols:               80,
		Rows:               24,
		Debounce:           500 * time.Millisecond,
		StopGrace:          2 * time.Second,
		PollInterval:       100 * time.Millisecond,
		HistoryBytes:       256 * 1024,
		ClientBuffer:       256,
		LogLevel:           "info",
		WaitTimeoutDefault: 5 * time.Second,
	}
}

func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "termbridge", "config.yaml")
}

// Load builds the configuration from defaults, the YAML config file and
// then command-line flags, in increasing precedence. A missing config
// file is not an error.
func Load(args []string) (*Config, error) {
	cfg := Default()
	cfg.ConfigPath = configPathFromArgs(args)

	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Token == "" && cfg.GenerateToken {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		cfg.TokenGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("termbridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to YAML config file")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell to run inside the terminal")
	fs.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "working directory for the shell")
	fs.IntVar(&cfg.Cols, "cols", cfg.Cols, "initial terminal columns")
	fs.IntVar(&cfg.Rows, "rows", cfg.Rows, "initial terminal rows")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (empty disables auth)")
	fs.BoolVar(&cfg.GenerateToken, "generate-token", cfg.GenerateToken, "generate a random token when none is configured")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false, "print an example config file and exit")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "quiet interval before output counts as stable")
	fs.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "time to wait after SIGTERM before SIGKILL")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "PTY read poll interval")
	fs.IntVar(&cfg.HistoryBytes, "history-bytes", cfg.HistoryBytes, "output replayed to new viewers (0 disables)")
	fs.DurationVar(&cfg.BatchInterval, "batch-interval", cfg.BatchInterval, "per-viewer output batching interval (0 disables)")
	fs.IntVar(&cfg.ClientBuffer, "client-buffer", cfg.ClientBuffer, "queued messages per viewer before it is dropped")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.DurationVar(&cfg.WaitTimeoutDefault, "wait-timeout", cfg.WaitTimeoutDefault, "default wait_for_stable_output timeout")
	return fs
}

// configPathFromArgs finds --config ahead of the full parse so the file
// can supply defaults that the remaining flags override.
func configPathFromArgs(args []string) string {
	path := DefaultPath()
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return path
		case arg == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	return path
}

func (c *Config) loadFromFile() error {
	if c.ConfigPath == "" {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if _, _, err := c.ShellCommand(); err != nil {
		return err
	}
	if c.Cols <= 0 || c.Rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d: cols and rows must be positive", c.Cols, c.Rows)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("invalid debounce %s: must be positive", c.Debounce)
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("invalid stop_grace %s: must be positive", c.StopGrace)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll_interval %s: must be positive", c.PollInterval)
	}
	if c.HistoryBytes < 0 {
		return fmt.Errorf("invalid history_bytes %d: must not be negative", c.HistoryBytes)
	}
	if c.BatchInterval < 0 {
		return fmt.Errorf("invalid batch_interval %s: must not be negative", c.BatchInterval)
	}
	if c.ClientBuffer <= 0 {
		return fmt.Errorf("invalid client_buffer %d: must be positive", c.ClientBuffer)
	}
	if c.WaitTimeoutDefault <= 0 {
		return fmt.Errorf("invalid wait_timeout_default %s: must be positive", c.WaitTimeoutDefault)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ShellCommand splits the shell setting into a program and its arguments,
// so "bash -l" or "/usr/bin/env zsh" work as shell values.
func (c *Config) ShellCommand() (string, []string, error) {
	argv, err := shellquote.Split(c.Shell)
	if err != nil {
		return "", nil, fmt.Errorf("invalid shell %q: %w", c.Shell, err)
	}
	if len(argv) == 0 {
		return "", nil, fmt.Errorf("shell is required")
	}
	return argv[0], argv[1:], nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: want debug, info, warn or error", s)
	}
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
