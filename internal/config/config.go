package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Log          LogConfig          `toml:"log"`
	Database     DatabaseConfig     `toml:"database"`
	HTTP         HTTPConfig         `toml:"http"`
	Queue        QueueConfig        `toml:"queue"`
	Lock         LockConfig         `toml:"lock"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	Synchronizer SynchronizerConfig `toml:"synchronizer"`
	Hints        HintsConfig        `toml:"hints"`
	Time         TimeConfig         `toml:"time"`
	Issues       IssuesConfig       `toml:"issues"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type HTTPConfig struct {
	Port int `toml:"port"`
}

// QueueConfig names the two queues and how they are consumed.
type QueueConfig struct {
	Jobs       string        `toml:"jobs"`
	Results    string        `toml:"results"`
	Polling    time.Duration `toml:"polling"`
	Visibility time.Duration `toml:"visibility"`
	BatchSize  int           `toml:"batch_size"`
}

type LockConfig struct {
	Backend     string        `toml:"backend"` // "sqlite" or "postgres"
	PostgresDSN string        `toml:"postgres_dsn"`
	TTL         time.Duration `toml:"ttl"`
	Attempts    int           `toml:"attempts"`
	Delay       time.Duration `toml:"delay"`
}

type SandboxConfig struct {
	DefaultRunTime time.Duration `toml:"default_run_time"`
	MaxMessageSize int           `toml:"max_message_size"`
	ToolVersion    string        `toml:"tool_version"`
	// ExecPath is the binary spawned for each part; empty means the
	// running executable.
	ExecPath       string   `toml:"exec_path"`
	EngineCommand  string   `toml:"engine_command"`
	EngineArgs     []string `toml:"engine_args"`
	CleanupCommand []string `toml:"cleanup_command"`
}

type SynchronizerConfig struct {
	// NotFoundDeliveries is how often a result for an unknown job is
	// delivered before it is dead-lettered.
	NotFoundDeliveries int `toml:"not_found_deliveries"`
}

type HintsConfig struct {
	ConfigPath string            `toml:"config_path"`
	Categories map[string]string `toml:"categories"`
}

type TimeConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

type IssuesConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "scanfarm", "scanfarm.db")
}

// ExpandPath replaces a leading ~/ with the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		HTTP:     HTTPConfig{Port: 8080},
		Queue: QueueConfig{
			Jobs:       "jobs",
			Results:    "results",
			Polling:    time.Second,
			Visibility: 5 * time.Minute,
			BatchSize:  1,
		},
		Lock: LockConfig{
			Backend:  "sqlite",
			TTL:      2 * time.Minute,
			Attempts: 10,
			Delay:    500 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			DefaultRunTime: 180 * time.Second,
			MaxMessageSize: 220 * 1024,
			EngineCommand:  "hint",
			EngineArgs:     []string{"--formatters", "json", "{url}"},
			CleanupCommand: []string{"pkill", "-f", "chrom"},
		},
		Synchronizer: SynchronizerConfig{NotFoundDeliveries: 5},
		Hints:        HintsConfig{ConfigPath: "hintrc.jsonc"},
		Time:         TimeConfig{Timeout: 5 * time.Second},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, the optional .env file and SCANFARM_* environment variables, in
// increasing order of precedence.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(ExpandPath(path), cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	applyEnv(cfg)

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Hints.ConfigPath = ExpandPath(cfg.Hints.ConfigPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SCANFARM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if db := os.Getenv("SCANFARM_DB"); db != "" {
		cfg.Database.Path = db
	}
	if level := os.Getenv("SCANFARM_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("SCANFARM_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if backend := os.Getenv("SCANFARM_LOCK_BACKEND"); backend != "" {
		cfg.Lock.Backend = backend
	}
	if dsn := os.Getenv("SCANFARM_POSTGRES_DSN"); dsn != "" {
		cfg.Lock.PostgresDSN = dsn
	}
	if hints := os.Getenv("SCANFARM_HINTS_CONFIG"); hints != "" {
		cfg.Hints.ConfigPath = hints
	}
	if url := os.Getenv("SCANFARM_TIME_URL"); url != "" {
		cfg.Time.URL = url
	}
	if hook := os.Getenv("SCANFARM_ISSUES_WEBHOOK"); hook != "" {
		cfg.Issues.WebhookURL = hook
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "sqlite":
	case "postgres":
		if c.Lock.PostgresDSN == "" {
			return errors.New("lock backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Queue.Jobs == "" || c.Queue.Results == "" {
		return errors.New("queue names must not be empty")
	}
	if c.Queue.Jobs == c.Queue.Results {
		return errors.New("jobs and results queues must differ")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Lock.Attempts < 1 {
		return fmt.Errorf("lock attempts must be positive, got %d", c.Lock.Attempts)
	}
	if c.Sandbox.MaxMessageSize < 1024 {
		return fmt.Errorf("sandbox max_message_size too small: %d", c.Sandbox.MaxMessageSize)
	}
	return nil
}
