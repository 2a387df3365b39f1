// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
)

// Config holds all configuration settings for the persistence engine and the
// reference sync server.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Storage StorageConfig `toml:"storage"`
	Backup  BackupConfig  `toml:"backup"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// RemoteConfig holds settings for the remote persistence API.
type RemoteConfig struct {
	URL     string   `toml:"url"`     // Base URL of the sync API; empty = local-only
	Timeout Duration `toml:"timeout"` // Per-request timeout
	Watch   bool     `toml:"watch"`   // Subscribe to websocket record updates
}

// StorageConfig holds storage tier settings.
type StorageConfig struct {
	Path           string `toml:"path"`            // SQLite file backing the durable tier
	QuotaBytes     int64  `toml:"quota"`           // Durable tier byte quota (0 = unlimited)
	EphemeralQuota int64  `toml:"ephemeral-quota"` // Ephemeral tier byte quota (0 = unlimited)
}

// BackupConfig holds snapshot log settings.
type BackupConfig struct {
	Capacity int `toml:"capacity"` // Snapshots retained per tier
}

// ServerConfig holds settings for the reference sync server (persistd).
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Path string `toml:"path"` // SQLite file for canonical server records
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=none, 1=remote calls, 2=store ops, 3=values
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout: Duration(10 * time.Second),
			Watch:   true,
		},
		Storage: StorageConfig{
			Path: "persist.db",
		},
		Backup: BackupConfig{
			Capacity: 5,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Path: "records.db",
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("persist", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to TOML config file")

	remoteURL := fs.String("remote", "", "Base URL of the sync API (empty = local-only)")
	remoteTimeout := fs.Duration("remote-timeout", 0, "Per-request timeout for the sync API")

	storagePath := fs.String("storage-path", "", "SQLite database path for the durable tier")
	quota := fs.Int64("quota", 0, "Durable tier byte quota (0 = unlimited)")

	capacity := fs.Int("backup-capacity", 0, "Snapshots retained per tier")

	host := fs.String("host", "", "Sync server listen address")
	port := fs.Int("port", 0, "Sync server listen port")
	serverPath := fs.String("server-path", "", "SQLite database path for canonical records")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load TOML config if present
	path := "config/persist.toml"
	if *configPath != "" {
		path = *configPath
	}
	if err := cfg.loadTOML(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *remoteURL != "" {
		cfg.Remote.URL = *remoteURL
	}
	if *remoteTimeout != 0 {
		cfg.Remote.Timeout = Duration(*remoteTimeout)
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *quota != 0 {
		cfg.Storage.QuotaBytes = *quota
	}
	if *capacity != 0 {
		cfg.Backup.Capacity = *capacity
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *serverPath != "" {
		cfg.Server.Path = *serverPath
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("PERSIST_REMOTE_URL"); v != "" {
		c.Remote.URL = v
	}
	if v := os.Getenv("PERSIST_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Remote.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("PERSIST_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PERSIST_QUOTA"); v != "" {
		c.Storage.QuotaBytes = cast.ToInt64(v)
	}
	if v := os.Getenv("PERSIST_BACKUP_CAPACITY"); v != "" {
		if n := cast.ToInt(v); n > 0 {
			c.Backup.Capacity = n
		}
	}
	if v := os.Getenv("PERSIST_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PERSIST_PORT"); v != "" {
		if p := cast.ToInt(v); p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("PERSIST_VERBOSITY"); v != "" {
		c.Logging.Verbosity = cast.ToInt(v)
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log logs a message if the configured verbosity is at or above level.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c.Logging.Verbosity >= level {
		log.Printf("[v%d] "+format, append([]interface{}{level}, args...)...)
	}
}
