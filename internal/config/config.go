package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
// User-facing sync settings (provider, frequency, credentials) live in
// the settings file instead, so they can change while the daemon runs.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Optional rotating log file, written in addition to stdout.
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`

	// StateDB is the bbolt database holding the session store, the token
	// cache, run history and preserved conflicts. Defaults to
	// ~/.chat-sync/state.db.
	StateDB string `env:"CHAT_SYNC_STATE_DB"`

	// SettingsFile is the YAML settings file. Defaults to
	// ~/.chat-sync/settings.yaml.
	SettingsFile string `env:"CHAT_SYNC_SETTINGS"`

	// HTTP server exposing the event stream and MCP tools.
	EnableServer bool   `env:"ENABLE_SERVER" envDefault:"false"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	AuthUsers    string `env:"AUTH_USERS"`

	// DropboxRoot is the remote folder all sync objects live under.
	DropboxRoot string `env:"DROPBOX_ROOT" envDefault:"/Apps/chat-sync"`

	// StrictRemoteManifest treats only a missing or malformed remote
	// manifest as absent. Transport and auth failures abort the run
	// instead of falling into first-sync.
	StrictRemoteManifest bool `env:"STRICT_REMOTE_MANIFEST" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var err error

	if cfg.StateDB, err = resolvePath(cfg.StateDB, "state.db"); err != nil {
		return nil, err
	}

	if cfg.SettingsFile, err = resolvePath(cfg.SettingsFile, "settings.yaml"); err != nil {
		return nil, err
	}

	if cfg.LogFile != "" {
		if cfg.LogFile, err = filepath.Abs(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("resolving log file to absolute path: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EnableServer && c.AuthUsers == "" {
		return fmt.Errorf("AUTH_USERS is required when ENABLE_SERVER is true")
	}

	if c.EnableServer && c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty when ENABLE_SERVER is true")
	}

	if !strings.HasPrefix(c.DropboxRoot, "/") {
		return fmt.Errorf("DROPBOX_ROOT must start with '/', got %q", c.DropboxRoot)
	}

	if c.LogMaxSizeMB <= 0 {
		return fmt.Errorf("LOG_MAX_SIZE_MB must be positive, got %d", c.LogMaxSizeMB)
	}

	return nil
}

// resolvePath returns p as an absolute path, or ~/.chat-sync/<name> when
// p is empty.
func resolvePath(p, name string) (string, error) {
	if p == "" {
		dir, err := DefaultDir()
		if err != nil {
			return "", err
		}

		return filepath.Join(dir, name), nil
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s to absolute path: %w", p, err)
	}

	return abs, nil
}

// DefaultDir returns ~/.chat-sync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseAuthUsers parses the AUTH_USERS string into a UserCredentials map.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2". Only the first colon
// separates the pair; bcrypt hashes contain none, but passwords might.
func (c *Config) ParseAuthUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.AuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash; generate one with chat-sync hash-password", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
