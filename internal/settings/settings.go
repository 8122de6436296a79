// Package settings loads the user-facing sync settings from a YAML file
// and keeps them current while the daemon runs.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFrequency is the background sync interval in seconds
	// used when the settings file does not set one.
	DefaultFrequency = 300

	settingsDirPerm  = fs.FileMode(0o700)
	settingsFilePerm = fs.FileMode(0o600)
)

// SyncProvider names a remote storage backend.
type SyncProvider string

const (
	ProviderNone        SyncProvider = "none"
	ProviderDropbox     SyncProvider = "dropbox"
	ProviderGoogleDrive SyncProvider = "google_drive"
	ProviderOneDrive    SyncProvider = "one_drive"
)

// Settings is the root of the settings file.
type Settings struct {
	Sync SyncConfig `yaml:"sync_config"`
}

// SyncConfig holds everything the synchronizer reads from settings.
type SyncConfig struct {
	Provider SyncProvider `yaml:"provider"`

	// Frequency is the background sync interval in seconds. Zero
	// disables periodic sync.
	Frequency   int            `yaml:"frequency"`
	OnAppLaunch bool           `yaml:"on_app_launch"`
	Providers   ProviderConfig `yaml:"provider_config"`
}

// ProviderConfig holds per-provider credentials.
type ProviderConfig struct {
	Dropbox DropboxConfig `yaml:"dropbox"`
}

// DropboxConfig holds the Dropbox app credentials and the long-lived
// refresh token obtained at login.
type DropboxConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// Default returns the settings used when no file exists.
func Default() Settings {
	return Settings{
		Sync: SyncConfig{
			Provider:    ProviderNone,
			Frequency:   DefaultFrequency,
			OnAppLaunch: true,
		},
	}
}

// Parse decodes settings from YAML, filling defaults for omitted fields.
func Parse(data []byte) (Settings, error) {
	s := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&s); err != nil {
		// A document with no content decodes to io.EOF; keep the defaults.
		if errors.Is(err, io.EOF) {
			return Default(), nil
		}

		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func (s Settings) validate() error {
	if s.Sync.Frequency < 0 {
		return fmt.Errorf("sync_config.frequency must not be negative, got %d", s.Sync.Frequency)
	}

	switch s.Sync.Provider {
	case ProviderNone, ProviderDropbox, ProviderGoogleDrive, ProviderOneDrive:
	default:
		return fmt.Errorf("unknown sync provider %q", s.Sync.Provider)
	}

	return nil
}

// Provider serves the current settings from a file on disk. It is safe
// for concurrent use.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Settings
}

// Open reads the settings file at path. A missing file yields defaults.
func Open(path string, logger *slog.Logger) (*Provider, error) {
	p := &Provider{path: path, logger: logger}

	s, err := p.read()
	if err != nil {
		return nil, err
	}

	p.current = s

	return p, nil
}

// Path returns the settings file location.
func (p *Provider) Path() string {
	return p.path
}

// Current returns a snapshot of the most recently loaded settings.
func (p *Provider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.current
}

// Reload re-reads the file. On error the previous settings are kept.
func (p *Provider) Reload() error {
	s, err := p.read()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	return nil
}

// Save writes s to the settings file atomically and makes it current.
func (p *Provider) Save(s Settings) error {
	if err := s.validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), settingsDirPerm); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}

	if err := tmp.Chmod(settingsFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting settings permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing settings: %w", err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replacing settings file: %w", err)
	}

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	return nil
}

func (p *Provider) read() (Settings, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return Default(), nil
	}

	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return Settings{}, fmt.Errorf("parsing %s: %w", p.path, err)
	}

	return s, nil
}

// DefaultPath returns ~/.chat-sync/settings.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "settings.yaml"), nil
}
