package main

import (
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Config is the on-disk, per-session configuration. All fields are optional;
// LoadConfig fills in defaults for anything a session's file doesn't set.
type Config struct {
	Debug                       bool     `toml:"debug"`
	MountCheck                  bool     `toml:"mount_check"`
	CacheMaxSeconds             int      `toml:"cache_max_seconds"`
	CacheMaxItems               int      `toml:"cache_max_items"`
	CacheStatfsSeconds          int      `toml:"cache_statfs_seconds"`
	SyncIntervalSeconds         int      `toml:"sync_interval"`
	MountOptions                []string `toml:"mount_options"`
	ConfigDir                   string   `toml:"config_dir"`
	SessionName                 string   `toml:"session_name"`
	AuthorizeUsingCode          bool     `toml:"authorize_using_code"`
	RenameIdenticalFiles        bool     `toml:"rename_identical_files"`
	AddExtensionsToSpecialFiles bool     `toml:"add_extensions_to_special_files"`
	SkipTrash                   bool     `toml:"skip_trash"`
	ClientSecret                string   `toml:"client_secret"`
	AuthPort                    int      `toml:"auth_port"`
	ReadOnly                    bool     `toml:"read_only"`
}

// defaultConfig returns the documented configuration defaults.
func defaultConfig() Config {
	return Config{
		CacheMaxSeconds:    10,
		CacheMaxItems:      10,
		CacheStatfsSeconds: 100,
		SyncIntervalSeconds: 10,
		AuthorizeUsingCode: true,
		AuthPort:           8081,
	}
}

// DefaultConfigDir returns the base directory holding every session's
// subdirectory, plus the top-level config file.
func DefaultConfigDir() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
		return ".gdrivefs"
	}
	return filepath.Join(confDir, "gdrivefs")
}

// sessionConfigPath returns the path of a session's config.toml.
func sessionConfigPath(configDir, session string) string {
	return filepath.Join(configDir, session, "config.toml")
}

// tokenPath returns the path of a session's stored OAuth token file.
func tokenPath(configDir, session string) string {
	return filepath.Join(configDir, session, "auth_tokens.json")
}

// LoadConfig reads a session's config.toml, merging it over the documented
// defaults. A missing file is not an error: the session is simply run
// entirely on defaults.
func LoadConfig(configDir, session string) (*Config, error) {
	cfg := defaultConfig()
	cfg.ConfigDir = configDir
	cfg.SessionName = session

	path := sessionConfigPath(configDir, session)
	if _, err := os.Stat(path); err != nil {
		log.Warn().Str("path", path).Msg("Session configuration file not found, using defaults.")
		return &cfg, nil
	}

	var loaded Config
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&loaded, cfg); err != nil {
		return nil, err
	}
	loaded.ConfigDir = configDir
	loaded.SessionName = session
	if loaded.ClientSecret == "" {
		log.Warn().Str("session", session).Msg("No client_secret configured; login will fail.")
	}
	return &loaded, nil
}

// WriteConfig serializes cfg as TOML to the session's config file.
func (c Config) WriteConfig() error {
	path := sessionConfigPath(c.ConfigDir, c.SessionName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

func (c Config) syncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) cacheTTL() time.Duration {
	return time.Duration(c.CacheMaxSeconds) * time.Second
}

func (c Config) statfsCacheTTL() time.Duration {
	return time.Duration(c.CacheStatfsSeconds) * time.Second
}
