package app

import (
	"fmt"
	"strings"

	"github.com/foxy/illogical-updots/internal/config"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

var supportedLogFormats = map[string]struct{}{
	"text": {},
	"json": {},
}

// Config is the effective runtime configuration for a single command.
type Config struct {
	config.Settings
	Verbose bool

	// SkipPreCheck skips the status check before an install.
	SkipPreCheck bool
	// LogFile receives the retained installer console after an install.
	LogFile string
}

// LoadConfig resolves settings from the store, detects the repository path,
// applies defaults, and performs validation.
func LoadConfig(store *config.Store, verbose bool) (Config, error) {
	if store == nil {
		return Config{}, fmt.Errorf("settings store is required")
	}

	cfg := Config{Settings: store.Settings(), Verbose: verbose}
	cfg.RepoPath = store.DetectRepoPath()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	if _, ok := supportedLogFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if err := cfg.Settings.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// RequireRepo returns the repository path or an error explaining how to set it.
func (c Config) RequireRepo() (string, error) {
	if strings.TrimSpace(c.RepoPath) == "" {
		return "", fmt.Errorf("repository path is not configured (set %s or UPDOTS_REPO_PATH)", config.KeyRepoPath)
	}
	return c.RepoPath, nil
}
