package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyRepoPath           = "repo_path"
	KeyAutoRefreshSeconds = "auto_refresh_seconds"
	KeyDetachedConsole    = "detached_console"
	KeyInstallerMode      = "installer_mode"
	KeyUsePTY             = "use_pty"
	KeyForceColorEnv      = "force_color_env"
	KeyLogMaxLines        = "log_max_lines"
	KeyChangesLazyLoad    = "changes_lazy_load"
	KeyChangesSource      = "changes_source"
	KeyPostScriptPath     = "post_script_path"
	KeyGitHubToken        = "github_token"
	KeyLogLevel           = "log_level"
	KeyLogFormat          = "log_format"
	KeyFetchRetries       = "fetch_retries"
)

const (
	// DefaultAutoRefreshSeconds is used when auto_refresh_seconds is unset or not positive.
	DefaultAutoRefreshSeconds = 60
	DefaultLogMaxLines        = 5000
	// DefaultFetchRetries is how many times a failed git fetch is retried.
	DefaultFetchRetries = 1

	InstallerModeAuto      = "auto"
	InstallerModeFull      = "full"
	InstallerModeFilesOnly = "files-only"

	ChangesSourceGit    = "git"
	ChangesSourceGitHub = "github"

	envPrefix        = "UPDOTS"
	appDirName       = "illogical-updots"
	settingsFileName = "settings.json"
	fallbackRepoDir  = ".cache/dots-hyprland"
)

var defaults = map[string]any{
	KeyRepoPath:           "",
	KeyAutoRefreshSeconds: DefaultAutoRefreshSeconds,
	KeyDetachedConsole:    false,
	KeyInstallerMode:      InstallerModeAuto,
	KeyUsePTY:             true,
	KeyForceColorEnv:      true,
	KeyLogMaxLines:        DefaultLogMaxLines,
	KeyChangesLazyLoad:    true,
	KeyChangesSource:      ChangesSourceGit,
	KeyPostScriptPath:     "",
	KeyGitHubToken:        "",
	KeyLogLevel:           "info",
	KeyLogFormat:          "text",
	KeyFetchRetries:       DefaultFetchRetries,
}

// Settings is a typed snapshot of the effective configuration.
type Settings struct {
	RepoPath           string
	AutoRefreshSeconds int
	DetachedConsole    bool
	InstallerMode      string
	UsePTY             bool
	ForceColorEnv      bool
	LogMaxLines        int
	ChangesLazyLoad    bool
	ChangesSource      string
	PostScriptPath     string
	GitHubToken        string
	LogLevel           string
	LogFormat          string
	FetchRetries       int
}

type loadSettings struct {
	settingsPath string
	homeDir      string
}

// Option configures Load. Useful for tests to override paths.
type Option func(*loadSettings)

// WithSettingsFile overrides the settings file location.
func WithSettingsFile(path string) Option {
	return func(s *loadSettings) {
		s.settingsPath = path
	}
}

// WithHomeDir overrides the home directory used for the repository fallback.
func WithHomeDir(dir string) Option {
	return func(s *loadSettings) {
		s.homeDir = dir
	}
}

// Store is the settings store. Values resolve with the precedence
// defaults < settings file < environment (UPDOTS_*) < overrides.
// Only file values and values changed through Set are persisted by Save.
type Store struct {
	mu        sync.RWMutex
	v         *viper.Viper
	path      string
	homeDir   string
	persisted map[string]any
	loadErr   error
}

// Load reads the settings file. A missing file yields defaults. An unreadable
// or corrupt file also yields defaults; the problem is reported by LoadErr.
func Load(opts ...Option) (*Store, error) {
	settings := loadSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	path := strings.TrimSpace(settings.settingsPath)
	if path == "" {
		p, err := DefaultSettingsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigType("json")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	s := &Store{v: v, path: path, homeDir: settings.homeDir, persisted: map[string]any{}}
	if err := s.mergeSettingsFile(); err != nil {
		s.loadErr = err
	}
	return s, nil
}

// DefaultSettingsPath returns $XDG_CONFIG_HOME/illogical-updots/settings.json,
// falling back to ~/.config.
func DefaultSettingsPath() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, appDirName, settingsFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine user home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName, settingsFileName), nil
}

func (s *Store) mergeSettingsFile() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("settings path %s is a directory", s.path)
	}
	//nolint:gosec // G304: the settings file location is user controlled by design
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	file := viper.New()
	file.SetConfigType("json")
	if err := file.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	known := map[string]any{}
	for key := range defaults {
		if file.IsSet(key) {
			known[key] = file.Get(key)
		}
	}
	if err := s.v.MergeConfigMap(known); err != nil {
		return fmt.Errorf("merge %s: %w", s.path, err)
	}
	for key, value := range known {
		s.persisted[key] = value
	}
	return nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// LoadErr reports why the settings file was ignored, if it was.
func (s *Store) LoadErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// Keys returns every known setting key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsKnown reports whether key is a recognised setting.
func IsKnown(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Get returns the effective value of key.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

// GetString fetches a string setting.
func (s *Store) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

// GetBool fetches a bool setting.
func (s *Store) GetBool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetBool(key)
}

// GetInt fetches an integer setting.
func (s *Store) GetInt(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt(key)
}

// Set changes a setting at runtime and marks it for persistence.
func (s *Store) Set(key string, value any) error {
	if !IsKnown(key) {
		return fmt.Errorf("unknown setting %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	s.persisted[key] = value
	return nil
}

// SetString parses raw according to the type of key's default and sets it.
func (s *Store) SetString(key, raw string) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	raw = strings.TrimSpace(raw)
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		return s.Set(key, b)
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		return s.Set(key, n)
	default:
		return s.Set(key, raw)
	}
}

// ApplyOverrides injects values typically coming from CLI flags. Overrides
// are never persisted.
func (s *Store) ApplyOverrides(overrides map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range overrides {
		if !IsKnown(key) {
			return fmt.Errorf("unknown setting %q", key)
		}
		s.v.Set(key, value)
	}
	return nil
}

// Settings returns a typed snapshot of the effective configuration.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Settings{
		RepoPath:           s.v.GetString(KeyRepoPath),
		AutoRefreshSeconds: s.v.GetInt(KeyAutoRefreshSeconds),
		DetachedConsole:    s.v.GetBool(KeyDetachedConsole),
		InstallerMode:      strings.ToLower(strings.TrimSpace(s.v.GetString(KeyInstallerMode))),
		UsePTY:             s.v.GetBool(KeyUsePTY),
		ForceColorEnv:      s.v.GetBool(KeyForceColorEnv),
		LogMaxLines:        s.v.GetInt(KeyLogMaxLines),
		ChangesLazyLoad:    s.v.GetBool(KeyChangesLazyLoad),
		ChangesSource:      strings.ToLower(strings.TrimSpace(s.v.GetString(KeyChangesSource))),
		PostScriptPath:     strings.TrimSpace(s.v.GetString(KeyPostScriptPath)),
		GitHubToken:        strings.TrimSpace(s.v.GetString(KeyGitHubToken)),
		LogLevel:           strings.ToLower(strings.TrimSpace(s.v.GetString(KeyLogLevel))),
		LogFormat:          strings.ToLower(strings.TrimSpace(s.v.GetString(KeyLogFormat))),
		FetchRetries:       s.v.GetInt(KeyFetchRetries),
	}
}

// Validate checks enumerated settings.
func (s Settings) Validate() error {
	switch s.InstallerMode {
	case InstallerModeAuto, InstallerModeFull, InstallerModeFilesOnly:
	default:
		return fmt.Errorf("unsupported installer mode %q", s.InstallerMode)
	}
	switch s.ChangesSource {
	case ChangesSourceGit, ChangesSourceGitHub:
	default:
		return fmt.Errorf("unsupported changes source %q", s.ChangesSource)
	}
	if s.LogMaxLines < 0 {
		return fmt.Errorf("log_max_lines must not be negative")
	}
	if s.FetchRetries < 0 {
		return fmt.Errorf("fetch_retries must not be negative")
	}
	return nil
}

// AutoRefreshInterval returns the refresh period, using the default for
// non-positive values.
func (s Settings) AutoRefreshInterval() time.Duration {
	if s.AutoRefreshSeconds <= 0 {
		return DefaultAutoRefreshSeconds * time.Second
	}
	return time.Duration(s.AutoRefreshSeconds) * time.Second
}

// DetectRepoPath returns the configured repo_path when it is a directory.
// Otherwise ~/.cache/dots-hyprland is used if present and persisted as the
// new repo_path. An empty string means no repository was found.
func (s *Store) DetectRepoPath() string {
	if configured := strings.TrimSpace(s.GetString(KeyRepoPath)); configured != "" && isDir(configured) {
		return configured
	}

	home := s.homeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		home = h
	}
	fallback := filepath.Join(home, filepath.FromSlash(fallbackRepoDir))
	if !isDir(fallback) {
		return ""
	}
	if err := s.Set(KeyRepoPath, fallback); err == nil {
		_ = s.Save()
	}
	return fallback
}

// Save writes every known key atomically. Keys never loaded or Set are
// written with their defaults; environment and override values are not.
func (s *Store) Save() error {
	s.mu.RLock()
	out := viper.New()
	out.SetConfigType("json")
	for key, def := range defaults {
		if value, ok := s.persisted[key]; ok {
			out.Set(key, value)
		} else {
			out.Set(key, def)
		}
	}
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	//nolint:gosec // G301: user config directory needs standard permissions
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := out.WriteConfigAs(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
