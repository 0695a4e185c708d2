package orchestrator

import (
	"fmt"

	"github.com/foxy/illogical-updots/internal/config"
)

const (
	subcommandInstall      = "install"
	subcommandInstallFiles = "install-files"
)

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	RepoPath        string
	InstallerMode   string
	UsePTY          bool
	ForceColor      bool
	DetachedConsole bool
	PostScriptPath  string

	// SkipPreCheck disables the status check that runs before the installer.
	SkipPreCheck bool
}

// ConfigFromSettings maps the persisted settings onto orchestrator controls.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		RepoPath:        s.RepoPath,
		InstallerMode:   s.InstallerMode,
		UsePTY:          s.UsePTY,
		ForceColor:      s.ForceColorEnv,
		DetachedConsole: s.DetachedConsole,
		PostScriptPath:  s.PostScriptPath,
	}
}

// Subcommand returns the installer subcommand for the configured mode.
func (c Config) Subcommand() (string, error) {
	switch c.InstallerMode {
	case "", config.InstallerModeAuto, config.InstallerModeFull:
		return subcommandInstall, nil
	case config.InstallerModeFilesOnly:
		return subcommandInstallFiles, nil
	default:
		return "", fmt.Errorf("unknown installer mode %q", c.InstallerMode)
	}
}
