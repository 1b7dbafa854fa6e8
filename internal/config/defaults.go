package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "editlog"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/editlog/
//   - Linux:   $XDG_DATA_HOME/editlog/ or ~/.local/share/editlog/
//   - Windows: %APPDATA%\editlog\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return filepath.Join(windowsDir("APPDATA", "Roaming"), appName)
	default:
		return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory. macOS
// and Windows keep configuration next to the data.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName)
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), appName, "logs")
	default:
		return filepath.Join(xdgDir("XDG_STATE_HOME", ".local", "state"), appName)
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(append([]string{homeDir()}, fallback...)...)
}

func windowsDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), "AppData", fallback)
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile looks for config.<ext> in the current directory and then
// the config directory. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
