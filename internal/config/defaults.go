package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the directory holding the contauth database.
// CONTAUTH_DATA_DIR overrides it; otherwise XDG_DATA_HOME/contauth or
// ~/.local/share/contauth is used.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "contauth")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "contauth")
	}
	return filepath.Join(os.TempDir(), "contauth")
}

// ConfigDir returns the directory searched for contauth.toml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "contauth")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "contauth")
	}
	return "/etc/contauth"
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "contauth.toml")
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first contauth.<ext> found in the working
// directory, ConfigDir or /etc/contauth, or "" if there is none.
func FindConfigFile() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	for _, dir := range []string{".", ConfigDir(), "/etc/contauth"} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "contauth."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
