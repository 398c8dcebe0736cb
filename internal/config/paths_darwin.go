//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "shareq")
	}
	return "shareq-data"
}

func tokenHint() string {
	return " or macOS Keychain (service: shareq, account: api_token)"
}
