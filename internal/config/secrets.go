package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "shareq", "secrets.json")
}

func readSecret(service, account string) (string, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func writeSecret(service, account, value string) error {
	p := secretsFilePath()

	var secrets map[string]map[string]string
	if data, err := os.ReadFile(p); err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

// EnsureServerToken generates and stores a local API token on first run.
func EnsureServerToken(cfg *Config) error {
	if cfg.Server.Token != "" {
		return nil
	}
	token := uuid.NewString()
	if err := writeSecret(secretService, "server_token", token); err != nil {
		return fmt.Errorf("storing server token: %w", err)
	}
	cfg.Server.Token = token
	return nil
}

// SetSecret stores a secret key in the secrets file.
func SetSecret(key, value string) error {
	for _, s := range specs {
		if s.key == key && s.secret {
			return writeSecret(secretService, s.account, value)
		}
	}
	return fmt.Errorf("unknown secret key: %q", key)
}

// MissingTokenHint explains where the backend API token is read from.
func MissingTokenHint() string {
	return "set it via environment variable SHAREQ_TRANSPORT_API_TOKEN" + tokenHint()
}
