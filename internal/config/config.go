package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Sync      SyncConfig
	Retry     RetryConfig
	Transport TransportConfig
	Network   NetworkConfig
	Capture   CaptureConfig
	Enrich    EnrichConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// Token authenticates local clients of the REST API.
	Token string
}

type StorageConfig struct {
	DataDir string
}

type QueueConfig struct {
	MaxSize   int
	Retention time.Duration
}

type SyncConfig struct {
	Interval time.Duration
}

type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Jitter     float64
}

type TransportConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

type NetworkConfig struct {
	ProbeInterval time.Duration
}

type CaptureConfig struct {
	// InboxDir is watched for dropped files when non-empty.
	InboxDir     string
	DedupeWindow time.Duration
}

type EnrichConfig struct {
	URLTitles  bool
	PDFPreview bool
}

type LogConfig struct {
	Level string
	// File enables a rotating JSON log in addition to stderr.
	File string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Queue: QueueConfig{
			MaxSize:   500,
			Retention: 24 * time.Hour,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       2 * time.Second,
			Cap:        60 * time.Second,
			Jitter:     0.2,
		},
		Transport: TransportConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
		},
		Capture: CaptureConfig{
			DedupeWindow: 10 * time.Second,
		},
		Enrich: EnrichConfig{
			URLTitles:  true,
			PDFPreview: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/shareq/config.toml, environment variables, and the
// platform secret store.
//
// Environment variables (SHAREQ_*) override file values. Secrets are only
// read from the environment or the secret store, never from the file.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), keychainReader{})
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.Transport.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid config: transport.base_url must be an absolute http(s) URL, got %q", cfg.Transport.BaseURL)
	}
	if cfg.Queue.MaxSize <= 0 {
		return fmt.Errorf("invalid config: queue.max_size must be positive, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Retry.MaxRetries <= 0 {
		return fmt.Errorf("invalid config: retry.max_retries must be positive, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("invalid config: retry.jitter must be within [0, 1], got %v", cfg.Retry.Jitter)
	}
	if cfg.Retry.Base > cfg.Retry.Cap {
		return fmt.Errorf("invalid config: retry.base (%s) exceeds retry.cap (%s)", cfg.Retry.Base, cfg.Retry.Cap)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	return nil
}

// keychainReader reads from the platform keychain, falling back to the
// secrets file.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	if out, err := platformSecret(service, account); err == nil {
		if v := strings.TrimSpace(string(out)); v != "" {
			return v, nil
		}
	}
	return readSecret(service, account)
}
