package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

const secretService = "shareq"

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SHAREQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SHAREQ_SERVER_TOKEN",
		secret: true, account: "server_token",
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SHAREQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "queue.max_size", typ: kInt, env: "SHAREQ_QUEUE_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxSize },
	},
	{
		key: "queue.retention", typ: kDuration, env: "SHAREQ_QUEUE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Queue.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.Retention },
	},
	{
		key: "sync.interval", typ: kDuration, env: "SHAREQ_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "retry.max_retries", typ: kInt, env: "SHAREQ_RETRY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxRetries },
	},
	{
		key: "retry.base", typ: kDuration, env: "SHAREQ_RETRY_BASE",
		apply:   func(cfg *Config, v any) { cfg.Retry.Base = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.Base },
	},
	{
		key: "retry.cap", typ: kDuration, env: "SHAREQ_RETRY_CAP",
		apply:   func(cfg *Config, v any) { cfg.Retry.Cap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.Cap },
	},
	{
		key: "retry.jitter", typ: kFloat, env: "SHAREQ_RETRY_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Retry.Jitter = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.Jitter },
	},
	{
		key: "transport.base_url", typ: kString, env: "SHAREQ_TRANSPORT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Transport.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transport.BaseURL },
	},
	{
		key: "transport.api_token", typ: kString, env: "SHAREQ_TRANSPORT_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Transport.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Transport.APIToken },
	},
	{
		key: "transport.timeout", typ: kDuration, env: "SHAREQ_TRANSPORT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Transport.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transport.Timeout },
	},
	{
		key: "network.probe_interval", typ: kDuration, env: "SHAREQ_NETWORK_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Network.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Network.ProbeInterval },
	},
	{
		key: "capture.inbox_dir", typ: kString, env: "SHAREQ_CAPTURE_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Capture.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.InboxDir },
	},
	{
		key: "capture.dedupe_window", typ: kDuration, env: "SHAREQ_CAPTURE_DEDUPE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Capture.DedupeWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.DedupeWindow },
	},
	{
		key: "enrich.url_titles", typ: kBool, env: "SHAREQ_ENRICH_URL_TITLES",
		apply:   func(cfg *Config, v any) { cfg.Enrich.URLTitles = v.(bool) },
		extract: func(cfg Config) any { return cfg.Enrich.URLTitles },
	},
	{
		key: "enrich.pdf_preview", typ: kBool, env: "SHAREQ_ENRICH_PDF_PREVIEW",
		apply:   func(cfg *Config, v any) { cfg.Enrich.PDFPreview = v.(bool) },
		extract: func(cfg Config) any { return cfg.Enrich.PDFPreview },
	},
	{
		key: "log.level", typ: kString, env: "SHAREQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "SHAREQ_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// parseValue converts raw text to the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
