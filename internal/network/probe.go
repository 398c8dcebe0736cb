package network

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Probe polls the backend health endpoint. Any HTTP response counts as
// online; a transport error counts as offline.
type Probe struct {
	*Static

	url        string
	interval   time.Duration
	httpClient *http.Client
}

// NewProbe creates a probe for GET {baseURL}/health. It starts online so the
// first pass is not held back before the first check completes.
func NewProbe(baseURL string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Probe{
		Static:     NewStatic(true),
		url:        strings.TrimRight(baseURL, "/") + "/health",
		interval:   interval,
		httpClient: &http.Client{Timeout: defaultProbeTimeout},
	}
}

// WithHTTPClient replaces the underlying client (for tests).
func (p *Probe) WithHTTPClient(c *http.Client) *Probe {
	p.httpClient = c
	return p
}

// Check performs one probe and updates the signal.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if was := p.Online(); was != online {
		slog.Info("network state changed", "online", online, "url", p.url)
	}
	p.Set(online)
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Debug("health probe failed", "url", p.url, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// Run checks immediately and then every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
