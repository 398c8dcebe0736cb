// Package capture turns captured content into queued shares.
package capture

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kalambet/shareq/internal/share"
)

const DefaultDedupeWindow = 10 * time.Second

// Sink durably queues content. The sync engine implements it.
type Sink interface {
	Enqueue(ctx context.Context, c share.Content) (string, error)
}

// Surface is the single entry point every capture adapter calls.
type Surface interface {
	OnContentCaptured(ctx context.Context, c share.Content) (string, error)
}

// Enricher adds optional metadata before enqueue.
type Enricher interface {
	Enrich(ctx context.Context, c *share.Content) error
}

// Dispatcher implements Surface in front of a Sink. It fills in missing ids
// and capture times, enriches, and drops repeated captures of the same
// content within the dedupe window.
type Dispatcher struct {
	sink     Sink
	enricher Enricher
	seen     *ttlcache.Cache[string, string]
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A window <= 0 uses the default; enricher
// may be nil.
func NewDispatcher(sink Sink, window time.Duration, enricher Enricher) *Dispatcher {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Dispatcher{
		sink:     sink,
		enricher: enricher,
		seen: ttlcache.New(
			ttlcache.WithTTL[string, string](window),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		logger: slog.Default(),
	}
}

// OnContentCaptured normalizes c and enqueues it. A duplicate of content
// captured within the window returns the earlier id and queues nothing.
func (d *Dispatcher) OnContentCaptured(ctx context.Context, c share.Content) (string, error) {
	if c.Kind == "" {
		c.Kind = share.DetectKind(c.Text, c.URL, c.PayloadRef)
	}
	c.Normalize()
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}
	if c.ID == "" {
		c.ID = share.NewID(c.CapturedAt)
	}
	if err := c.Validate(); err != nil {
		return "", err
	}

	fp := c.Fingerprint()
	if id, ok := d.duplicate(fp); ok {
		d.logger.Debug("duplicate capture suppressed", "id", id, "origin", c.Origin)
		return id, nil
	}

	if d.enricher != nil {
		c.Metadata = maps.Clone(c.Metadata)
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		if err := d.enricher.Enrich(ctx, &c); err != nil {
			d.logger.Debug("enrichment failed", "id", c.ID, "error", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another capture of the same content may have won while we enriched.
	if item := d.seen.Get(fp); item != nil {
		return item.Value(), nil
	}
	id, err := d.sink.Enqueue(ctx, c)
	if err != nil {
		return "", err
	}
	d.seen.Set(fp, id, ttlcache.DefaultTTL)
	return id, nil
}

func (d *Dispatcher) duplicate(fp string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.DeleteExpired()
	if item := d.seen.Get(fp); item != nil {
		return item.Value(), true
	}
	return "", false
}
