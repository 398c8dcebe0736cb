// Package enrich attaches optional preview metadata to captured content
// before it is queued. The queue never reads these keys.
package enrich

import (
	"context"
	"errors"

	"github.com/kalambet/shareq/internal/share"
)

// Metadata keys written by the enrichers.
const (
	KeyTitle   = "preview.title"
	KeySite    = "preview.site"
	KeyPages   = "preview.pages"
	KeyExcerpt = "preview.excerpt"
)

// Enricher adds metadata to c in place. Errors are advisory.
type Enricher interface {
	Enrich(ctx context.Context, c *share.Content) error
}

// Chain runs every enricher in order and joins their errors.
type Chain []Enricher

func (ch Chain) Enrich(ctx context.Context, c *share.Content) error {
	var errs []error
	for _, e := range ch {
		if err := e.Enrich(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setMeta(c *share.Content, key, value string) {
	if value == "" {
		return
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}
