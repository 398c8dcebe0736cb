// Package share defines the immutable record produced by every capture surface.
package share

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidContent is returned by Validate for content the backend would reject.
var ErrInvalidContent = errors.New("invalid share content")

// Kind classifies what was shared.
type Kind string

const (
	KindText  Kind = "text"
	KindURL   Kind = "url"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindURL, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// Origin records which surface produced the content. Diagnostics only.
type Origin string

const (
	OriginManual     Origin = "manual"
	OriginShareSheet Origin = "share_sheet"
	OriginBackground Origin = "background"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginManual, OriginShareSheet, OriginBackground:
		return true
	}
	return false
}

// Content is what was shared. It is never modified after enqueue.
type Content struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text,omitempty"`
	URL        string            `json:"url,omitempty"`
	PayloadRef string            `json:"payload_ref,omitempty"` // opaque; forwarded to the transport as-is
	Metadata   map[string]string `json:"metadata,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
	Origin     Origin            `json:"origin"`
}

// New returns content of the given kind with a fresh ID and capture time.
func New(kind Kind, origin Origin) Content {
	now := time.Now().UTC()
	return Content{
		ID:         NewID(now),
		Kind:       kind,
		CapturedAt: now,
		Origin:     origin,
	}
}

// Validate checks the fields required by each kind.
func (c Content) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidContent)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}
	if c.Origin != "" && !c.Origin.Valid() {
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidContent, c.Origin)
	}
	if c.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidContent)
	}

	switch c.Kind {
	case KindText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: text share has no text", ErrInvalidContent)
		}
	case KindURL:
		if !isWebURL(c.URL) {
			return fmt.Errorf("%w: url share needs an absolute http(s) url, got %q", ErrInvalidContent, c.URL)
		}
	case KindImage, KindVideo, KindFile:
		if c.PayloadRef == "" && c.URL == "" {
			return fmt.Errorf("%w: %s share needs a payload_ref or url", ErrInvalidContent, c.Kind)
		}
	}
	return nil
}

// Fingerprint hashes the user-visible fields. Two captures of the same thing
// produce the same fingerprint regardless of ID, time or origin.
func (c Content) Fingerprint() string {
	d := xxhash.New()
	for _, s := range []string{string(c.Kind), c.Title, c.Text, c.URL, c.PayloadRef} {
		d.WriteString(s)
		d.WriteString("\x00")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func isWebURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
