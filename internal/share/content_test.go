package share

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	base := New(KindText, OriginManual)

	tests := []struct {
		name    string
		mutate  func(c *Content)
		wantErr bool
	}{
		{"text ok", func(c *Content) { c.Text = "hello" }, false},
		{"text empty", func(c *Content) { c.Text = "   " }, true},
		{"url ok", func(c *Content) { c.Kind = KindURL; c.URL = "https://example.com/a" }, false},
		{"url relative", func(c *Content) { c.Kind = KindURL; c.URL = "/a/b" }, true},
		{"url ftp", func(c *Content) { c.Kind = KindURL; c.URL = "ftp://example.com" }, true},
		{"image with payload", func(c *Content) { c.Kind = KindImage; c.PayloadRef = "/tmp/a.png" }, false},
		{"video without payload", func(c *Content) { c.Kind = KindVideo }, true},
		{"unknown kind", func(c *Content) { c.Kind = "audio"; c.Text = "x" }, true},
		{"unknown origin", func(c *Content) { c.Text = "x"; c.Origin = "fax" }, true},
		{"missing id", func(c *Content) { c.Text = "x"; c.ID = "" }, true},
		{"missing time", func(c *Content) { c.Text = "x"; c.CapturedAt = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidContent) {
					t.Fatalf("Validate() = %v, want ErrInvalidContent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestNewIDMonotonic(t *testing.T) {
	now := time.Now()
	prev := NewID(now)
	for i := 0; i < 100; i++ {
		id := NewID(now)
		if id <= prev {
			t.Fatalf("id %s not greater than %s", id, prev)
		}
		if !ValidID(id) {
			t.Fatalf("ValidID(%q) = false", id)
		}
		prev = id
	}
}

func TestFingerprintIgnoresIdentity(t *testing.T) {
	a := New(KindURL, OriginManual)
	a.URL = "https://example.com"
	b := New(KindURL, OriginShareSheet)
	b.URL = "https://example.com"

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ for the same shared url")
	}

	b.Title = "different"
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("fingerprints equal after title change")
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		text, url, payload string
		want               Kind
	}{
		{"", "", "/tmp/photo.JPG", KindImage},
		{"", "", "/tmp/clip.mov", KindVideo},
		{"", "", "/tmp/report.pdf", KindFile},
		{"", "https://example.com", "", KindURL},
		{"https://example.com/x", "", "", KindURL},
		{"read https://example.com later", "", "", KindText},
		{"plain note", "", "", KindText},
	}
	for _, tt := range tests {
		if got := DetectKind(tt.text, tt.url, tt.payload); got != tt.want {
			t.Errorf("DetectKind(%q, %q, %q) = %q, want %q", tt.text, tt.url, tt.payload, got, tt.want)
		}
	}
}

func TestNormalizeMovesBareURL(t *testing.T) {
	c := New(KindURL, "")
	c.Text = " https://example.com/a "
	c.Origin = ""
	c.Normalize()

	if c.URL != "https://example.com/a" {
		t.Errorf("URL = %q", c.URL)
	}
	if c.Origin != OriginManual {
		t.Errorf("Origin = %q, want manual", c.Origin)
	}
}
