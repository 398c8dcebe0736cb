package share

import (
	"path/filepath"
	"strings"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".heic": true, ".bmp": true, ".svg": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".avi": true, ".mkv": true,
}

// KindForPath classifies a payload by file extension.
func KindForPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case videoExtensions[ext]:
		return KindVideo
	default:
		return KindFile
	}
}

// DetectKind picks the primary kind for a capture that did not declare one.
// A payload wins over a URL, a URL over text. Text that is nothing but a URL
// is treated as a URL share.
func DetectKind(text, rawURL, payloadRef string) Kind {
	if payloadRef != "" {
		return KindForPath(payloadRef)
	}
	if isWebURL(rawURL) {
		return KindURL
	}
	if t := strings.TrimSpace(text); t != "" && !strings.ContainsAny(t, " \n\t") && isWebURL(t) {
		return KindURL
	}
	return KindText
}

// Normalize fills URL from text for URL shares captured as bare text, the way
// share sheets deliver links.
func (c *Content) Normalize() {
	if c.Kind == KindURL && c.URL == "" && isWebURL(c.Text) {
		c.URL = strings.TrimSpace(c.Text)
	}
	if c.Origin == "" {
		c.Origin = OriginManual
	}
}
