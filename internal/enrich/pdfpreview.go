package enrich

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/shareq/internal/share"
)

const excerptLen = 280

// PDFPreview records the page count and an opening excerpt of PDF payloads.
type PDFPreview struct{}

func (PDFPreview) Enrich(ctx context.Context, c *share.Content) (err error) {
	if c.PayloadRef == "" || !strings.EqualFold(extension(c.PayloadRef), ".pdf") {
		return nil
	}
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(c.PayloadRef)
	if err != nil {
		return fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	setMeta(c, KeyPages, strconv.Itoa(r.NumPage()))

	text, err := r.GetPlainText()
	if err != nil {
		return fmt.Errorf("extracting pdf text: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(text, 16<<10))
	if err != nil {
		return fmt.Errorf("reading pdf text: %w", err)
	}
	setMeta(c, KeyExcerpt, excerpt(string(raw)))
	return nil
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	cut := string(r[:excerptLen])
	if i := strings.LastIndexByte(cut, ' '); i > excerptLen/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func extension(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
