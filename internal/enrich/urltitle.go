package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kalambet/shareq/internal/share"
)

const (
	defaultFetchTimeout = 5 * time.Second
	maxPageSize         = 512 << 10
	maxTitleLen         = 300
)

// URLTitle fetches url shares that have no title and records the page title.
type URLTitle struct {
	httpClient *http.Client
}

func NewURLTitle(timeout time.Duration) *URLTitle {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &URLTitle{httpClient: &http.Client{Timeout: timeout}}
}

// WithHTTPClient replaces the underlying client (for tests).
func (u *URLTitle) WithHTTPClient(c *http.Client) *URLTitle {
	u.httpClient = c
	return u
}

func (u *URLTitle) Enrich(ctx context.Context, c *share.Content) error {
	if c.Kind != share.KindURL || c.URL == "" || c.Title != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", "shareq")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: HTTP %d", c.URL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.URL, err)
	}

	title := pageTitle(doc)
	if title == "" {
		return nil
	}
	c.Title = title
	setMeta(c, KeyTitle, title)
	if site := metaProperty(doc, "og:site_name"); site != "" {
		setMeta(c, KeySite, site)
	} else if pu, err := url.Parse(c.URL); err == nil {
		setMeta(c, KeySite, strings.TrimPrefix(pu.Hostname(), "www."))
	}
	return nil
}

// pageTitle prefers og:title over <title>.
func pageTitle(doc *html.Node) string {
	if t := metaProperty(doc, "og:title"); t != "" {
		return clean(t)
	}
	var title string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = n.FirstChild.Data
			return
		}
		for ch := n.FirstChild; ch != nil && title == ""; ch = ch.NextSibling {
			f(ch)
		}
	}
	f(doc)
	return clean(title)
}

func metaProperty(doc *html.Node, property string) string {
	var value string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var prop, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "property", "name":
					prop = a.Val
				case "content":
					content = a.Val
				}
			}
			if prop == property {
				value = content
				return
			}
		}
		for ch := n.FirstChild; ch != nil && value == ""; ch = ch.NextSibling {
			f(ch)
		}
	}
	f(doc)
	return strings.TrimSpace(value)
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxTitleLen {
		s = string(r[:maxTitleLen])
	}
	return s
}
