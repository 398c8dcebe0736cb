package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/shareq/internal/share"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 << 10
	sharePath        = "/api/share"

	// minUploadRate is the slowest upload, in bytes per second, that still
	// finishes inside a request's deadline.
	minUploadRate = 128 << 10
)

// HTTPTransport posts shares to the wall backend.
type HTTPTransport struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

// NewHTTPTransport creates a transport for the backend at baseURL.
// If timeout is <= 0, it defaults to 30s. The timeout bounds a request
// without a payload; uploads get extra time in proportion to their size.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{},
		userAgent:  "shareq",
		now:        time.Now,
	}
}

// WithHTTPClient replaces the underlying client (for tests).
func (t *HTTPTransport) WithHTTPClient(c *http.Client) *HTTPTransport {
	t.httpClient = c
	return t
}

type shareRequest struct {
	ID         string            `json:"id"`
	Type       share.Kind        `json:"type"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text,omitempty"`
	URL        string            `json:"url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Source     share.Origin      `json:"source"`
	CapturedAt string            `json:"captured_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// Deliver uploads c once. The content ID is sent as the idempotency key so a
// replay after crash recovery can be de-duplicated server-side.
func (t *HTTPTransport) Deliver(ctx context.Context, c share.Content) Outcome {
	body, contentType, size, err := t.encode(c)
	if err != nil {
		return Terminal(KindClient, err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.deadline(size))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.baseURL+sharePath, body)
	if err != nil {
		if rc, ok := body.(io.Closer); ok {
			rc.Close()
		}
		return Terminal(KindClient, fmt.Sprintf("creating request: %v", err))
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Idempotency-Key", c.ID)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return Success()
	}
	return t.classifyStatus(resp)
}

// deadline is the time budget for a request body of size bytes.
func (t *HTTPTransport) deadline(size int64) time.Duration {
	return t.timeout + time.Duration(size/minUploadRate)*time.Second
}

// payloadBody streams a multipart upload and closes the payload file once the
// client is done with it.
type payloadBody struct {
	io.Reader
	f *os.File
}

func (b *payloadBody) Close() error { return b.f.Close() }

// encode returns the request body, its content type and its exact length.
// Payload files are streamed from disk, never buffered whole.
func (t *HTTPTransport) encode(c share.Content) (io.Reader, string, int64, error) {
	payload := shareRequest{
		ID:         c.ID,
		Type:       c.Kind,
		Title:      c.Title,
		Text:       c.Text,
		URL:        c.URL,
		Metadata:   c.Metadata,
		Source:     c.Origin,
		CapturedAt: c.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	meta, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, fmt.Errorf("marshaling share: %w", err)
	}

	if c.PayloadRef == "" {
		return bytes.NewReader(meta), "application/json", int64(len(meta)), nil
	}

	f, err := os.Open(c.PayloadRef)
	if err != nil {
		return nil, "", 0, fmt.Errorf("opening payload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, "", 0, fmt.Errorf("reading payload: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, "", 0, fmt.Errorf("payload %s is not a regular file", c.PayloadRef)
	}

	// The multipart framing is rendered up front; the file bytes go between
	// the part header and the closing boundary.
	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	if err := mw.WriteField("share", string(meta)); err != nil {
		f.Close()
		return nil, "", 0, fmt.Errorf("writing share field: %w", err)
	}
	if _, err := mw.CreateFormFile("files", filepath.Base(c.PayloadRef)); err != nil {
		f.Close()
		return nil, "", 0, fmt.Errorf("creating file part: %w", err)
	}
	n := head.Len()
	if err := mw.Close(); err != nil {
		f.Close()
		return nil, "", 0, fmt.Errorf("closing multipart body: %w", err)
	}
	tail := append([]byte(nil), head.Bytes()[n:]...)
	head.Truncate(n)

	size := int64(head.Len()) + info.Size() + int64(len(tail))
	body := &payloadBody{
		Reader: io.MultiReader(&head, io.LimitReader(f, info.Size()), bytes.NewReader(tail)),
		f:      f,
	}
	return body, mw.FormDataContentType(), size, nil
}

func (t *HTTPTransport) classifyStatus(resp *http.Response) Outcome {
	msg := readErrorMessage(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Terminal(KindAuth, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Retry(KindRateLimited, msg, parseRetryAfter(resp.Header.Get("Retry-After"), t.now()))
	case resp.StatusCode == http.StatusRequestTimeout:
		return Retry(KindTimeout, msg, 0)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Terminal(KindClient, msg)
	default:
		return Retry(KindServer, msg, parseRetryAfter(resp.Header.Get("Retry-After"), t.now()))
	}
}

func readErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil {
		for _, s := range []string{er.Error, er.Detail, er.Message} {
			if s != "" {
				return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, s)
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, s)
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retry(KindTimeout, err.Error(), 0)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retry(KindTimeout, err.Error(), 0)
	}
	return Retry(KindNetwork, err.Error(), 0)
}
