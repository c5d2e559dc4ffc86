package solver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport sends one request and returns the raw response. Adapters hold no
// knowledge of how the bytes travel.
type Transport interface {
	Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (int, []byte, error)
}

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 1 << 20

// HTTPTransport is a Transport backed by net/http.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates a transport with the given per-request timeout.
func NewHTTPTransport(timeout time.Duration, userAgent string) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// send performs a request through t and maps failures onto the solver error kinds.
func send(ctx context.Context, t Transport, provider, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	status, data, err := t.Do(ctx, method, url, body, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, provider, "request interrupted", ctx.Err())
		}
		return nil, newError(KindTransport, provider, "request failed", err)
	}
	if status < 200 || status >= 300 {
		return nil, newError(KindTransport, provider,
			fmt.Sprintf("HTTP error code: %d, response: %s", status, truncate(data, 200)), nil)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
