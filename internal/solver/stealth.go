package solver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	stealth "github.com/anatolykoptev/go-stealth"
)

// stealthHeaderOrder is the header order presented to provider endpoints.
var stealthHeaderOrder = []string{
	"host",
	"user-agent",
	"accept",
	"content-type",
	"content-length",
	"accept-encoding",
	"connection",
}

// StealthTransport sends provider traffic through a browser-fingerprinted TLS client,
// optionally via a proxy.
type StealthTransport struct {
	client *stealth.BrowserClient
}

// NewStealthTransport creates a fingerprinted transport. proxyURL may be empty.
func NewStealthTransport(proxyURL string, logger *slog.Logger) (*StealthTransport, error) {
	opts := []stealth.ClientOption{
		stealth.WithHeaderOrder(stealthHeaderOrder),
	}
	if proxyURL != "" {
		opts = append(opts, stealth.WithProxy(proxyURL))
	}
	bc, err := stealth.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("stealth client: %w", err)
	}
	if logger != nil {
		logger.Info("stealth transport enabled", "proxy", stealth.MaskProxy(proxyURL))
	}
	return &StealthTransport{client: bc}, nil
}

type stealthResult struct {
	status int
	body   []byte
	err    error
}

// Do implements Transport. The underlying client has no context support, so the call
// runs in its own goroutine and Do returns as soon as ctx is done.
func (t *StealthTransport) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}

	done := make(chan stealthResult, 1)
	go func() {
		data, _, status, err := t.client.DoWithHeaderOrder(method, url, hdrs, reader, stealthHeaderOrder)
		done <- stealthResult{status: status, body: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case r := <-done:
		return r.status, r.body, r.err
	}
}
