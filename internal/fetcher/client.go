package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coinflux/internal/logger"
)

const maxResponseBytes = 16 << 20

// Client is a scoped HTTP helper shared by the raw-HTTP sources. It owns its
// http.Client for the lifetime of one ingestion run; Close releases idle
// connections. Only transport failures are retried, with 2^attempt backoff.
type Client struct {
	source     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// ClientConfig tunes one Client instance. Zero values fall back to defaults.
type ClientConfig struct {
	Source     string
	Timeout    time.Duration
	MaxRetries int
	// BackoffUnit scales the 2^attempt delay; tests shrink it to keep the
	// retry path fast. Production leaves it at one second.
	BackoffUnit time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	return &Client{
		source:     strings.TrimSpace(cfg.Source),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.BackoffUnit,
	}
}

// GetJSON fetches rawURL with the given query parameters and returns the
// response body. A transport failure is retried up to MaxRetries attempts;
// a well-formed response with a bad status fails immediately as a
// ProtocolError.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("fetcher client not initialized")
	}
	target := rawURL
	if len(params) > 0 {
		target = rawURL + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * (1 << (attempt - 1))
			logger.Debugf("[%s] retry %d/%d after %s: %v", c.source, attempt+1, c.maxRetries, delay, lastErr)
			if !sleepWithContext(ctx, delay) {
				return nil, &TransportError{Source: c.source, Err: ctx.Err()}
			}
		}
		body, err := c.doOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		if IsProtocol(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, &TransportError{Source: c.source, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ProtocolError{Source: c.source, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Source: c.source, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Source: c.source, Detail: fmt.Sprintf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Source: c.source, Err: err}
	}
	return body, nil
}

// Close releases the client's idle connections. Sources call this on every
// exit path so a run never leaks sockets.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
