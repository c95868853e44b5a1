// Package remote holds the HTTP clients for the two synced systems. Each
// client implements bridge.RecordClient over its system's own API shape and
// translates remote failures into the engine's error taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/contactbridge/internal/bridge"
	"github.com/agentworkforce/contactbridge/internal/contact"
)

// Options configures one remote client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// httpCore is the shared request plumbing: auth header, JSON codec, bounded
// retries with Retry-After awareness, and status-to-taxonomy mapping.
type httpCore struct {
	system     contact.System
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newHTTPCore(system contact.System, defaultBaseURL string, opts Options) httpCore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return httpCore{
		system:     system,
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// doJSON performs one logical request. Network errors, 429 and 5xx are
// retried up to maxRetries with capped exponential backoff, honoring a
// numeric Retry-After when the server sends one. Any remaining non-2xx
// becomes a RemoteError; the caller decodes the successful body.
func (c *httpCore) doJSON(ctx context.Context, method, path string, query url.Values, payload any) (*response, error) {
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyBytes = encoded
	}
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reader *bytes.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &bridge.RemoteError{Kind: bridge.ErrTransient, System: c.system, Message: err.Error()}
		}

		respBody, readErr := readAll(resp)
		if readErr != nil {
			return nil, &bridge.RemoteError{Kind: bridge.ErrTransient, System: c.system, Message: readErr.Error()}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, c.mapStatus(resp.StatusCode, respBody)
	}
}

func (c *httpCore) mapStatus(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		} else if m, ok := parsed["detail"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	kind := bridge.ErrFatal
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = bridge.ErrNotFound
	case status == http.StatusTooManyRequests:
		kind = bridge.ErrRateLimited
	case status >= 500:
		kind = bridge.ErrTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		kind = bridge.ErrValidationRejected
	}
	return &bridge.RemoteError{Kind: kind, System: c.system, StatusCode: status, Message: message}
}

func (c *httpCore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func decodeJSON(body []byte, out any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
