package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxAttempts bounds delivery tries for a single alert.
const maxAttempts = 3

// statusError is a non-2xx delivery response.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
	}
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// post sends body to url, retrying 429 and 5xx responses with a growing
// delay (or the server's Retry-After). header may be nil.
func post(ctx context.Context, client *http.Client, url string, body []byte, header http.Header, backoff time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		respBody, err := postOnce(ctx, client, url, body, header)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		se, ok := err.(*statusError)
		if !ok || !se.retryable() || attempt == maxAttempts {
			break
		}
		wait := backoff * time.Duration(attempt)
		if se.retryAfter > 0 {
			wait = se.retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(respBody))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
		return respBody, se
	}
	return respBody, nil
}
