package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient is a rate-limited JSON GET client for one upstream service.
type apiClient struct {
	service   string
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newAPIClient(service, baseURL, apiKey string, ratePerMin int64) (*apiClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s base url is empty", service)
	}
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	interval := time.Minute / time.Duration(ratePerMin)
	ticker := time.NewTicker(interval)

	return &apiClient{
		service:   service,
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiKeyHdr: "X-API-Key",
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   ticker.C,
	}, nil
}

// StatusError is a non-2xx reply from an upstream service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Body)
}

func (c *apiClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

// retryable reports whether a failed call is worth queueing.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
