package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatferry/chatferry/internal/ferry"
)

// ClientOptions configures the chat platform REST client.
type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the platform's media and messaging endpoints. Requests
// retry on network errors, 429 and 5xx with capped exponential backoff.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("platform base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "chatferry/1.0"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		userAgent:  opts.UserAgent,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}, nil
}

// HTTPError is a non-retryable platform response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform request failed: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform request failed: %d", e.StatusCode)
}

// FetchResource streams the media payload behind a message. A 404 or 410
// means the platform has let the resource lapse; that is surfaced as
// ferry.ErrResourceExpired so the pipeline can word the reply accordingly.
// The caller owns the returned body.
func (c *Client) FetchResource(ctx context.Context, messageID, resourceID string, kind ferry.ResourceKind) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/v1/media/%s/%s?kind=%s", c.baseURL, messageID, resourceID, string(kind))
	var lastErr error
	retryAfter := ""
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, c.retryDelay(attempt, retryAfter)); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			retryAfter = ""
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.Body, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			resp.Body.Close()
			return nil, fmt.Errorf("media %s: %w", resourceID, ferry.ErrResourceExpired)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter = resp.Header.Get("Retry-After")
			drainAndClose(resp.Body)
			lastErr = fmt.Errorf("platform returned %d", resp.StatusCode)
		default:
			defer resp.Body.Close()
			return nil, decodeHTTPError(resp)
		}
	}
	return nil, fmt.Errorf("fetch media %s: %w", resourceID, lastErr)
}

// SendText posts a plain text message into a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"chatId": chatID,
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + "/v1/messages"
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, c.retryDelay(attempt, "")); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			drainAndClose(resp.Body)
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			drainAndClose(resp.Body)
			lastErr = fmt.Errorf("platform returned %d", resp.StatusCode)
			continue
		}
		defer resp.Body.Close()
		return decodeHTTPError(resp)
	}
	return fmt.Errorf("send text to %s: %w", chatID, lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)
}

func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
			d := time.Duration(seconds) * time.Second
			if d > c.maxDelay {
				return c.maxDelay
			}
			return d
		}
	}
	d := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

func decodeHTTPError(resp *http.Response) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(data) > 0 {
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			httpErr.Code = payload.Code
			httpErr.Message = payload.Message
		}
	}
	return httpErr
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
