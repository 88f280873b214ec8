// Package pullagent implements the reference remote puller: it polls the
// pull API for pending files, downloads each blob, optionally hands it to a
// transfer command, and reports the outcome back.
package pullagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type PendingFile struct {
	FileKey   string `json:"fileKey"`
	FileName  string `json:"fileName"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RemoteClient is the pull API surface the agent needs.
type RemoteClient interface {
	ListPending(ctx context.Context) ([]PendingFile, error)
	Download(ctx context.Context, fileKey, destPath string) error
	ReportStatus(ctx context.Context, fileKey, status string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListPending(ctx context.Context) ([]PendingFile, error) {
	var out []PendingFile
	if err := c.doJSON(ctx, http.MethodGet, "/v1/files/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Download(ctx context.Context, fileKey, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileKey+"/download", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return decodeError(resp.StatusCode, payload)
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *HTTPClient) ReportStatus(ctx context.Context, fileKey, status string) error {
	body := map[string]string{
		"fileKey": fileKey,
		"status":  status,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/files/status", body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeError(resp.StatusCode, payloadBytes)
	}
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func decodeError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func correlationID() string {
	return fmt.Sprintf("pull_%d", time.Now().UnixNano())
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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

type Logger interface {
	Printf(format string, args ...any)
}

// TransferFunc hands a downloaded file to its final destination, typically
// a device push command. The path is the local download location.
type TransferFunc func(ctx context.Context, localPath string) error

// CommandTransfer runs an external command with the downloaded path
// appended as the last argument.
func CommandTransfer(name string, args ...string) TransferFunc {
	return func(ctx context.Context, localPath string) error {
		cmd := exec.CommandContext(ctx, name, append(append([]string{}, args...), localPath)...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("transfer command failed: %w: %s", err, strings.TrimSpace(string(output)))
		}
		return nil
	}
}

type AgentOptions struct {
	DownloadDir string
	Transfer    TransferFunc
	Logger      Logger
}

// Agent drives one pull cycle at a time. A download failure leaves the
// record pending so the next cycle retries it; a transfer failure is
// reported as FAILED because the blob was already consumed.
type Agent struct {
	client      RemoteClient
	downloadDir string
	transfer    TransferFunc
	logger      Logger
}

func NewAgent(client RemoteClient, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	downloadDir := strings.TrimSpace(opts.DownloadDir)
	if downloadDir == "" {
		return nil, fmt.Errorf("download dir is required")
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Agent{
		client:      client,
		downloadDir: downloadDir,
		transfer:    opts.Transfer,
		logger:      opts.Logger,
	}, nil
}

// SyncOnce runs a single poll-download-report cycle. Per-file failures are
// collected rather than aborting the cycle.
func (a *Agent) SyncOnce(ctx context.Context) error {
	pending, err := a.client.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	a.logf("pulling %d pending files", len(pending))

	var errs []error
	for _, file := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := a.syncFile(ctx, file); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file.FileKey, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) syncFile(ctx context.Context, file PendingFile) error {
	name := filepath.Base(file.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = file.FileKey
	}
	dest := filepath.Join(a.downloadDir, name)

	if err := a.client.Download(ctx, file.FileKey, dest); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			// The blob disappeared underneath the record; tell the server so
			// the record stops coming back.
			a.logf("blob for %s is gone, reporting failure", file.FileKey)
			return a.client.ReportStatus(ctx, file.FileKey, "FAILED")
		}
		return fmt.Errorf("download: %w", err)
	}

	if a.transfer != nil {
		if err := a.transfer(ctx, dest); err != nil {
			a.logf("transfer of %s failed: %v", file.FileKey, err)
			if reportErr := a.client.ReportStatus(ctx, file.FileKey, "FAILED"); reportErr != nil {
				return errors.Join(err, fmt.Errorf("report status: %w", reportErr))
			}
			return err
		}
	}

	if err := a.client.ReportStatus(ctx, file.FileKey, "COMPLETED"); err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	a.logf("synced %s as %s", file.FileKey, dest)
	return nil
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
