// Package generator is the HTTP client for the report generation backend.
package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// DefaultTimeout bounds one generate call including retries.
const DefaultTimeout = 2 * time.Minute

// Client calls POST {baseURL}/generate.
type Client struct {
	baseURL  *url.URL
	token    string
	client   *http.Client
	logger   logger.Logger
	retries  uint
	interval time.Duration
}

// Error is a failed call to the backend.
type Error struct {
	URL      string
	Status   int
	Body     string
	TheError error
}

func (e *Error) Error() string {
	if e == nil || e.TheError == nil {
		return ""
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d)", e.TheError.Error(), e.Status)
	}
	return e.TheError.Error()
}

func (e *Error) Unwrap() error {
	return e.TheError
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRetries sets how many times a retryable failure is retried.
func WithRetries(n uint, initial time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		if initial > 0 {
			c.interval = initial
		}
	}
}

// New returns a Client for the backend at baseURL.
func New(log logger.Logger, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Newf("invalid generator url %q", baseURL)
	}
	c := &Client{
		baseURL:  u,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   log.WithPrefix("[generator]"),
		retries:  4,
		interval: 150 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type generateRequest struct {
	URL        string `json:"url"`
	ReportType string `json:"report_type"`
	Email      string `json:"email,omitempty"`
}

type generateResponse struct {
	Output  string `json:"output"`
	Message string `json:"message,omitempty"`
}

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "reportcache/" + Version + " (" + gitSHA + ")"
}

// shouldRetry decides on the status when the backend answered and on the
// transport error otherwise.
func shouldRetry(status int, err error) bool {
	if status == 0 {
		if err == nil {
			return false
		}
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		return strings.Contains(err.Error(), "EOF")
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// bodyPreview returns a loggable preview of a response body. Non-text bodies
// are reduced to their size and hash.
func bodyPreview(body []byte, contentType string, maxChars int) string {
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "json") {
		hash := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", ct, len(body), hex.EncodeToString(hash[:8]))
	}
	if len(body) > maxChars {
		return string(body[:maxChars]) + fmt.Sprintf("[truncated, total: %d bytes]", len(body))
	}
	return string(body)
}

// Generate asks the backend for a report. Connection resets and gateway
// statuses are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, base string, variant urlkey.Variant, contact string) (string, error) {
	u := *c.baseURL
	u.Path = path.Join("/", u.Path, "generate")
	endpoint := u.String()

	body, err := json.Marshal(generateRequest{URL: base, ReportType: string(variant), Email: contact})
	if err != nil {
		return "", errors.Wrap(err, "encode generate request")
	}

	attempt := 0
	op := func() (string, error) {
		attempt++
		out, status, err := c.do(ctx, endpoint, body)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || !shouldRetry(status, err) {
			return "", backoff.Permanent(err)
		}
		c.logger.Debug("attempt %d for %s#%s failed, retrying: %s", attempt, base, variant, err)
		return "", err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.retries+1))
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, &Error{URL: endpoint, TheError: errors.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.logger.Trace("sending request: POST %s", endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", 0, err
		}
		return "", 0, &Error{URL: endpoint, TheError: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", resp.StatusCode, &Error{URL: endpoint, Status: resp.StatusCode, TheError: errors.Wrap(err, "read response")}
	}
	preview := bodyPreview(respBody, resp.Header.Get("Content-Type"), 200)
	c.logger.Debug("response status: %s body: %s", resp.Status, preview)

	var gr generateResponse
	if resp.StatusCode > 299 {
		msg := fmt.Sprintf("generate failed with status (%s)", resp.Status)
		if json.Unmarshal(respBody, &gr) == nil && gr.Message != "" {
			msg = gr.Message
		}
		return "", resp.StatusCode, &Error{URL: endpoint, Status: resp.StatusCode, Body: preview, TheError: errors.New(msg)}
	}
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", resp.StatusCode, &Error{URL: endpoint, Status: resp.StatusCode, Body: preview, TheError: errors.Wrap(err, "decode response")}
	}
	if gr.Output == "" {
		return "", resp.StatusCode, &Error{URL: endpoint, Status: resp.StatusCode, Body: preview, TheError: errors.New("empty report")}
	}
	return gr.Output, resp.StatusCode, nil
}
