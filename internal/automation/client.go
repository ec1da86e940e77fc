// Package automation is the HTTP client for the external browser-automation
// worker: infinite-scroll scraping, form introspection, and form submission.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
)

// Config controls the worker client.
type Config struct {
	// BaseURL is the worker's address. Empty means no worker is deployed;
	// every call then fails with ErrAutomationUnconfigured.
	BaseURL string
	// Timeout bounds introspect and status calls. Scrape and submit are
	// bounded by the caller's context instead, since both can legitimately
	// run for minutes.
	Timeout time.Duration
}

// Client implements engine.AutomationClient over the worker's JSON API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no client timeout; scrape streams are bounded by the
	// request context instead.
	stream *http.Client
	logger *zap.Logger
}

// New builds a Client. A nil logger falls back to a no-op logger.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		stream:  &http.Client{},
		logger:  logger,
	}
}

// Configured reports whether a worker address is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type scrapeRequest struct {
	URL        string `json:"url"`
	Scroll     bool   `json:"scroll"`
	MaxScrolls int    `json:"max_scrolls,omitempty"`
}

type scrapeBatch struct {
	Links []string `json:"links,omitempty"`
	Done  bool     `json:"done,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Scrape starts a scrape run and streams the worker's newline-delimited JSON
// batches onto a channel. The channel closes after a batch with Done or Err
// set, or when ctx ends. Timeouts come from ctx, not the client timeout, so
// long scroll sessions can stream for as long as the caller allows.
func (c *Client) Scrape(ctx context.Context, url string, scroll bool, maxScrolls int) (<-chan engine.LinkBatch, error) {
	if !c.Configured() {
		return nil, engine.ErrAutomationUnconfigured
	}

	body, err := json.Marshal(scrapeRequest{URL: url, Scroll: scroll, MaxScrolls: maxScrolls})
	if err != nil {
		return nil, fmt.Errorf("encode scrape request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req) //nolint:bodyclose // closed by the stream goroutine
	if err != nil {
		return nil, fmt.Errorf("scrape request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	out := make(chan engine.LinkBatch)
	go c.streamBatches(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamBatches(ctx context.Context, body io.ReadCloser, out chan<- engine.LinkBatch) {
	defer close(out)
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var batch scrapeBatch
		if err := dec.Decode(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				c.deliver(ctx, out, engine.LinkBatch{Done: true})
				return
			}
			c.deliver(ctx, out, engine.LinkBatch{Err: fmt.Errorf("decode scrape batch: %w", err)})
			return
		}
		if batch.Error != "" {
			c.deliver(ctx, out, engine.LinkBatch{Err: fmt.Errorf("scrape failed: %s", batch.Error)})
			return
		}
		done := c.deliver(ctx, out, engine.LinkBatch{Links: batch.Links, Done: batch.Done})
		if done || batch.Done {
			return
		}
	}
}

// deliver sends one batch unless ctx ends first; returns true when the
// stream should stop.
func (c *Client) deliver(ctx context.Context, out chan<- engine.LinkBatch, batch engine.LinkBatch) bool {
	select {
	case out <- batch:
		return false
	case <-ctx.Done():
		return true
	}
}

type introspectRequest struct {
	URL string `json:"url"`
}

type introspectResponse struct {
	Fields []engine.FormField `json:"fields"`
}

// Introspect asks the worker for the form schema at an apply URL.
func (c *Client) Introspect(ctx context.Context, applyURL string) ([]engine.FormField, error) {
	var out introspectResponse
	if err := c.postJSON(ctx, "/introspect", introspectRequest{URL: applyURL}, &out); err != nil {
		return nil, err
	}
	return out.Fields, nil
}

type submitRequest struct {
	URL      string            `json:"url"`
	FormData map[string]string `json:"form_data"`
}

type submitResponse struct {
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Submit asks the worker to fill and submit the application form. The
// worker's outcome vocabulary is closed; anything it reports outside it is
// treated as an error outcome so a buggy worker can't silently consume quota.
func (c *Client) Submit(ctx context.Context, applyURL string, formData map[string]string) (engine.SubmitResult, error) {
	var out submitResponse
	if err := c.postJSON(ctx, "/submit", submitRequest{URL: applyURL, FormData: formData}, &out); err != nil {
		return engine.SubmitResult{}, err
	}
	outcome := engine.SubmitOutcome(out.Outcome)
	switch outcome {
	case engine.SubmitSuccess, engine.SubmitProcessing, engine.SubmitSkipped, engine.SubmitError:
	default:
		c.logger.Warn("automation worker returned unknown outcome", zap.String("outcome", out.Outcome))
		return engine.SubmitResult{
			Outcome: engine.SubmitError,
			Message: fmt.Sprintf("unknown worker outcome %q", out.Outcome),
		}, nil
	}
	return engine.SubmitResult{Outcome: outcome, Message: out.Message}, nil
}

// Status fetches the worker's idle state and last job outcome. Used after a
// submission request times out, to learn whether the job actually landed.
func (c *Client) Status(ctx context.Context) (engine.AutomationStatus, error) {
	if !c.Configured() {
		return engine.AutomationStatus{}, engine.ErrAutomationUnconfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return engine.AutomationStatus{}, fmt.Errorf("new status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return engine.AutomationStatus{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.AutomationStatus{}, c.statusError(resp)
	}
	var out engine.AutomationStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return engine.AutomationStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	if !c.Configured() {
		return engine.ErrAutomationUnconfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// statusError maps non-200 worker responses onto the engine error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &engine.RateLimitedError{RetryAfter: retryAfter(resp)}
	case http.StatusGone:
		return engine.ErrGone
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("automation worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

const defaultRetryAfter = 30 * time.Second

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
