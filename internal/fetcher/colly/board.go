// Package collyboard implements the board client using gocolly: search
// result pages are reduced to their posting links, detail pages to a
// normalized posting.
package collyboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/applypilot/applypilot/internal/engine"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Client implements engine.BoardClient with a Colly collector per fetch.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Client with a pooled transport shared by all fetches.
func New(cfg Config) *Client {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		baseCollector: c,
	}
}

// FetchSearchPage fetches one search results page and extracts the posting
// links on it. In-page duplicates are preserved; deduplication is the
// scheduler's job.
func (c *Client) FetchSearchPage(ctx context.Context, pageURL string) (engine.SearchPage, error) {
	page := engine.SearchPage{URL: pageURL}
	start := time.Now()

	collector := c.newCollector()
	var fetchErr error

	collector.OnHTML(`a[href]`, func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if isPostingLink(link) {
			page.Links = append(page.Links, link)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
		page.Duration = time.Since(start)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = c.mapError(r, err)
	})

	if err := runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return engine.SearchPage{}, err
	}
	return page, nil
}

// FetchPosting fetches and parses a posting detail page.
func (c *Client) FetchPosting(ctx context.Context, postingURL string) (engine.JobPosting, error) {
	posting := engine.JobPosting{
		URL:        postingURL,
		ExternalID: engine.PostingIDFromURL(postingURL),
	}

	collector := c.newCollector()
	var fetchErr error

	collector.OnHTML("h1", func(e *colly.HTMLElement) {
		if posting.Title == "" {
			posting.Title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnHTML(".company", func(e *colly.HTMLElement) {
		posting.Company = strings.TrimSpace(e.Text)
	})
	collector.OnHTML(".location", func(e *colly.HTMLElement) {
		posting.Location = strings.TrimSpace(e.Text)
	})
	collector.OnHTML(".description", func(e *colly.HTMLElement) {
		posting.Description = strings.TrimSpace(e.Text)
	})
	collector.OnHTML(`a[href$="/apply"]`, func(e *colly.HTMLElement) {
		if posting.ApplyURL == "" {
			posting.ApplyURL = e.Request.AbsoluteURL(e.Attr("href"))
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = c.mapError(r, err)
	})

	if err := runCollector(ctx, collector, postingURL, &fetchErr); err != nil {
		return engine.JobPosting{}, err
	}
	if posting.Title == "" {
		return engine.JobPosting{}, fmt.Errorf("posting page %s has no title: %w", postingURL, errMalformedPage)
	}
	return posting, nil
}

var errMalformedPage = fmt.Errorf("malformed board page")

func (c *Client) newCollector() *colly.Collector {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

// mapError folds HTTP failures into the engine error taxonomy: 429 carries
// the server's retry-after, 410 means the posting is gone for good.
func (c *Client) mapError(r *colly.Response, err error) error {
	if r == nil {
		return err
	}
	switch r.StatusCode {
	case http.StatusTooManyRequests:
		return &engine.RateLimitedError{RetryAfter: retryAfterHeader(r)}
	case http.StatusGone:
		return engine.ErrGone
	case http.StatusNotFound:
		return engine.ErrNotFound
	default:
		return err
	}
}

const defaultRetryAfter = 30 * time.Second

func retryAfterHeader(r *colly.Response) time.Duration {
	if r.Headers == nil {
		return defaultRetryAfter
	}
	raw := r.Headers.Get("Retry-After")
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

// isPostingLink reports whether a link points at a posting detail page:
// a /jobs/<id> path with a non-empty trailing ID and no /apply suffix.
func isPostingLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return false
	}
	last := segments[len(segments)-1]
	if last == "" || last == "apply" {
		return false
	}
	return segments[len(segments)-2] == "jobs"
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("board fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("board visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
