// Package scroll collects posting links from infinite-scroll search pages
// with a local headless browser. It is the fallback discovery path for
// deployments that run without the external automation worker.
package scroll

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the headless collector.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after each scroll for lazy content.
	SettleDelay time.Duration
}

// Collector drives a headless Chrome through an infinite-scroll results page
// and harvests the posting links it renders.
type Collector struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Collector backed by a shared Chrome exec allocator.
func New(cfg Config) (*Collector, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 750 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Collector{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (c *Collector) Close() {
	c.allocCancel()
}

// extractLinksJS pulls the href of every anchor that points at a posting
// detail page.
const extractLinksJS = `Array.from(document.querySelectorAll('a[href]'))
	.map(a => a.href)
	.filter(href => /\/jobs\/[^\/]+\/?$/.test(href.split('?')[0]))`

const scrollJS = `window.scrollTo(0, document.body.scrollHeight)`

// Collect navigates to url and scrolls until no new posting links appear or
// maxScrolls is reached. The returned slice is insertion-ordered and
// deduplicated within the run.
func (c *Collector) Collect(ctx context.Context, url string, maxScrolls int, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxScrolls <= 0 {
		maxScrolls = 10
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	if err := chromedp.Run(taskCtx,
		c.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	); err != nil {
		return nil, fmt.Errorf("scroll navigate: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string

	grow := func() (int, error) {
		var hrefs []string
		if err := chromedp.Run(taskCtx, chromedp.Evaluate(extractLinksJS, &hrefs)); err != nil {
			return 0, fmt.Errorf("scroll extract links: %w", err)
		}
		added := 0
		for _, href := range hrefs {
			if _, dup := seen[href]; dup {
				continue
			}
			seen[href] = struct{}{}
			links = append(links, href)
			added++
		}
		return added, nil
	}

	if _, err := grow(); err != nil {
		return nil, err
	}

	for i := 0; i < maxScrolls; i++ {
		if err := chromedp.Run(taskCtx,
			chromedp.Evaluate(scrollJS, nil),
			chromedp.Sleep(c.cfg.SettleDelay),
		); err != nil {
			return nil, fmt.Errorf("scroll step %d: %w", i+1, err)
		}
		added, err := grow()
		if err != nil {
			return nil, err
		}
		if added == 0 {
			logger.Debug("scroll settled", zap.Int("scrolls", i+1), zap.Int("links", len(links)))
			break
		}
	}
	return links, nil
}

func (c *Collector) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Collector) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scroll slot wait canceled: %w", ctx.Err())
	}
}

func (c *Collector) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
