// Package ratelimit implements the shared governor all outbound discovery
// requests pass through: bounded concurrency, minimum inter-request spacing,
// and a refillable request budget per time window.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/applypilot/applypilot/internal/telemetry"
)

// Config holds governor configuration.
type Config struct {
	// MaxConcurrent bounds in-flight requests; <=0 defaults to 1.
	MaxConcurrent int
	// RPS/Burst feed the token bucket; RPS <=0 means unlimited.
	RPS   float64
	Burst int
	// MinInterval is the minimum spacing between request starts.
	MinInterval time.Duration
	// WindowBudget caps requests per Window; <=0 disables the budget.
	WindowBudget int
	Window       time.Duration
}

// Governor is safe for concurrent scheduling calls; it is the one structure
// in the engine designed for concurrent access by construction.
type Governor struct {
	sem     chan struct{}
	limiter *rate.Limiter

	mu          sync.Mutex
	minInterval time.Duration
	lastStart   time.Time
	budget      int
	remaining   int
	window      time.Duration
	windowEnds  time.Time
}

// New creates a Governor.
func New(cfg Config) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Governor{
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		limiter:     rate.NewLimiter(r, burst),
		minInterval: cfg.MinInterval,
		budget:      cfg.WindowBudget,
		remaining:   cfg.WindowBudget,
		window:      window,
	}
}

// Acquire blocks until a concurrency slot, spacing gap, and window token are
// all available, then returns a release func that frees the slot. A canceled
// context aborts the wait and returns the context error.
func (g *Governor) Acquire(ctx context.Context, rawURL string) (func(), error) {
	start := time.Now()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("governor slot wait: %w", ctx.Err())
	}

	if err := g.limiter.Wait(ctx); err != nil {
		<-g.sem
		return nil, fmt.Errorf("governor rate wait: %w", err)
	}

	if err := g.waitSpacingAndBudget(ctx); err != nil {
		<-g.sem
		return nil, err
	}

	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveGovernorDelay(hostOf(rawURL), waited)
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-g.sem })
	}, nil
}

// waitSpacingAndBudget serializes request starts: enforces MinInterval since
// the previous start and decrements the per-window budget, sleeping out the
// remainder of the window when the budget is spent.
func (g *Governor) waitSpacingAndBudget(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()

		if g.budget > 0 {
			if now.After(g.windowEnds) {
				g.remaining = g.budget
				g.windowEnds = now.Add(g.window)
			}
			if g.remaining == 0 {
				wait := time.Until(g.windowEnds)
				g.mu.Unlock()
				if err := sleepCtx(ctx, wait); err != nil {
					return fmt.Errorf("governor budget wait: %w", err)
				}
				continue
			}
		}

		if gap := g.minInterval - now.Sub(g.lastStart); gap > 0 {
			g.mu.Unlock()
			if err := sleepCtx(ctx, gap); err != nil {
				return fmt.Errorf("governor spacing wait: %w", err)
			}
			continue
		}

		if g.budget > 0 {
			g.remaining--
		}
		g.lastStart = now
		g.mu.Unlock()
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
