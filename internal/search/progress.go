package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressKind names a discovery milestone.
type ProgressKind string

// Progress kinds emitted during a batch run.
const (
	ProgressPageFetched    ProgressKind = "PAGE_FETCHED"
	ProgressLinksFound     ProgressKind = "LINKS_FOUND"
	ProgressRateLimited    ProgressKind = "RATE_LIMITED"
	ProgressQueryExhausted ProgressKind = "QUERY_EXHAUSTED"
	ProgressFetchFailed    ProgressKind = "FETCH_FAILED"
	ProgressBatchDone      ProgressKind = "BATCH_DONE"
)

// ProgressEvent is one pull-consumable discovery milestone.
type ProgressEvent struct {
	Kind          ProgressKind `json:"kind"`
	Query         string       `json:"query,omitempty"`
	Page          int          `json:"page,omitempty"`
	URL           string       `json:"url,omitempty"`
	NewLinks      int          `json:"new_links,omitempty"`
	TotalLinks    int          `json:"total_links,omitempty"`
	Effectiveness float64      `json:"effectiveness,omitempty"`
	Message       string       `json:"message,omitempty"`
	TS            time.Time    `json:"ts"`
}

// ProgressStream is a buffered pull stream of discovery events. The
// scheduler emits without blocking (events are dropped once the buffer
// fills) and consumers drain at their own pace; the scheduler never learns
// about or waits on its consumers.
type ProgressStream struct {
	ch      chan ProgressEvent
	dropped atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewProgressStream creates a stream with the given buffer (default 256).
func NewProgressStream(buffer int) *ProgressStream {
	if buffer <= 0 {
		buffer = 256
	}
	return &ProgressStream{
		ch:     make(chan ProgressEvent, buffer),
		closed: make(chan struct{}),
	}
}

// emit enqueues an event without blocking; a full buffer drops the event.
func (p *ProgressStream) emit(evt ProgressEvent) {
	if p == nil {
		return
	}
	select {
	case <-p.closed:
		return
	default:
	}
	select {
	case p.ch <- evt:
	default:
		p.dropped.Add(1)
	}
}

// Next blocks until an event is available, the stream closes, or the context
// ends.
func (p *ProgressStream) Next(ctx context.Context) (ProgressEvent, error) {
	select {
	case evt := <-p.ch:
		return evt, nil
	case <-p.closed:
		select {
		case evt := <-p.ch:
			return evt, nil
		default:
			return ProgressEvent{}, fmt.Errorf("progress stream closed")
		}
	case <-ctx.Done():
		return ProgressEvent{}, fmt.Errorf("progress next: %w", ctx.Err())
	}
}

// Drain returns every event currently buffered without blocking.
func (p *ProgressStream) Drain() []ProgressEvent {
	var out []ProgressEvent
	for {
		select {
		case evt := <-p.ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (p *ProgressStream) Dropped() int64 {
	return p.dropped.Load()
}

// Close marks the stream finished; buffered events remain drainable.
func (p *ProgressStream) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
