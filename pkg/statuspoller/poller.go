// Package statuspoller observes a batch's aggregate status from the client side.
package statuspoller

import (
	"context"
	"errors"
	"sync"
	"time"

	"printframe/pkg/domain"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

// Fetcher reads the current aggregate status of a batch.
type Fetcher interface {
	FetchStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, batchID string) (domain.AggregateStatus, error)

func (f FetcherFunc) FetchStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error) {
	return f(ctx, batchID)
}

// Config holds the batch to observe, the polling budget and the callbacks.
// Callbacks run on the polling goroutine and may call Stop or Refetch.
type Config struct {
	BatchID  string
	Interval time.Duration
	Timeout  time.Duration

	OnUpdate   func(domain.AggregateStatus)
	OnComplete func(domain.AggregateStatus)
	OnTimeout  func()
	OnError    func(error)
}

// Poller fetches immediately on Start, then every Interval, until the batch
// completes, the Timeout elapses, or Stop is called. Stopping only ends
// observation; server-side processing is unaffected.
type Poller struct {
	fetcher Fetcher
	cfg     Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	refetch chan struct{}
	last    domain.AggregateStatus
	hasLast bool
}

// New builds a stopped Poller.
func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	closed := make(chan struct{})
	close(closed)
	return &Poller{fetcher: fetcher, cfg: cfg, done: closed, refetch: make(chan struct{}, 1)}
}

// Start begins polling. Starting a running poller is a no-op; a stopped
// poller starts over with a fresh timeout budget.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done
	go p.loop(ctx, done)
}

// Stop ends polling without invoking any callback. It does not wait for an
// in-flight fetch; use Done for that.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
}

// Refetch triggers an extra fetch. On a stopped poller it fetches once synchronously.
func (p *Poller) Refetch() {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		select {
		case p.refetch <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
	defer cancel()
	p.fetch(ctx)
}

// Running reports whether the poller is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Done is closed when the current polling run has fully ended.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Last returns the most recent snapshot, if any.
func (p *Poller) Last() (domain.AggregateStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	deadline := time.NewTimer(p.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if p.fetchAndCheck(ctx, done) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			if p.finish(done) && p.cfg.OnTimeout != nil {
				p.cfg.OnTimeout()
			}
			return
		case <-ticker.C:
		case <-p.refetch:
		}
		if p.fetchAndCheck(ctx, done) {
			return
		}
	}
}

// fetchAndCheck fetches once and reports whether the loop should end.
func (p *Poller) fetchAndCheck(ctx context.Context, done chan struct{}) bool {
	agg, ok := p.fetch(ctx)
	if ctx.Err() != nil {
		return true
	}
	if !ok || !agg.IsComplete {
		return false
	}
	if p.finish(done) && p.cfg.OnComplete != nil {
		p.cfg.OnComplete(agg)
	}
	return true
}

func (p *Poller) fetch(ctx context.Context) (domain.AggregateStatus, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
	defer cancel()
	agg, err := p.fetcher.FetchStatus(fetchCtx, p.cfg.BatchID)
	if ctx.Err() != nil {
		return domain.AggregateStatus{}, false
	}
	if err != nil {
		if p.cfg.OnError != nil && !errors.Is(err, context.Canceled) {
			p.cfg.OnError(err)
		}
		return domain.AggregateStatus{}, false
	}
	p.mu.Lock()
	p.last = agg
	p.hasLast = true
	p.mu.Unlock()
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(agg)
	}
	return agg, true
}

// finish marks the run stopped unless Stop or a newer Start already replaced it.
func (p *Poller) finish(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.done != done {
		return false
	}
	p.running = false
	p.cancel()
	return true
}
