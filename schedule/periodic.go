// Package schedule runs cancellable periodic tasks.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Periodic calls fn every interval until stopped. Trigger requests an early
// run; runs are never closer together than minInterval.
type Periodic struct {
	interval    time.Duration
	minInterval time.Duration
	fn          func(context.Context)

	trigger chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
}

// NewPeriodic builds a stopped task.
func NewPeriodic(interval, minInterval time.Duration, fn func(context.Context)) *Periodic {
	if interval <= 0 {
		interval = time.Minute
	}
	if minInterval < 0 {
		minInterval = 0
	}
	return &Periodic{
		interval:    interval,
		minInterval: minInterval,
		fn:          fn,
		trigger:     make(chan struct{}, 1),
	}
}

// Start launches the loop. Calling Start on a running task is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Running reports whether the loop has been started and not stopped.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Trigger asks for a run as soon as the minimum interval allows.
func (p *Periodic) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for an in-flight run to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.trigger:
			if wait := p.untilAllowed(); wait > 0 {
				resetTimer(timer, wait)
				continue
			}
		}
		p.fn(ctx)
		p.mu.Lock()
		p.lastRun = time.Now()
		p.mu.Unlock()
		resetTimer(timer, p.interval)
	}
}

func (p *Periodic) untilAllowed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastRun.IsZero() {
		return 0
	}
	return p.minInterval - time.Since(p.lastRun)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
