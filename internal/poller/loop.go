package poller

import (
	"context"
	"sync"
	"time"
)

// pollerLoop owns one timer-driven tick loop. The loop runs on its own child
// context so the watchdog can cancel and relaunch it without touching its
// siblings.
type pollerLoop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)
	hb       Heartbeat
	wake     chan struct{} // optional; nil when the loop is timer-only

	mu     sync.Mutex
	cancel context.CancelFunc
}

// start launches the loop goroutine under the given parent context. A
// previous incarnation, if still running, is cancelled first.
func (p *pollerLoop) start(parent context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(ctx)
}

// stop cancels the loop. In-flight work is allowed to finish or time out;
// every write it might still perform is idempotent.
func (p *pollerLoop) stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

func (p *pollerLoop) run(ctx context.Context) {
	p.tick(ctx)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		p.tick(ctx)
		timer.Reset(p.interval)
	}
}
