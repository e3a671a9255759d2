// Package poller runs keyed, cancellable polling loops. Each loop stops when
// its tick reports done, when its expiry passes, when it is cancelled by key,
// or when the poller shuts down.
package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeWatchers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "newmeclass_poller_active_watchers",
	Help: "Polling loops currently running",
})

// Tick is called once per interval. Returning done=true stops the loop.
// Errors are logged and the loop retries on the next tick.
type Tick func(ctx context.Context) (done bool, err error)

// Expire runs once when a loop reaches its expiry without finishing.
type Expire func(ctx context.Context)

// loop identifies one Watch call, so a finished loop never unregisters a
// newer loop started under the same key.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Poller struct {
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	loops   map[string]*loop
	wg      sync.WaitGroup
	base    context.Context
	stopAll context.CancelFunc
}

func New(interval time.Duration, logger *log.Logger) *Poller {
	base, cancel := context.WithCancel(context.Background())
	return &Poller{
		interval: interval,
		logger:   logger,
		loops:    map[string]*loop{},
		base:     base,
		stopAll:  cancel,
	}
}

// Watch starts a loop for key. It returns false if key is already watched
// or the poller has shut down.
func (p *Poller) Watch(key string, expiry time.Duration, tick Tick, onExpire Expire) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.loops[key]; exists || p.base.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(p.base, expiry)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	p.loops[key] = l
	p.wg.Add(1)
	activeWatchers.Inc()
	go p.run(ctx, l, key, tick, onExpire)
	return true
}

// Cancel stops the loop for key and unregisters it at once, so key can be
// watched again immediately. It reports whether a loop was running.
func (p *Poller) Cancel(key string) bool {
	p.mu.Lock()
	l, ok := p.loops[key]
	if ok {
		delete(p.loops, key)
	}
	p.mu.Unlock()
	if ok {
		l.cancel()
	}
	return ok
}

// Watching reports whether a loop for key is running.
func (p *Poller) Watching(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[key]
	return ok
}

// Active returns the number of running loops.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Shutdown cancels every loop and waits for them to return.
func (p *Poller) Shutdown() {
	p.stopAll()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, l *loop, key string, tick Tick, onExpire Expire) {
	defer func() {
		l.cancel()
		p.mu.Lock()
		if p.loops[key] == l {
			delete(p.loops, key)
		}
		p.mu.Unlock()
		close(l.done)
		activeWatchers.Dec()
		p.wg.Done()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && onExpire != nil {
				expCtx, expCancel := context.WithTimeout(context.Background(), 10*time.Second)
				onExpire(expCtx)
				expCancel()
			}
			return
		case <-ticker.C:
			done, err := tick(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Printf("poller: %s: tick failed: %v", key, err)
				}
				continue
			}
			if done {
				return
			}
		}
	}
}
