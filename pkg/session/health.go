package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// healthMonitor ticks at a fixed interval and asks the manager to check
// whether discovery needs a restart. The check itself runs on the update
// loop.
type healthMonitor struct {
	clock    clock.Clock
	interval time.Duration
	check    func()

	mu     sync.Mutex
	ticker *clock.Ticker
	stop   chan struct{}
}

func newHealthMonitor(clk clock.Clock, interval time.Duration, check func()) *healthMonitor {
	return &healthMonitor{clock: clk, interval: interval, check: check}
}

// Start is a no-op when the monitor is already running.
func (h *healthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticker != nil {
		return
	}
	h.ticker = h.clock.Ticker(h.interval)
	h.stop = make(chan struct{})
	go h.loop(h.ticker, h.stop)
}

func (h *healthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticker == nil {
		return
	}
	h.ticker.Stop()
	close(h.stop)
	h.ticker = nil
	h.stop = nil
}

func (h *healthMonitor) loop(t *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			h.check()
		}
	}
}
