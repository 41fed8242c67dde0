// Package workers holds background loops that run beside the relay.
package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdleReaper is the part of the relay the reaper drives.
type IdleReaper interface {
	ReapIdle(ttl time.Duration) []string
}

// SessionReaper periodically closes sessions whose room has been empty for
// longer than the TTL.
type SessionReaper struct {
	relay    IdleReaper
	log      *zap.Logger
	interval time.Duration
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionReaper creates a reaper that runs every interval and closes
// sessions idle for at least ttl.
func NewSessionReaper(relay IdleReaper, logger *zap.Logger, interval, ttl time.Duration) *SessionReaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionReaper{
		relay:    relay,
		log:      logger,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loop.
func (w *SessionReaper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("session reaper started",
		zap.Duration("interval", w.interval),
		zap.Duration("ttl", w.ttl))
}

// Stop signals the loop to stop and waits for it to finish.  It is safe to
// call more than once.
func (w *SessionReaper) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.log.Info("session reaper stopped")
}

func (w *SessionReaper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reap()
		}
	}
}

func (w *SessionReaper) reap() {
	closed := w.relay.ReapIdle(w.ttl)
	if len(closed) > 0 {
		w.log.Info("closed idle sessions", zap.Int("count", len(closed)), zap.Strings("tokens", closed))
	}
}
