package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically purges expired refresh tokens and oauth states.
type Sweeper struct {
	store    *Store
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	exited   chan struct{}
}

func NewSweeper(s *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: s, interval: interval}
}

// Start begins the background ticker.
func (sw *Sweeper) Start() {
	sw.ticker = time.NewTicker(sw.interval)
	sw.done = make(chan struct{})
	sw.exited = make(chan struct{})
	go sw.run()
	slog.Info("session sweeper started", "interval", sw.interval)
}

// Stop halts the ticker and waits for the loop to exit.
func (sw *Sweeper) Stop() {
	if sw.ticker != nil {
		sw.ticker.Stop()
	}
	if sw.done != nil {
		close(sw.done)
		<-sw.exited
		sw.done = nil
	}
}

func (sw *Sweeper) run() {
	defer close(sw.exited)
	for {
		select {
		case <-sw.done:
			return
		case <-sw.ticker.C:
			sw.sweep()
		}
	}
}

func (sw *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := sw.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		slog.Error("purge expired sessions", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("purged expired sessions", "count", n)
	}
}
