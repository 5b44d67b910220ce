package delivery

import (
	"context"
	"time"
)

// Watcher polls a connectivity probe and reports offline-to-online edges.
type Watcher struct {
	probe       func(context.Context) bool
	interval    time.Duration
	onReconnect func()
	onChange    func(online bool)
}

func NewWatcher(probe func(context.Context) bool, interval time.Duration, onReconnect func(), onChange func(online bool)) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{probe: probe, interval: interval, onReconnect: onReconnect, onChange: onChange}
}

// Run blocks until ctx is done. The first probe only sets the baseline.
func (w *Watcher) Run(ctx context.Context) {
	online := w.probe(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := w.probe(ctx)
		if now == online {
			continue
		}
		online = now
		if w.onChange != nil {
			w.onChange(online)
		}
		if online && w.onReconnect != nil {
			w.onReconnect()
		}
	}
}
