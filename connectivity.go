package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectivityWatcher tracks whether the backend is reachable and drains
// the offline queue whenever the state goes from offline to online.
type ConnectivityWatcher struct {
	queue  *MutationQueue
	logger *slog.Logger
	sink   Sink
	wg     sync.WaitGroup
	mu     sync.Mutex
	online bool
}

// WatcherOption is a functional option for configuring a ConnectivityWatcher.
type WatcherOption func(*ConnectivityWatcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *ConnectivityWatcher) {
		w.logger = logger
	}
}

// WithWatcherSink sets the watcher's monitoring sink.
func WithWatcherSink(sink Sink) WatcherOption {
	return func(w *ConnectivityWatcher) {
		w.sink = sink
	}
}

// WithInitialState sets the state assumed before the first update.
// Default: online
func WithInitialState(online bool) WatcherOption {
	return func(w *ConnectivityWatcher) {
		w.online = online
	}
}

// NewConnectivityWatcher creates a watcher that replays queue on reconnect.
func NewConnectivityWatcher(queue *MutationQueue, opts ...WatcherOption) *ConnectivityWatcher {
	w := &ConnectivityWatcher{
		queue:  queue,
		logger: slog.Default(),
		sink:   NopSink{},
		online: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.sink == nil {
		w.sink = NopSink{}
	}
	return w
}

// Online reports the last known state.
func (w *ConnectivityWatcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// SetOnline records the connectivity state. A transition from offline to
// online starts a drain in the background; it is not tied to ctx's
// cancellation, only to its values. Use Wait to block until it finishes.
func (w *ConnectivityWatcher) SetOnline(ctx context.Context, online bool) {
	w.mu.Lock()
	was := w.online
	w.online = online
	w.mu.Unlock()

	if was == online {
		return
	}

	w.logger.Info("connectivity changed", "online", online)
	safeRecord(w.sink, EventConnectivity, Properties{"online": online})

	if online && w.queue != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.replay(context.WithoutCancel(ctx))
		}()
	}
}

func (w *ConnectivityWatcher) replay(ctx context.Context) {
	res, started, err := w.queue.TryDrain(ctx)
	if !started {
		w.logger.Debug("drain already running, skipping")
		return
	}
	if err != nil {
		w.logger.Warn("replay after reconnect stopped",
			"replayed", len(res.Succeeded),
			"error", err)
		return
	}
	w.logger.Info("replay after reconnect finished", "replayed", len(res.Succeeded))
}

// Run calls probe every interval and feeds the result to SetOnline until
// ctx is done. A nil probe error means online.
func (w *ConnectivityWatcher) Run(ctx context.Context, interval time.Duration, probe func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("connectivity probe interval must be positive, got %s", interval)
	}
	if probe == nil {
		return errors.New("connectivity probe is nil")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.SetOnline(ctx, err == nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until background drains started by SetOnline have finished.
func (w *ConnectivityWatcher) Wait() {
	w.wg.Wait()
}
