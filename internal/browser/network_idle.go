// internal/browser/network_idle.go
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

const (
	defaultNetworkIdle        = 500 * time.Millisecond
	networkIdleCheckFrequency = 50 * time.Millisecond
)

// networkWatcher counts a tab's in-flight requests from its CDP network events.
type networkWatcher struct {
	logger *zap.Logger

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newNetworkWatcher(logger *zap.Logger) *networkWatcher {
	return &networkWatcher{
		logger:   logger,
		inflight: make(map[network.RequestID]struct{}),
	}
}

// handle is registered with chromedp.ListenTarget and must not block.
func (w *networkWatcher) handle(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		// data: URLs never produce a loading event.
		if ev.Request != nil && strings.HasPrefix(ev.Request.URL, "data:") {
			return
		}
		w.mu.Lock()
		// A redirect reuses its request ID, so the map keeps it counted once.
		w.inflight[ev.RequestID] = struct{}{}
		w.lastActivity = time.Now()
		w.mu.Unlock()
	case *network.EventLoadingFinished:
		w.done(ev.RequestID)
	case *network.EventLoadingFailed:
		w.done(ev.RequestID)
	}
}

func (w *networkWatcher) done(id network.RequestID) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// state reports the in-flight count and when the last request started or ended.
func (w *networkWatcher) state() (int, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight), w.lastActivity
}

// waitIdle blocks until nothing has been in flight for the quiet period. The
// period counts from the later of the call and the last network activity, so
// a request that starts shortly after a click is still waited for.
func (w *networkWatcher) waitIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = defaultNetworkIdle
	}
	w.logger.Debug("Waiting for network to become idle.")

	start := time.Now()
	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			active, last := w.state()
			if active > 0 {
				continue
			}
			if last.Before(start) {
				last = start
			}
			if now.Sub(last) >= quiet {
				w.logger.Debug("Network is idle.")
				return nil
			}
		}
	}
}
