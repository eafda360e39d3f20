package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hit is the outcome of recording one request in a window.
type Hit struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Counter records requests per key in a sliding window of length window and
// allows at most limit of them. Denied requests are not recorded.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Hit, error)
}

// MemoryWindow is a per-process sliding log. A timestamp expires once it is
// exactly window old.
type MemoryWindow struct {
	mu   sync.Mutex
	logs map[string][]time.Time
	now  func() time.Time
}

// NewMemoryWindow creates an empty in-memory window.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		logs: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Hit records a request for key if the window has room.
func (w *MemoryWindow) Hit(_ context.Context, key string, limit int, window time.Duration) (Hit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	log := prune(w.logs[key], now.Add(-window))

	if len(log) >= limit {
		w.logs[key] = log
		retry := time.Duration(0)
		if len(log) > 0 {
			retry = log[0].Add(window).Sub(now)
		}
		return Hit{Allowed: false, RetryAfter: retry}, nil
	}

	log = append(log, now)
	w.logs[key] = log
	return Hit{Allowed: true, Remaining: limit - len(log)}, nil
}

// Sweep drops keys with no request newer than maxAge and returns how many
// were removed.
func (w *MemoryWindow) Sweep(maxAge time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-maxAge)
	removed := 0
	for key, log := range w.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(w.logs, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.logs)
}

// prune drops timestamps at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Sweeper is anything that can drop idle state.
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, name string, s Sweeper, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(maxAge); n > 0 {
				slog.Debug("swept idle admission state", "sweeper", name, "removed", n)
			}
		}
	}
}
