// Package dedup suppresses re-processing of frames delivered more than once
// within a bounded time window. It is a best-effort filter, not an
// exactly-once guarantee: a duplicate arriving after its entry expired is
// accepted again, which is a deliberate bounded-memory trade-off.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const DefaultWindow = 5 * time.Minute

// Deduplicator is a time-windowed signature cache safe for concurrent use.
type Deduplicator struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	window    time.Duration
	lastSweep time.Time
	nowFn     func() time.Time
}

// New creates a deduplicator with the given retention window; zero or
// negative falls back to DefaultWindow.
func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		nowFn:  time.Now,
	}
}

// ShouldProcess reports whether a signature is being seen for the first time
// within the retention window, recording it when it is. Expired entries are
// swept opportunistically; no background task is required.
func (d *Deduplicator) ShouldProcess(signature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	d.sweepLocked(now)

	if firstSeen, ok := d.seen[signature]; ok && now.Sub(firstSeen) < d.window {
		return false
	}
	d.seen[signature] = now
	return true
}

// Len reports the number of retained entries (for metrics and tests).
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// sweepLocked drops expired entries. Runs at most once per quarter-window so
// a hot path mostly pays for a map lookup. Expiry is advisory cleanup, not a
// correctness requirement.
func (d *Deduplicator) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.window/4 {
		return
	}
	d.lastSweep = now
	cutoff := now.Add(-d.window)
	for sig, firstSeen := range d.seen {
		if firstSeen.Before(cutoff) {
			delete(d.seen, sig)
		}
	}
}

// Signature derives the dedup key for a frame from the identifying tuple.
// The content term covers ciphertext for encrypted frames and plaintext for
// the degraded unencrypted mode.
func Signature(senderID, chatID, content, clientTempID string, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d", senderID, chatID, content, clientTempID, ts.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}
