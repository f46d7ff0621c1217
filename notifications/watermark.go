package notifications

import (
	"sync"
	"time"
)

// watermark tracks the created-at timestamp of the most recently delivered
// notification for one subscription. It only ever moves forward; polling uses
// it to skip anything already surfaced, whichever transport surfaced it.
type watermark struct {
	mu sync.Mutex
	ts time.Time
}

func newWatermark(start time.Time) *watermark {
	return &watermark{ts: start}
}

// newer reports whether ts is strictly past the watermark.
func (w *watermark) newer(ts time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ts.After(w.ts)
}

// advance moves the watermark forward to ts. Older timestamps are ignored,
// so the watermark never regresses.
func (w *watermark) advance(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts.After(w.ts) {
		w.ts = ts
	}
}

func (w *watermark) value() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ts
}
