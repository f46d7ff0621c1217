package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlinkhq/chatlink-go/pkg/metrics"
)

// notificationLister is the slice of the store client the poller needs.
type notificationLister interface {
	List(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// poller repeatedly fetches recent notifications and hands anything past the
// watermark to its sink, oldest first. Fetch failures skip the tick; the next
// tick retries.
type poller struct {
	store    notificationLister
	userID   string
	interval time.Duration
	limit    int
	mark     *watermark
	sink     func(Notification)
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newPoller(store notificationLister, userID string, interval time.Duration, mark *watermark, sink func(Notification), log *zap.Logger) *poller {
	return &poller{
		store:    store,
		userID:   userID,
		interval: interval,
		limit:    pollPageSize,
		mark:     mark,
		sink:     sink,
		log:      log,
	}
}

// start launches the poll loop. A no-op if already running.
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

// stop halts the loop. A no-op if already stopped. An in-flight fetch is
// cancelled and its result discarded.
func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.cancel = nil
}

func (p *poller) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *poller) loop(ctx context.Context) {
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The fetch runs on this goroutine, so a tick that fires while a
			// fetch is still in flight is dropped by the ticker.
			p.pollOnce(ctx)
		}
	}
}

func (p *poller) pollOnce(ctx context.Context) {
	items, err := p.store.List(ctx, p.userID, p.limit)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metrics.PollFetches.WithLabelValues("error").Inc()
		p.log.Debug("poll fetch failed, skipping tick", zap.Error(err))
		return
	}
	metrics.PollFetches.WithLabelValues("ok").Inc()

	fresh := make([]Notification, 0, len(items))
	for _, n := range items {
		if n.Read || !p.mark.newer(n.CreatedAt) {
			continue
		}
		fresh = append(fresh, n)
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})

	for _, n := range fresh {
		if ctx.Err() != nil {
			return
		}
		p.sink(n)
	}
}
