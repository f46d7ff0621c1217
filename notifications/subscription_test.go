package notifications_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatlinkhq/chatlink-go/internal/collabtest"
	"github.com/chatlinkhq/chatlink-go/notifications"
)

type handlerRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *handlerRecorder) handle(n notifications.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, n.ID)
}

func (r *handlerRecorder) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *handlerRecorder) count() int {
	return len(r.delivered())
}

func waitForState(t *testing.T, sub *notifications.Subscription, want notifications.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sub.State() == want
	}, 3*time.Second, 10*time.Millisecond, "expected state %s, still %s", want, sub.State())
}

func TestSubscribeFailsFastOnBadInput(t *testing.T) {
	rec := &handlerRecorder{}

	_, err := notifications.Subscribe("u1", nil, notifications.WithBaseURL("https://api.example.com"))
	require.Error(t, err, "nil handler")

	_, err = notifications.Subscribe("  ", rec.handle, notifications.WithBaseURL("https://api.example.com"))
	require.Error(t, err, "missing user id")

	_, err = notifications.Subscribe("u1", rec.handle)
	require.Error(t, err, "missing base url")

	_, err = notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL("https://api.example.com"),
		notifications.WithPushURL("https://not-a-socket.example.com"))
	require.Error(t, err, "push url must be ws or wss")

	_, err = notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL("https://api.example.com"),
		notifications.WithPollingInterval(-time.Second))
	require.Error(t, err, "negative polling interval")
}

func TestSubscriptionDeliversOverPush(t *testing.T) {
	server := collabtest.New(t)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(time.Hour))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePushActive)

	pushed := server.Push("u1", notifications.Notification{Type: "chat.message", Title: "hi"})
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{pushed.ID}, rec.delivered())
}

func TestProbeFailureFallsBackToPollingAndDeliversOnce(t *testing.T) {
	server := collabtest.New(t)
	server.SetAcceptWebSocket(false)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(30*time.Millisecond))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)

	added := server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "new"})
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{added.ID}, rec.delivered())

	// The same notification keeps coming back in list responses; the
	// watermark keeps it from being delivered again.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestProbeTimeoutFallsBackToPolling(t *testing.T) {
	server := collabtest.New(t)
	rec := &handlerRecorder{}

	// A listener that accepts and then never completes the websocket
	// handshake, so only the probe timeout can end the probe.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()
	t.Cleanup(func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, conn := range held {
			_ = conn.Close()
		}
	})

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL("ws://"+listener.Addr().String()),
		notifications.WithProbeTimeout(100*time.Millisecond),
		notifications.WithPollingInterval(30*time.Millisecond))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)
}

func TestUncleanCloseFailsOverWithoutRedelivery(t *testing.T) {
	server := collabtest.New(t)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(30*time.Millisecond),
		notifications.WithReprobeInterval(time.Hour))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePushActive)

	pushed := server.Push("u1", notifications.Notification{Type: "t", Title: "via push"})
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.DropConnections()
	waitForState(t, sub, notifications.StatePollingActive)

	// The push-delivered notification is still in every list response, but
	// the watermark already covers it; only the new one arrives.
	added := server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "via poll"})
	require.Eventually(t, func() bool {
		return rec.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{pushed.ID, added.ID}, rec.delivered())
}

func TestBackgroundReprobeSelfHeals(t *testing.T) {
	server := collabtest.New(t)
	server.SetAcceptWebSocket(false)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(25*time.Millisecond),
		notifications.WithDebounceWindow(time.Millisecond),
		notifications.WithReprobeInterval(50*time.Millisecond))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)

	server.SetAcceptWebSocket(true)
	waitForState(t, sub, notifications.StatePushActive)

	// Polling must be silenced once push takes over.
	settled := server.ListCalls()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, settled, server.ListCalls())
}

func TestDebounceSuppressesProbesWithinWindow(t *testing.T) {
	server := collabtest.New(t)
	server.SetAcceptWebSocket(false)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(time.Hour),
		notifications.WithDebounceWindow(10*time.Second),
		notifications.WithReprobeInterval(40*time.Millisecond))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)
	require.Equal(t, 1, server.PushAttempts())

	// Re-probe timers keep firing, but every attempt lands inside the
	// debounce window and is suppressed.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, server.PushAttempts())
}

func TestProbeResumesAfterDebounceWindow(t *testing.T) {
	server := collabtest.New(t)
	server.SetAcceptWebSocket(false)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(time.Hour),
		notifications.WithDebounceWindow(100*time.Millisecond),
		notifications.WithReprobeInterval(40*time.Millisecond))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)

	require.Eventually(t, func() bool {
		return server.PushAttempts() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStatusGateSkipsDialWhenUnavailable(t *testing.T) {
	server := collabtest.New(t)
	server.SetPushAvailable(false)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithStatusGate(true),
		notifications.WithPollingInterval(time.Hour))
	require.NoError(t, err)
	defer sub.Stop()

	waitForState(t, sub, notifications.StatePollingActive)
	require.Equal(t, 0, server.PushAttempts(), "gate must prevent the dial entirely")
}

func TestTeardownIsIdempotent(t *testing.T) {
	server := collabtest.New(t)
	rec := &handlerRecorder{}

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(30*time.Millisecond))
	require.NoError(t, err)

	waitForState(t, sub, notifications.StatePushActive)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	sub.Stop()
	require.Equal(t, notifications.StateClosed, sub.State())

	require.Eventually(t, func() bool {
		return server.ConnectionCount("u1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing delivered after teardown, from either source.
	server.Push("u1", notifications.Notification{Type: "t", Title: "late push"})
	server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "late add"})
	listCalls := server.ListCalls()
	time.Sleep(150 * time.Millisecond)
	require.Zero(t, rec.count())
	require.Equal(t, listCalls, server.ListCalls(), "no poll ticks after teardown")
}

func TestTeardownDuringInFlightFetchDropsResult(t *testing.T) {
	server := collabtest.New(t)
	server.SetAcceptWebSocket(false)
	rec := &handlerRecorder{}

	server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "pending"})
	server.SetListDelay(150 * time.Millisecond)

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithSince(time.Now().Add(-time.Hour)),
		notifications.WithPollingInterval(30*time.Millisecond))
	require.NoError(t, err)

	waitForState(t, sub, notifications.StatePollingActive)
	require.Eventually(t, func() bool {
		return server.ListCalls() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The first fetch is still sleeping server-side; tear down now.
	sub.Stop()

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, rec.count(), "in-flight fetch result must be discarded")
}

func TestSubscriptionStorePassthroughs(t *testing.T) {
	server := collabtest.New(t)
	rec := &handlerRecorder{}

	a := server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "a"})
	server.Add(notifications.Notification{UserID: "u1", Type: "t", Title: "b"})

	sub, err := notifications.Subscribe("u1", rec.handle,
		notifications.WithBaseURL(server.URL()),
		notifications.WithPushURL(server.PushURL("u1")),
		notifications.WithPollingInterval(time.Hour))
	require.NoError(t, err)
	defer sub.Stop()

	ctx := context.Background()
	count, err := sub.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	updated, err := sub.MarkRead(ctx, []string{a.ID})
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	updated, err = sub.MarkAllRead(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	count, err = sub.UnreadCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NotEmpty(t, sub.ID())
}
