package notifications

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	closeWriteWait   = 5 * time.Second
	maxFrameSize     = 1 << 20 // 1 MiB
)

// wsConn pairs a websocket connection with a flag marking closes we
// initiated ourselves, so they are reported as clean.
type wsConn struct {
	*websocket.Conn
	requested atomic.Bool
}

// PushTransport owns exactly one logical push connection at a time.
//
// Connect is asynchronous: the outcome is reported through the registered
// hooks, never through a return value. Multiple listeners may be registered
// per hook; each registration returns an unregister func, so a health-check
// listener and a message listener can coexist without evicting each other.
type PushTransport struct {
	mu         sync.Mutex
	endpoint   string
	dialer     websocket.Dialer
	conn       *wsConn
	connecting bool
	closed     bool
	gen        uint64

	nextHookID int
	openHooks  map[int]func()
	msgHooks   map[int]func(Notification)
	errHooks   map[int]func(error)
	closeHooks map[int]func(wasClean bool)

	log *zap.Logger
}

// NewPushTransport constructs a transport targeting the given ws/wss URL.
func NewPushTransport(endpoint string, log *zap.Logger) *PushTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &PushTransport{
		endpoint:   endpoint,
		dialer:     websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		openHooks:  make(map[int]func()),
		msgHooks:   make(map[int]func(Notification)),
		errHooks:   make(map[int]func(error)),
		closeHooks: make(map[int]func(wasClean bool)),
		log:        log,
	}
}

// ValidatePushURL reports whether the URL is a usable ws/wss endpoint.
func ValidatePushURL(endpoint string) error {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return fmt.Errorf("notifications: parse push url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("notifications: push url %q must be ws or wss", endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("notifications: push url %q has no host", endpoint)
	}
	return nil
}

// SetEndpoint reconfigures the target URL. Takes effect on the next Connect.
func (t *PushTransport) SetEndpoint(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = endpoint
}

// IsConnected reports whether a connection is currently established.
func (t *PushTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// OnOpen registers a hook fired when a connection is established.
func (t *PushTransport) OnOpen(fn func()) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextHookID
	t.nextHookID++
	t.openHooks[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.openHooks, id)
	}
}

// OnMessage registers a hook fired for every inbound notification frame.
func (t *PushTransport) OnMessage(fn func(Notification)) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextHookID
	t.nextHookID++
	t.msgHooks[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.msgHooks, id)
	}
}

// OnError registers a hook fired when a connection attempt fails.
func (t *PushTransport) OnError(fn func(error)) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextHookID
	t.nextHookID++
	t.errHooks[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.errHooks, id)
	}
}

// OnClose registers a hook fired when an established connection ends.
// wasClean is false for abnormal closes (no close frame, or an unexpected
// close code); closes requested through Disconnect are always clean.
func (t *PushTransport) OnClose(fn func(wasClean bool)) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextHookID
	t.nextHookID++
	t.closeHooks[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.closeHooks, id)
	}
}

// Connect initiates a connection attempt. A no-op while connected or while
// an attempt is already in flight.
func (t *PushTransport) Connect() {
	t.mu.Lock()
	if t.closed || t.conn != nil || t.connecting {
		t.mu.Unlock()
		return
	}
	t.connecting = true
	t.gen++
	gen := t.gen
	endpoint := t.endpoint
	t.mu.Unlock()

	go t.dial(gen, endpoint)
}

// Disconnect closes the active connection, if any, and aborts any in-flight
// connection attempt. Idempotent.
func (t *PushTransport) Disconnect() error {
	t.mu.Lock()
	t.gen++ // invalidates an in-flight dial
	t.connecting = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.requested.Store(true)

	deadline := time.Now().Add(closeWriteWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := conn.WriteControl(websocket.CloseMessage, message, deadline)
	return multierr.Append(werr, conn.Close())
}

// Close disconnects and makes the transport refuse further Connect calls.
// Used at subscription teardown so a racing probe cannot resurrect the
// connection.
func (t *PushTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Disconnect()
}

func (t *PushTransport) dial(gen uint64, endpoint string) {
	socket, _, err := t.dialer.Dial(endpoint, nil)

	t.mu.Lock()
	if gen != t.gen {
		// Superseded by Disconnect or a reconfigured Connect.
		t.mu.Unlock()
		if err == nil {
			_ = socket.Close()
		}
		return
	}
	t.connecting = false

	if err != nil {
		hooks := collectHooks(t.errHooks)
		t.mu.Unlock()
		t.log.Debug("push connect failed", zap.String("endpoint", endpoint), zap.Error(err))
		for _, hook := range hooks {
			hook(err)
		}
		return
	}

	conn := &wsConn{Conn: socket}
	conn.SetReadLimit(maxFrameSize)
	t.conn = conn
	hooks := collectHooks(t.openHooks)
	t.mu.Unlock()

	t.log.Debug("push connected", zap.String("endpoint", endpoint))
	for _, hook := range hooks {
		hook()
	}

	go t.readLoop(conn)
}

func (t *PushTransport) readLoop(conn *wsConn) {
	for {
		var frame pushEnvelope
		if err := conn.ReadJSON(&frame); err != nil {
			t.finish(conn, err)
			return
		}

		if frame.Type != pushFrameNotification || frame.Notification == nil {
			continue
		}

		t.mu.Lock()
		if t.conn != conn {
			t.mu.Unlock()
			return
		}
		hooks := collectHooks(t.msgHooks)
		t.mu.Unlock()

		for _, hook := range hooks {
			hook(*frame.Notification)
		}
	}
}

func (t *PushTransport) finish(conn *wsConn, err error) {
	wasClean := conn.requested.Load() ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)

	t.mu.Lock()
	stale := t.conn != conn && !conn.requested.Load()
	if t.conn == conn {
		t.conn = nil
	}
	hooks := collectHooks(t.closeHooks)
	t.mu.Unlock()

	_ = conn.Close()
	if stale {
		return
	}

	if !wasClean {
		t.log.Debug("push connection ended abnormally", zap.Error(err))
	}
	for _, hook := range hooks {
		hook(wasClean)
	}
}

func collectHooks[T any](hooks map[int]T) []T {
	out := make([]T, 0, len(hooks))
	for _, hook := range hooks {
		out = append(out, hook)
	}
	return out
}
