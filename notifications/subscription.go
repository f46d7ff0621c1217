package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlinkhq/chatlink-go/pkg/logger"
	"github.com/chatlinkhq/chatlink-go/pkg/metrics"
	"github.com/chatlinkhq/chatlink-go/pkg/validator"
)

// settings collects everything Subscribe needs; options mutate it before it
// is validated. Misconfiguration is a programmer error and fails fast.
type settings struct {
	UserID       string        `json:"user_id" validate:"required"`
	BaseURL      string        `json:"base_url" validate:"required,url"`
	PushURL      string        `json:"push_url"`
	PollInterval time.Duration `json:"poll_interval"`
	Since        time.Time     `json:"since"`

	token      string
	statusGate bool
	httpc      *http.Client
	log        *zap.Logger

	probeTimeout    time.Duration
	debounceWindow  time.Duration
	reprobeInterval time.Duration
}

// Option customises a subscription.
type Option func(*settings)

// WithBaseURL sets the notification API base URL.
func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		s.BaseURL = strings.TrimSpace(baseURL)
	}
}

// WithPushURL overrides the push transport endpoint. When unset, the
// endpoint is derived from the base URL as {ws|wss}://host/notifications/{userId}.
func WithPushURL(pushURL string) Option {
	return func(s *settings) {
		s.PushURL = strings.TrimSpace(pushURL)
	}
}

// WithPollingInterval overrides the default 30s polling cadence.
func WithPollingInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.PollInterval = interval
	}
}

// WithSince sets the initial delivery watermark. Notifications created at or
// before this instant are never delivered. Defaults to the subscribe time.
func WithSince(since time.Time) Option {
	return func(s *settings) {
		s.Since = since
	}
}

// WithAuthToken attaches a bearer token to store calls.
func WithAuthToken(token string) Option {
	return func(s *settings) {
		s.token = token
	}
}

// WithStatusGate consults the backend's /websocket-status endpoint before
// each push probe. An unreachable status endpoint falls back to dialling.
func WithStatusGate(enabled bool) Option {
	return func(s *settings) {
		s.statusGate = enabled
	}
}

// WithHTTPClient replaces the HTTP client used for store calls.
func WithHTTPClient(httpc *http.Client) Option {
	return func(s *settings) {
		s.httpc = httpc
	}
}

// WithProbeTimeout overrides how long a push probe may wait for the
// connection to open before polling takes over. Defaults to 5s.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.probeTimeout = timeout
	}
}

// WithDebounceWindow overrides the cool-down after a failed push probe
// during which no further probe is attempted. Defaults to 60s.
func WithDebounceWindow(window time.Duration) Option {
	return func(s *settings) {
		s.debounceWindow = window
	}
}

// WithReprobeInterval overrides how often push is re-attempted in the
// background while polling. Defaults to 5m.
func WithReprobeInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.reprobeInterval = interval
	}
}

// WithLogger replaces the package-global logger for this subscription.
func WithLogger(log *zap.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// Subscription is the caller-facing handle for one delivery stream. It owns
// its supervisor, timers and watermark; concurrent subscriptions share
// nothing.
type Subscription struct {
	id     string
	userID string
	client *Client
	sup    *supervisor
	log    *zap.Logger

	stopOnce sync.Once
	stopErr  error
}

// Subscribe establishes notification delivery for the user, invoking handler
// once per notification. Push is attempted first; polling covers the rest.
// The returned handle's Close is the single teardown entry point.
func Subscribe(userID string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("notifications: handler is required")
	}

	cfg := settings{
		UserID:       strings.TrimSpace(userID),
		PollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validator.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("notifications: invalid subscription: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("notifications: polling interval must be positive")
	}
	if cfg.PushURL == "" {
		derived, err := derivePushURL(cfg.BaseURL, cfg.UserID)
		if err != nil {
			return nil, err
		}
		cfg.PushURL = derived
	}
	if err := ValidatePushURL(cfg.PushURL); err != nil {
		return nil, err
	}
	if cfg.Since.IsZero() {
		cfg.Since = time.Now()
	}

	clientOpts := []ClientOption{}
	if cfg.token != "" {
		clientOpts = append(clientOpts, WithToken(cfg.token))
	}
	if cfg.httpc != nil {
		clientOpts = append(clientOpts, WithClientHTTP(cfg.httpc))
	}
	client, err := NewClient(cfg.BaseURL, clientOpts...)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := cfg.log
	if log == nil {
		log = logger.Logger()
	}
	log = log.With(zap.String("component", "notifications"), zap.String("subscription_id", id))

	transport := NewPushTransport(cfg.PushURL, log)
	mark := newWatermark(cfg.Since)
	sup := newSupervisor(client, transport, mark, cfg.UserID, handler, cfg.PollInterval, cfg.statusGate, log)
	if cfg.probeTimeout > 0 {
		sup.probeTimeout = cfg.probeTimeout
	}
	if cfg.debounceWindow > 0 {
		sup.debounceWindow = cfg.debounceWindow
	}
	if cfg.reprobeInterval > 0 {
		sup.reprobeInterval = cfg.reprobeInterval
	}

	sub := &Subscription{
		id:     id,
		userID: cfg.UserID,
		client: client,
		sup:    sup,
		log:    log,
	}

	metrics.ActiveSubscriptions.Inc()
	sup.start()
	log.Debug("subscription started", zap.String("user_id", cfg.UserID))
	return sub, nil
}

// ID returns the subscription's correlation id, as used in log fields.
func (s *Subscription) ID() string {
	return s.id
}

// State reports the supervisor's current delivery mode.
func (s *Subscription) State() ConnectionState {
	return s.sup.currentState()
}

// UnreadCount returns the user's unread count from the store.
func (s *Subscription) UnreadCount(ctx context.Context) (int, error) {
	return s.client.UnreadCount(ctx, s.userID)
}

// MarkRead marks the given notifications as read.
func (s *Subscription) MarkRead(ctx context.Context, ids []string) (int, error) {
	return s.client.MarkRead(ctx, ids)
}

// MarkAllRead marks every notification for the subscribed user as read.
func (s *Subscription) MarkAllRead(ctx context.Context) (int, error) {
	return s.client.MarkAllRead(ctx, s.userID)
}

// Close tears the subscription down: transport hooks unregistered, poll loop
// stopped, timers cleared and the push connection closed. Safe to call any
// number of times; calls after the first return the first call's result and
// do nothing else.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.sup.close()
	})
	return s.stopErr
}

// Stop is Close for callers that treat teardown as infallible.
func (s *Subscription) Stop() {
	_ = s.Close()
}

func derivePushURL(baseURL, userID string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("notifications: parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("notifications: cannot derive push url from scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/notifications/" + url.PathEscape(userID)
	parsed.RawQuery = ""
	return parsed.String(), nil
}
