package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlinkhq/chatlink-go/pkg/metrics"
)

// ConnectionState is the supervisor's delivery mode. Exactly one delivery
// mode is active at a time; every transition happens inside the supervisor
// mutex.
type ConnectionState int

const (
	// StateIdle means no subscription is active yet.
	StateIdle ConnectionState = iota
	// StateProbingPush means a push connection attempt is pending.
	StateProbingPush
	// StatePushActive means the push transport is confirmed healthy.
	StatePushActive
	// StatePollingActive means pull mode is in effect.
	StatePollingActive
	// StateClosed is terminal; the subscription has been torn down.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbingPush:
		return "probing_push"
	case StatePushActive:
		return "push_active"
	case StatePollingActive:
		return "polling_active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultPollInterval is the polling cadence unless overridden.
	DefaultPollInterval = 30 * time.Second

	defaultProbeTimeout    = 5 * time.Second
	defaultDebounceWindow  = 60 * time.Second
	defaultReprobeInterval = 5 * time.Minute

	pollPageSize = 20
)

// supervisor decides, at any moment, whether delivery is push-driven or
// poll-driven. It owns every timer and the watermark for one subscription.
type supervisor struct {
	userID    string
	handler   Handler
	client    *Client
	transport *PushTransport
	poll      *poller
	mark      *watermark
	log       *zap.Logger

	statusGate bool

	probeTimeout    time.Duration
	debounceWindow  time.Duration
	reprobeInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            ConnectionState
	probing          bool
	lastProbeFailure time.Time
	probeTimer       *time.Timer
	reprobeTimer     *time.Timer
	unhooks          []func()
}

func newSupervisor(client *Client, transport *PushTransport, mark *watermark, userID string, handler Handler, pollInterval time.Duration, statusGate bool, log *zap.Logger) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &supervisor{
		userID:          userID,
		handler:         handler,
		client:          client,
		transport:       transport,
		mark:            mark,
		log:             log,
		statusGate:      statusGate,
		probeTimeout:    defaultProbeTimeout,
		debounceWindow:  defaultDebounceWindow,
		reprobeInterval: defaultReprobeInterval,
		ctx:             ctx,
		cancel:          cancel,
		state:           StateIdle,
	}
	s.poll = newPoller(client, userID, pollInterval, mark, s.deliverFromPoll, log)
	return s
}

// start registers the transport hooks and kicks off the first probe.
func (s *supervisor) start() {
	s.unhooks = append(s.unhooks,
		s.transport.OnOpen(s.handleOpen),
		s.transport.OnError(s.handleConnectError),
		s.transport.OnClose(s.handleClose),
		s.transport.OnMessage(s.handleMessage),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	s.beginProbeLocked()
}

// close tears the subscription down: every timer stopped, every transport
// hook unregistered, the poll loop halted and the transport disconnected.
// Terminal and idempotent.
func (s *supervisor) close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.probing = false
	s.stopTimerLocked(&s.probeTimer)
	s.stopTimerLocked(&s.reprobeTimer)
	unhooks := s.unhooks
	s.unhooks = nil
	s.mu.Unlock()

	s.cancel()
	for _, unhook := range unhooks {
		unhook()
	}
	s.poll.stop()
	err := s.transport.Close()

	metrics.ActiveSubscriptions.Dec()
	s.log.Debug("subscription closed")
	return err
}

func (s *supervisor) currentState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginProbeLocked starts a push probe unless one recently failed, in which
// case delivery goes straight to polling. Repeated connects right after a
// failure would just add connection-storm load on a degraded network.
func (s *supervisor) beginProbeLocked() {
	if !s.lastProbeFailure.IsZero() && time.Since(s.lastProbeFailure) < s.debounceWindow {
		metrics.PushProbes.WithLabelValues("debounced").Inc()
		s.log.Debug("push probe debounced", zap.Time("last_failure", s.lastProbeFailure))
		s.startPollingLocked()
		return
	}

	s.probing = true
	if s.state == StateIdle {
		s.state = StateProbingPush
	}
	s.stopTimerLocked(&s.probeTimer)
	s.probeTimer = time.AfterFunc(s.probeTimeout, s.handleProbeTimeout)
	go s.attemptConnect()
}

// attemptConnect optionally consults the liveness probe endpoint before
// dialling. An unreachable probe endpoint is not fatal; the dial proceeds.
func (s *supervisor) attemptConnect() {
	if s.statusGate {
		available, err := s.client.PushStatus(s.ctx)
		if err == nil && !available {
			s.log.Debug("push transport reported unavailable")
			s.probeFailed()
			return
		}
		if err != nil {
			s.log.Debug("push status probe unreachable, dialling directly", zap.Error(err))
		}
	}
	if s.ctx.Err() != nil {
		return
	}
	s.transport.Connect()
}

func (s *supervisor) handleOpen() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.probing = false
	s.stopTimerLocked(&s.probeTimer)
	s.stopTimerLocked(&s.reprobeTimer)
	wasPolling := s.state == StatePollingActive
	s.state = StatePushActive
	s.mu.Unlock()

	metrics.PushProbes.WithLabelValues("success").Inc()
	s.poll.stop()
	if wasPolling {
		s.log.Info("push transport recovered, polling stopped")
	} else {
		s.log.Info("push transport active")
	}
}

func (s *supervisor) handleConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || !s.probing {
		return
	}
	s.probing = false
	s.lastProbeFailure = time.Now()
	s.stopTimerLocked(&s.probeTimer)

	metrics.PushProbes.WithLabelValues("failure").Inc()
	s.log.Debug("push probe failed", zap.Error(err))
	s.startPollingLocked()
}

// probeFailed records a failed probe without a transport error value.
func (s *supervisor) probeFailed() {
	s.handleConnectError(nil)
}

func (s *supervisor) handleProbeTimeout() {
	s.mu.Lock()
	if s.state == StateClosed || !s.probing {
		s.mu.Unlock()
		return
	}
	s.probing = false
	s.probeTimer = nil
	s.lastProbeFailure = time.Now()

	metrics.PushProbes.WithLabelValues("timeout").Inc()
	s.log.Debug("push probe timed out", zap.Duration("timeout", s.probeTimeout))
	s.startPollingLocked()
	s.mu.Unlock()

	// Abort the still-pending dial so a late success cannot leave a second
	// delivery mode running.
	_ = s.transport.Disconnect()
}

func (s *supervisor) handleClose(wasClean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePushActive {
		return
	}

	if !wasClean {
		metrics.TransportFailovers.Inc()
		s.lastProbeFailure = time.Now()
		s.log.Warn("push connection lost, falling back to polling")
	} else {
		s.log.Info("push connection closed, falling back to polling")
	}
	s.startPollingLocked()
}

// handleReprobe fires every reprobe interval while polling, retrying push in
// the background so delivery self-heals onto the cheaper transport.
func (s *supervisor) handleReprobe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePollingActive {
		return
	}

	s.stopTimerLocked(&s.reprobeTimer)
	s.reprobeTimer = time.AfterFunc(s.reprobeInterval, s.handleReprobe)

	if s.probing {
		return
	}
	if !s.lastProbeFailure.IsZero() && time.Since(s.lastProbeFailure) < s.debounceWindow {
		metrics.PushProbes.WithLabelValues("debounced").Inc()
		return
	}

	s.probing = true
	go s.attemptConnect()
}

func (s *supervisor) handleMessage(n Notification) {
	s.deliver(n, "push")
}

func (s *supervisor) deliverFromPoll(n Notification) {
	s.deliver(n, "poll")
}

// deliver advances the watermark and invokes the subscriber callback. The
// watermark moves on every delivery regardless of source, so polling never
// re-surfaces something push already delivered.
func (s *supervisor) deliver(n Notification, source string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.mark.advance(n.CreatedAt)
	handler := s.handler
	s.mu.Unlock()

	metrics.NotificationsDelivered.WithLabelValues(source).Inc()
	handler(n)
}

func (s *supervisor) startPollingLocked() {
	s.state = StatePollingActive
	s.poll.start()
	s.stopTimerLocked(&s.reprobeTimer)
	s.reprobeTimer = time.AfterFunc(s.reprobeInterval, s.handleReprobe)
}

func (s *supervisor) stopTimerLocked(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
