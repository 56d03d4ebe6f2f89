// Package session – session.go owns the one live client instance: launch
// attempts with backoff, event handling, the post-ready helper verification
// probe, and explicit restart.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// Config tunes the session lifecycle.
type Config struct {
	// DataDir is the browser profile / session storage directory that lock
	// recovery sweeps before each launch.
	DataDir string `yaml:"data_dir"`

	// MaxLaunchAttempts caps consecutive failed launches before automatic
	// retries stop. A successful launch or an explicit restart resets the
	// counter. Default 5.
	MaxLaunchAttempts int `yaml:"max_launch_attempts"`

	// BackoffBase and BackoffCap shape the launch retry delay:
	// min(base * 2^(attempt-1), cap). Defaults 2s / 60s.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// RelaunchDelay is the pause before relaunching after the account was
	// unlinked remotely. Default 5s.
	RelaunchDelay time.Duration `yaml:"relaunch_delay"`

	// ReadyProbeTimeout bounds the lightweight read probe. Default 5s.
	ReadyProbeTimeout time.Duration `yaml:"ready_probe_timeout"`

	// VerifyDelay, VerifyAttempts and VerifySpacing control the helper
	// verification loop run after the ready event. Defaults 1s / 3 / 3s.
	VerifyDelay    time.Duration `yaml:"verify_delay"`
	VerifyAttempts int           `yaml:"verify_attempts"`
	VerifySpacing  time.Duration `yaml:"verify_spacing"`

	// WaitReadyTimeout is the default bound for WaitUntilReady. Default 30s.
	WaitReadyTimeout time.Duration `yaml:"wait_ready_timeout"`

	// Recovery tunes lock & process cleanup.
	Recovery RecoveryConfig `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./whatsapp-session"
	}
	if c.MaxLaunchAttempts <= 0 {
		c.MaxLaunchAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.RelaunchDelay <= 0 {
		c.RelaunchDelay = 5 * time.Second
	}
	if c.ReadyProbeTimeout <= 0 {
		c.ReadyProbeTimeout = 5 * time.Second
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = time.Second
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 3
	}
	if c.VerifySpacing <= 0 {
		c.VerifySpacing = 3 * time.Second
	}
	if c.WaitReadyTimeout <= 0 {
		c.WaitReadyTimeout = 30 * time.Second
	}
}

// Status is a snapshot of the session for the status endpoint.
type Status struct {
	State            State  `json:"state"`
	Authenticated    bool   `json:"authenticated"`
	Ready            bool   `json:"ready"`
	HelpersVerified  bool   `json:"helpersVerified"`
	LaunchAttempts   int    `json:"launchAttempts"`
	HasQR            bool   `json:"hasQR"`
	PermanentFailure bool   `json:"permanentFailure"`
	LastError        string `json:"lastError,omitempty"`
}

// MessageHandler receives inbound messages. It runs on its own goroutine so
// it never blocks event delivery.
type MessageHandler func(ctx context.Context, msg waclient.Message)

// Session is the explicitly owned session object with a
// start/stop/restart API.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	factory  waclient.Factory
	recovery *Recovery

	mu               sync.Mutex
	state            State
	client           waclient.Client
	qr               string
	helpersVerified  bool
	transportDown    bool
	attempts         int
	generation       int
	retryTimer       *time.Timer
	launchInFlight   bool
	permanentFailure bool
	lastError        string
	onMessage        MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a session around the client factory. Nothing is launched until
// Start.
func New(cfg Config, factory waclient.Factory, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		factory:  factory,
		recovery: NewRecovery(cfg.Recovery, logger),
		state:    StateUninitialized,
	}
}

// OnMessage registers the inbound message handler. Must be called before
// Start.
func (s *Session) OnMessage(h MessageHandler) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

// Start begins the first launch sequence. It returns immediately; progress
// is observable through Status.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	go s.launch()
}

// Stop cancels timers and tears the client down.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	client := s.client
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Stop(context.Background())
	}
}

// Restart cancels any pending scheduled relaunch, forcibly tears down the
// current session, resets the attempt counter and starts a fresh launch.
func (s *Session) Restart() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	old := s.client
	s.client = nil
	s.attempts = 0
	// Invalidate any launch attempt already in flight. It will notice the
	// generation change when it completes and hand over to a fresh launch.
	s.generation++
	s.permanentFailure = false
	s.transportDown = false
	s.helpersVerified = false
	s.qr = ""
	s.state = StateUninitialized
	s.lastError = ""
	s.mu.Unlock()

	if old != nil {
		_ = old.Stop(context.Background())
	}
	s.logger.Info("restart requested, relaunching")
	go s.launch()
}

// launch runs one launch attempt. Only one may be in flight at a time.
func (s *Session) launch() {
	s.mu.Lock()
	if s.launchInFlight || s.permanentFailure {
		s.mu.Unlock()
		return
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.launchInFlight = true
	s.attempts++
	attempt := s.attempts
	gen := s.generation
	old := s.client
	s.client = nil
	if ClearsQR(s.state, StateLaunching) {
		s.qr = ""
	}
	s.state = StateLaunching
	s.transportDown = false
	s.helpersVerified = false
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("launching session", slog.Int("attempt", attempt))

	if old != nil {
		_ = old.Stop(context.Background())
	}

	s.recovery.Clean(ctx, s.cfg.DataDir)

	client, err := s.factory(ctx)
	if err != nil {
		s.launchFailed(gen, attempt, err)
		return
	}

	// Handlers must be registered before the client starts so no early
	// lifecycle event is lost.
	client.SetHandler(s.handleEvent)

	s.mu.Lock()
	if s.generation != gen {
		// A restart arrived mid-launch. Discard this client and run the
		// launch the restart asked for.
		s.launchInFlight = false
		s.mu.Unlock()
		_ = client.Stop(context.Background())
		go s.launch()
		return
	}
	s.client = client
	s.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		s.launchFailed(gen, attempt, err)
		return
	}

	s.mu.Lock()
	stale := s.generation != gen
	s.launchInFlight = false
	s.mu.Unlock()
	if stale {
		_ = client.Stop(context.Background())
		go s.launch()
	}
}

// launchFailed classifies the error and schedules a retry with exponential
// backoff, or halts after the attempt cap. Failures of a launch attempt that
// a restart has since invalidated are dropped in favor of the fresh launch.
func (s *Session) launchFailed(gen, attempt int, err error) {
	profileLock := errors.Is(err, waclient.ErrProfileLocked)

	s.mu.Lock()
	s.launchInFlight = false
	stale := s.generation != gen
	if !stale {
		s.state = StateUninitialized
		s.lastError = err.Error()
	}
	max := s.cfg.MaxLaunchAttempts
	s.mu.Unlock()

	if stale {
		go s.launch()
		return
	}

	if profileLock {
		s.logger.Warn("launch blocked by stale profile lock",
			slog.Int("attempt", attempt), slog.Any("error", err))
	} else {
		s.logger.Error("launch failed",
			slog.Int("attempt", attempt), slog.Any("error", err))
	}

	if attempt >= max {
		s.mu.Lock()
		s.permanentFailure = true
		s.mu.Unlock()
		s.logger.Error("launch failed permanently, automatic retries stopped",
			slog.Int("attempts", attempt),
			slog.String("hint", "an explicit restart is required"))
		return
	}

	delay := s.backoffDelay(attempt)
	s.logger.Info("scheduling launch retry", slog.Duration("delay", delay))
	s.scheduleLaunch(delay)
}

// backoffDelay computes min(base * 2^(attempt-1), cap).
func (s *Session) backoffDelay(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}

func (s *Session) scheduleLaunch(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.launch()
	})
}

// handleEvent consumes client lifecycle and message events and drives the
// state machine.
func (s *Session) handleEvent(evt waclient.Event) {
	switch e := evt.(type) {
	case waclient.QREvent:
		s.apply(EvQR, func() { s.qr = e.Code })
		s.logger.Info("qr code received, waiting for scan")

	case waclient.AuthenticatingEvent:
		s.apply(EvResuming, nil)
		s.logger.Info("resuming saved session")

	case waclient.AuthenticatedEvent:
		s.apply(EvAuthenticated, nil)
		s.logger.Info("session authenticated")

	case waclient.ReadyEvent:
		s.apply(EvReady, func() {
			s.transportDown = false
			// The launch succeeded. Only consecutive failures count toward
			// the attempt cap, so later relaunches start from scratch.
			s.attempts = 0
			s.lastError = ""
		})
		s.logger.Info("session ready, verifying helpers")
		go s.verifyHelpers()

	case waclient.AuthFailureEvent:
		s.logger.Error("authentication failed", slog.String("reason", e.Reason))
		s.apply(EvAuthFailure, func() {
			s.helpersVerified = false
			s.lastError = "auth failure: " + e.Reason
		})
		// A failed authentication counts as a failed attempt.
		s.mu.Lock()
		attempt := s.attempts
		s.mu.Unlock()
		s.launchFailedAuth(attempt)

	case waclient.DisconnectedEvent:
		s.handleDisconnect(e.Reason)

	case waclient.ErrorEvent:
		s.logger.Error("client error", slog.Any("error", e.Err))
		s.mu.Lock()
		s.transportDown = true
		s.helpersVerified = false
		s.lastError = e.Err.Error()
		attempt := s.attempts
		s.mu.Unlock()
		s.scheduleLaunch(s.backoffDelay(attempt))

	case waclient.MessageEvent:
		s.dispatchMessage(e.Message)

	case waclient.LoadingEvent:
		s.logger.Debug("client loading", slog.Int("percent", e.Percent), slog.String("label", e.Label))
	}
}

func (s *Session) handleDisconnect(reason waclient.DisconnectReason) {
	switch reason {
	case waclient.ReasonSessionTerminated:
		s.logger.Warn("session terminated remotely, relaunching after delay")
		s.apply(EvSessionTerminated, func() {
			s.helpersVerified = false
			s.transportDown = false
			s.qr = ""
		})
		s.scheduleLaunch(s.cfg.RelaunchDelay)

	case waclient.ReasonTransportClosed, waclient.ReasonNavigation:
		s.logger.Warn("transport lost, scheduling relaunch", slog.String("reason", string(reason)))
		s.mu.Lock()
		s.transportDown = true
		s.helpersVerified = false
		attempt := s.attempts
		s.mu.Unlock()
		s.scheduleLaunch(s.backoffDelay(attempt))

	default:
		s.logger.Warn("disconnected", slog.String("reason", string(reason)))
		s.mu.Lock()
		s.transportDown = true
		s.helpersVerified = false
		s.mu.Unlock()
		s.scheduleLaunch(s.cfg.RelaunchDelay)
	}
}

// launchFailedAuth mirrors launchFailed for auth failures, which arrive as
// events rather than Start errors.
func (s *Session) launchFailedAuth(attempt int) {
	if attempt >= s.cfg.MaxLaunchAttempts {
		s.mu.Lock()
		s.permanentFailure = true
		s.mu.Unlock()
		s.logger.Error("authentication failing persistently, automatic retries stopped")
		return
	}
	s.scheduleLaunch(s.backoffDelay(attempt))
}

// apply runs the transition function and, when the event applies, the given
// state mutation under the lock. QR payloads are dropped on any transition
// out of the QR-bearing states.
func (s *Session) apply(ev EventKind, mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := Transition(s.state, ev)
	if !ok {
		s.logger.Debug("ignoring event in current state",
			slog.String("event", string(ev)), slog.String("state", string(s.state)))
		return
	}
	if ClearsQR(s.state, next) {
		s.qr = ""
	}
	s.state = next
	if mutate != nil {
		mutate()
	}
}

func (s *Session) dispatchMessage(msg waclient.Message) {
	s.mu.Lock()
	handler := s.onMessage
	ctx := s.ctx
	s.mu.Unlock()
	if handler == nil || ctx == nil {
		return
	}
	// Handlers contain their own failures and must not block delivery of
	// subsequent events.
	go handler(ctx, msg)
}

// verifyHelpers waits briefly after the ready event, then probes the client
// a few times. Only a successful probe marks helpers verified.
func (s *Session) verifyHelpers() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	select {
	case <-time.After(s.cfg.VerifyDelay):
	case <-ctx.Done():
		return
	}

	for i := 0; i < s.cfg.VerifyAttempts; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.VerifySpacing):
			case <-ctx.Done():
				return
			}
		}
		if s.probe(ctx) == nil {
			s.mu.Lock()
			s.helpersVerified = true
			s.mu.Unlock()
			s.logger.Info("helpers verified")
			return
		}
	}
	s.logger.Warn("helper verification failed after retries")
}

// probe performs the lightweight read against the client.
func (s *Session) probe(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return NewError(KindNotInitialized, "no client instance")
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyProbeTimeout)
	defer cancel()
	state, err := client.ConnectionState(probeCtx)
	if err != nil {
		return WrapError(KindHelpersNotVerified, "probe failed", err)
	}
	if state != waclient.ConnConnected {
		return NewError(KindHelpersNotVerified, "client not connected")
	}
	return nil
}

// CheckReady evaluates the readiness gate in order, failing fast with a
// distinct error kind at the first unmet condition. A successful probe sets
// the helpers-verified flag; a failed probe clears it.
func (s *Session) CheckReady(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	state := s.state
	down := s.transportDown
	s.mu.Unlock()

	if client == nil {
		return NewError(KindNotInitialized, "session not initialized")
	}
	if state != StateAuthenticated && state != StateReady {
		return NewError(KindNotAuthenticated, "session not authenticated")
	}
	if state != StateReady || down {
		return NewError(KindNotReady, "session not ready")
	}

	if err := s.probe(ctx); err != nil {
		s.clearVerified()
		return err
	}
	s.mu.Lock()
	s.helpersVerified = true
	s.mu.Unlock()
	return nil
}

// WaitUntilReady polls CheckReady once per second until it succeeds or the
// timeout elapses. A zero timeout uses the configured default.
func (s *Session) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.WaitReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		err := s.CheckReady(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) clearVerified() {
	s.mu.Lock()
	s.helpersVerified = false
	s.mu.Unlock()
}

// Client returns the current client instance, or nil before the first
// successful launch.
func (s *Session) Client() waclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// CurrentQR returns the raw QR payload, empty outside the QR window.
func (s *Session) CurrentQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:            s.state,
		Authenticated:    s.state == StateAuthenticated || s.state == StateReady,
		Ready:            s.state == StateReady && !s.transportDown,
		HelpersVerified:  s.helpersVerified,
		LaunchAttempts:   s.attempts,
		HasQR:            s.qr != "",
		PermanentFailure: s.permanentFailure,
		LastError:        s.lastError,
	}
}
