// Package connwatch supervises reconnection of the long-lived server
// connection.
//
// The protocol client reports every abnormal close or transport failure
// to a Supervisor via Schedule. The supervisor waits a delay (3s by
// default), checks that nobody reconnected in the meantime, and dials
// again. At most one attempt is scheduled at any time, so a burst of
// failure callbacks produces a single reconnect.
//
// The default policy is a fixed delay with no attempt ceiling: the
// client keeps trying for as long as the process runs. Multiplier,
// MaxDelay, and MaxAttempts turn on backoff growth and a ceiling when
// sustained outages make that undesirable.
package connwatch

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectFunc re-establishes the connection. Return nil once the socket
// is open.
type ReconnectFunc func(ctx context.Context) error

// BackoffConfig controls reconnect timing.
type BackoffConfig struct {
	// Delay is the wait before each reconnect attempt (default: 3s).
	Delay time.Duration

	// Multiplier scales the delay after each consecutive failure. Values
	// <= 1 keep the delay fixed (default: 1).
	Multiplier float64

	// MaxDelay caps delay growth when Multiplier > 1 (default: 60s).
	MaxDelay time.Duration

	// MaxAttempts stops reconnecting after this many consecutive
	// failures. Zero means unlimited (default: 0).
	MaxAttempts int

	// AttemptTimeout limits how long each reconnect call may take (default: 10s).
	AttemptTimeout time.Duration
}

// DefaultBackoffConfig returns the fixed 3-second, unlimited policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Delay:          3 * time.Second,
		Multiplier:     1,
		MaxDelay:       60 * time.Second,
		MaxAttempts:    0,
		AttemptTimeout: 10 * time.Second,
	}
}

// SupervisorConfig configures a reconnect supervisor.
type SupervisorConfig struct {
	// Name is a human-readable identifier for logging (e.g., "taskserver").
	Name string

	// Reconnect dials the service. Must be safe for concurrent use.
	Reconnect ReconnectFunc

	// IsConnected reports whether the connection is already up. A
	// scheduled attempt is skipped when it returns true.
	IsConnected func() bool

	// Backoff controls retry timing. Zero-value fields take defaults.
	Backoff BackoffConfig

	// OnReady is called after a successful reconnect. Called in a
	// separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the reconnect status of the supervised connection,
// suitable for JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Scheduled bool      `json:"scheduled"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor schedules reconnects for a single connection.
type Supervisor struct {
	config    SupervisorConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	scheduled atomic.Bool

	mu        sync.Mutex
	attempts  int // consecutive attempts in the current outage
	lastErr   error
	lastCheck time.Time
}

// NewSupervisor creates a supervisor bound to ctx. Cancelling ctx or
// calling Stop abandons any scheduled attempt.
//
// Panics if Name is empty or Reconnect or IsConnected is nil; these are
// programming errors.
func NewSupervisor(ctx context.Context, cfg SupervisorConfig) *Supervisor {
	if cfg.Name == "" {
		panic("connwatch: SupervisorConfig.Name must not be empty")
	}
	if cfg.Reconnect == nil {
		panic("connwatch: SupervisorConfig.Reconnect must not be nil")
	}
	if cfg.IsConnected == nil {
		panic("connwatch: SupervisorConfig.IsConnected must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.Delay <= 0 {
		cfg.Backoff.Delay = defaults.Delay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.MaxAttempts < 0 {
		cfg.Backoff.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff.AttemptTimeout <= 0 {
		cfg.Backoff.AttemptTimeout = defaults.AttemptTimeout
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		config: cfg,
		ctx:    sctx,
		cancel: cancel,
	}
}

// Schedule arranges a reconnect attempt after the configured delay. It is
// a no-op while an attempt is already scheduled, after Stop, or once
// MaxAttempts consecutive failures have been reached.
func (s *Supervisor) Schedule(reason string) {
	logger := s.config.Logger
	if s.ctx.Err() != nil {
		return
	}
	if !s.scheduled.CompareAndSwap(false, true) {
		logger.Debug("reconnect already scheduled",
			"service", s.config.Name,
			"reason", reason,
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		s.scheduled.Store(false)
		return
	}
	attempts := s.attempts

	if limit := s.config.Backoff.MaxAttempts; limit > 0 && attempts >= limit {
		s.scheduled.Store(false)
		logger.Error("giving up on reconnect",
			"service", s.config.Name,
			"attempts", attempts,
			"reason", reason,
		)
		return
	}

	delay := s.delayFor(attempts)
	logger.Info("reconnect scheduled",
		"service", s.config.Name,
		"delay", delay.String(),
		"attempt", attempts+1,
		"reason", reason,
	)

	s.wg.Add(1)
	go s.run(delay)
}

// run waits out delay and performs one reconnect attempt.
func (s *Supervisor) run(delay time.Duration) {
	defer s.wg.Done()
	logger := s.config.Logger

	if !sleepCtx(s.ctx, delay) {
		s.scheduled.Store(false)
		return
	}
	// Cleared before dialing so a failure reported during the attempt
	// can schedule the next one.
	s.scheduled.Store(false)

	if s.config.IsConnected() {
		logger.Debug("reconnect skipped, already connected", "service", s.config.Name)
		s.recordResult(nil)
		return
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.Backoff.AttemptTimeout)
	err := s.config.Reconnect(ctx)
	cancel()
	s.recordResult(err)

	if err != nil {
		logger.Warn("reconnect failed",
			"service", s.config.Name,
			"attempt", attempt,
			"error", err,
		)
		s.Schedule(err.Error())
		return
	}

	logger.Info("service reconnected",
		"service", s.config.Name,
		"after_attempts", attempt,
	)
	if s.config.OnReady != nil {
		go s.config.OnReady()
	}
}

// delayFor returns the wait before attempt number attempts+1.
func (s *Supervisor) delayFor(attempts int) time.Duration {
	b := s.config.Backoff
	if b.Multiplier <= 1 || attempts == 0 {
		return b.Delay
	}
	d := time.Duration(float64(b.Delay) * math.Pow(b.Multiplier, float64(attempts)))
	if d > b.MaxDelay || d <= 0 {
		d = b.MaxDelay
	}
	return d
}

// recordResult stores the attempt outcome. Success resets the
// consecutive-attempt counter.
func (s *Supervisor) recordResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.lastCheck = time.Now()
	if err == nil {
		s.attempts = 0
	}
}

// LastError returns the most recent reconnect error, or nil.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status returns the current reconnect status.
func (s *Supervisor) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServiceStatus{
		Name:      s.config.Name,
		Ready:     s.config.IsConnected(),
		Scheduled: s.scheduled.Load(),
		Attempts:  s.attempts,
		LastCheck: s.lastCheck,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Stop cancels any scheduled attempt and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
