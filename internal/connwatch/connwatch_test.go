package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		Delay:          2 * time.Millisecond,
		Multiplier:     1,
		MaxDelay:       10 * time.Millisecond,
		AttemptTimeout: 100 * time.Millisecond,
	}
}

// fakeConn is a connection whose reconnects can be made to fail.
type fakeConn struct {
	connected atomic.Bool
	attempts  atomic.Int32
	failFirst int32
}

func (f *fakeConn) reconnect(ctx context.Context) error {
	n := f.attempts.Add(1)
	if n <= f.failFirst {
		return errors.New("dial refused")
	}
	f.connected.Store(true)
	return nil
}

func newTestSupervisor(t *testing.T, f *fakeConn, b BackoffConfig) *Supervisor {
	t.Helper()
	s := NewSupervisor(context.Background(), SupervisorConfig{
		Name:        "test",
		Reconnect:   f.reconnect,
		IsConnected: f.connected.Load,
		Backoff:     b,
		Logger:      slog.Default(),
	})
	t.Cleanup(s.Stop)
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.Delay != 3*time.Second {
		t.Errorf("Delay = %v, want 3s", cfg.Delay)
	}
	if cfg.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1 (fixed delay)", cfg.Multiplier)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0 (unlimited)", cfg.MaxAttempts)
	}
	if cfg.AttemptTimeout != 10*time.Second {
		t.Errorf("AttemptTimeout = %v, want 10s", cfg.AttemptTimeout)
	}
}

func TestSupervisor_ReconnectsAfterDelay(t *testing.T) {
	t.Parallel()
	f := &fakeConn{}

	var readyCalled atomic.Int32
	s := NewSupervisor(context.Background(), SupervisorConfig{
		Name:        "test-ready",
		Reconnect:   f.reconnect,
		IsConnected: f.connected.Load,
		Backoff:     testBackoff(),
		OnReady:     func() { readyCalled.Add(1) },
	})
	defer s.Stop()

	s.Schedule("closed with code 1006")

	if !waitFor(t, time.Second, f.connected.Load) {
		t.Fatal("expected reconnect to succeed")
	}
	if !waitFor(t, time.Second, func() bool { return readyCalled.Load() == 1 }) {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
	if st := s.Status(); !st.Ready || st.Attempts != 0 || st.LastError != "" {
		t.Errorf("Status() = %+v, want ready with no attempts or error", st)
	}
}

func TestSupervisor_SkipsWhenAlreadyConnected(t *testing.T) {
	t.Parallel()
	f := &fakeConn{}
	f.connected.Store(true)
	s := newTestSupervisor(t, f, testBackoff())

	s.Schedule("stale failure")
	time.Sleep(20 * time.Millisecond)

	if n := f.attempts.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 when already connected", n)
	}
}

func TestSupervisor_CoalescesDuplicateSchedules(t *testing.T) {
	t.Parallel()
	f := &fakeConn{}
	b := testBackoff()
	b.Delay = 20 * time.Millisecond
	s := newTestSupervisor(t, f, b)

	for range 10 {
		s.Schedule("burst")
	}
	if !s.Status().Scheduled {
		t.Error("expected a scheduled attempt")
	}

	if !waitFor(t, time.Second, f.connected.Load) {
		t.Fatal("expected reconnect to succeed")
	}
	time.Sleep(40 * time.Millisecond)

	if n := f.attempts.Load(); n != 1 {
		t.Errorf("reconnect attempts = %d, want 1", n)
	}
}

func TestSupervisor_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	f := &fakeConn{failFirst: 4}
	s := newTestSupervisor(t, f, testBackoff())

	s.Schedule("transport failure")

	if !waitFor(t, time.Second, f.connected.Load) {
		t.Fatalf("never reconnected after %d attempts", f.attempts.Load())
	}
	if n := f.attempts.Load(); n != 5 {
		t.Errorf("reconnect attempts = %d, want 5", n)
	}
	if s.LastError() != nil {
		t.Errorf("LastError() = %v, want nil after success", s.LastError())
	}
}

func TestSupervisor_MaxAttempts(t *testing.T) {
	t.Parallel()
	f := &fakeConn{failFirst: 1000}
	b := testBackoff()
	b.MaxAttempts = 3
	s := newTestSupervisor(t, f, b)

	s.Schedule("transport failure")
	time.Sleep(60 * time.Millisecond)

	if n := f.attempts.Load(); n != 3 {
		t.Errorf("reconnect attempts = %d, want 3", n)
	}
	st := s.Status()
	if st.Scheduled {
		t.Error("expected no attempt scheduled after giving up")
	}
	if st.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
}

func TestSupervisor_DelayFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backoff  BackoffConfig
		attempts int
		want     time.Duration
	}{
		{
			name:     "fixed first",
			backoff:  BackoffConfig{Delay: 3 * time.Second, Multiplier: 1, MaxDelay: time.Minute},
			attempts: 0,
			want:     3 * time.Second,
		},
		{
			name:     "fixed after many failures",
			backoff:  BackoffConfig{Delay: 3 * time.Second, Multiplier: 1, MaxDelay: time.Minute},
			attempts: 40,
			want:     3 * time.Second,
		},
		{
			name:     "growth",
			backoff:  BackoffConfig{Delay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
			attempts: 3,
			want:     8 * time.Second,
		},
		{
			name:     "growth capped",
			backoff:  BackoffConfig{Delay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second},
			attempts: 10,
			want:     10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Supervisor{config: SupervisorConfig{Backoff: tt.backoff}}
			if got := s.delayFor(tt.attempts); got != tt.want {
				t.Errorf("delayFor(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestSupervisor_StopCancelsScheduledAttempt(t *testing.T) {
	t.Parallel()
	f := &fakeConn{}
	b := testBackoff()
	b.Delay = time.Hour
	s := NewSupervisor(context.Background(), SupervisorConfig{
		Name:        "test-stop",
		Reconnect:   f.reconnect,
		IsConnected: f.connected.Load,
		Backoff:     b,
	})

	s.Schedule("transport failure")

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within timeout")
	}
	if n := f.attempts.Load(); n != 0 {
		t.Errorf("reconnect attempts = %d, want 0 after Stop", n)
	}

	// Scheduling after Stop is a no-op.
	s.Schedule("late failure")
	if s.Status().Scheduled {
		t.Error("Schedule after Stop should not schedule")
	}
}

func TestNewSupervisor_PanicsOnMissingConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  SupervisorConfig
	}{
		{"no name", SupervisorConfig{Reconnect: func(context.Context) error { return nil }, IsConnected: func() bool { return false }}},
		{"no reconnect", SupervisorConfig{Name: "x", IsConnected: func() bool { return false }}},
		{"no is-connected", SupervisorConfig{Name: "x", Reconnect: func(context.Context) error { return nil }}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewSupervisor(context.Background(), tt.cfg)
		})
	}
}
