package peer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/onionmesh/internal/backoff"
)

func fastBackoff(maxAttempts int) backoff.Config {
	return backoff.Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  maxAttempts,
	}
}

func TestReconnector_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	r := NewReconnector(fastBackoff(0), func(addr string) error {
		if calls.Add(1) < 3 {
			return errors.New("refused")
		}
		close(done)
		return nil
	})
	defer r.Stop()

	r.Schedule("10.0.0.1:5000")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback called %d times, never succeeded", calls.Load())
	}
	waitFor(t, "state cleared", func() bool { return !r.IsPending("10.0.0.1:5000") })
}

func TestReconnector_GivesUp(t *testing.T) {
	var calls atomic.Int32
	r := NewReconnector(fastBackoff(2), func(string) error {
		calls.Add(1)
		return errors.New("refused")
	})
	defer r.Stop()

	r.Schedule("10.0.0.1:5000")
	waitFor(t, "give up", func() bool { return !r.IsPending("10.0.0.1:5000") })

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("callback called %d times, want 2", got)
	}
}

func TestReconnector_Cancel(t *testing.T) {
	var calls atomic.Int32
	cfg := fastBackoff(0)
	cfg.InitialDelay = 100 * time.Millisecond
	r := NewReconnector(cfg, func(string) error {
		calls.Add(1)
		return nil
	})
	defer r.Stop()

	r.Schedule("a:1")
	if !r.IsPending("a:1") {
		t.Fatal("IsPending() = false after Schedule")
	}
	r.Cancel("a:1")
	if r.IsPending("a:1") {
		t.Error("IsPending() = true after Cancel")
	}

	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("cancelled attempt still ran")
	}
}

func TestReconnector_StopRejectsSchedule(t *testing.T) {
	r := NewReconnector(fastBackoff(0), func(string) error { return nil })
	r.Stop()
	r.Schedule("a:1")
	if r.IsPending("a:1") {
		t.Error("Schedule after Stop was accepted")
	}
	if r.Attempts("a:1") != 0 {
		t.Error("Attempts() non-zero for unknown address")
	}
}
