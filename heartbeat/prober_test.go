package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	status      Status
	pingErr     error
	pingCalls   atomic.Int32
	reconnected atomic.Bool
}

func (f *fakeTarget) Status() Status { return f.status }
func (f *fakeTarget) Ping(ctx context.Context) error {
	f.pingCalls.Add(1)
	return f.pingErr
}
func (f *fakeTarget) Reconnect(ctx context.Context) error {
	f.reconnected.Store(true)
	f.status = StatusReady
	return nil
}

func TestTickPingsWhenReady(t *testing.T) {
	target := &fakeTarget{status: StatusReady}
	p := New(target, time.Millisecond, time.Millisecond, nil)

	p.tick()

	if target.pingCalls.Load() != 1 {
		t.Fatalf("expected one ping call, got %d", target.pingCalls.Load())
	}
}

func TestTickSchedulesReconnectWhenClosed(t *testing.T) {
	target := &fakeTarget{status: StatusClosed}
	p := New(target, time.Millisecond, time.Millisecond, nil)

	p.tick()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if target.reconnected.Load() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !target.reconnected.Load() {
		t.Fatalf("expected reconnect to have been attempted")
	}
}

func TestScheduleReconnectIsSingleFlight(t *testing.T) {
	target := &fakeTarget{status: StatusClosed}
	p := New(target, time.Millisecond, 50*time.Millisecond, nil)

	p.scheduleReconnect()
	p.scheduleReconnect() // should be a no-op: restarting already true

	p.mu.Lock()
	restarting := p.restarting
	p.mu.Unlock()
	if !restarting {
		t.Fatalf("expected restarting flag to be set")
	}
}

func TestTickAfterStopDoesNotPing(t *testing.T) {
	target := &fakeTarget{status: StatusReady}
	p := New(target, time.Millisecond, time.Millisecond, nil)
	p.Start()
	p.Stop()

	// Ticking after Stop should be a no-op; target.Ping should not be
	// called because destroyed is set.
	p.tick()
	if target.pingCalls.Load() != 0 {
		t.Fatalf("expected no ping after Stop, got %d calls", target.pingCalls.Load())
	}
}

func TestPingFailureIncrementsStreak(t *testing.T) {
	target := &fakeTarget{status: StatusReady, pingErr: errors.New("timeout")}
	p := New(target, time.Millisecond, time.Millisecond, nil)

	p.tick()
	p.tick()
	p.tick()

	p.mu.Lock()
	streak := p.failStreak
	p.mu.Unlock()
	if streak != 3 {
		t.Fatalf("expected failStreak of 3, got %d", streak)
	}
}

func TestPingSuccessResetsStreak(t *testing.T) {
	target := &fakeTarget{status: StatusReady, pingErr: errors.New("timeout")}
	p := New(target, time.Millisecond, time.Millisecond, nil)

	p.tick()
	p.tick()

	target.pingErr = nil
	p.tick()

	p.mu.Lock()
	streak := p.failStreak
	p.mu.Unlock()
	if streak != 0 {
		t.Fatalf("expected failStreak reset to 0 after success, got %d", streak)
	}
}
