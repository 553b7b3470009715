package failover

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/provider"
)

func alwaysFailProbe(ctx context.Context, id provider.ID) error {
	return errors.New("still down")
}

func TestNoDemotionOnSuccess(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	c.RecordResult(provider.TCPKV, nil)
	if c.Active() != provider.TCPKV {
		t.Fatalf("expected no demotion on success")
	}
}

func TestClientErrorDoesNotDemote(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindClient, string(provider.TCPKV), "k1", errors.New("bad request"))

	c.RecordResult(provider.TCPKV, err)
	c.RecordResult(provider.TCPKV, err)
	c.RecordResult(provider.TCPKV, err)

	if c.Active() != provider.TCPKV {
		t.Fatalf("expected client errors never to trigger demotion")
	}
}

func TestAuthErrorDemotesImmediately(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindAuth, string(provider.TCPKV), "k1", errors.New("WRONGPASS"))

	c.RecordResult(provider.TCPKV, err)

	if c.Active() == provider.TCPKV {
		t.Fatalf("expected single auth error to demote immediately")
	}
	if !c.IsFailover() {
		t.Fatalf("expected isFailover true after demotion")
	}
	c.Destroy()
}

func TestTransientErrorsDemoteAtThreshold(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindTransient, string(provider.TCPKV), "k1", errors.New("timeout"))

	c.RecordResult(provider.TCPKV, err)
	if c.Active() != provider.TCPKV {
		t.Fatalf("expected no demotion before threshold reached")
	}

	c.RecordResult(provider.TCPKV, err)
	if c.Active() == provider.TCPKV {
		t.Fatalf("expected demotion once threshold (2) is reached")
	}
	c.Destroy()
}

func TestDemotionFollowsFallbackChain(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindAuth, string(provider.TCPKV), "k1", errors.New("NOAUTH"))

	c.RecordResult(provider.TCPKV, err)

	if c.Active() != provider.RESTKV {
		t.Fatalf("expected tcp-kv to demote to http-rest-kv first, got %s", c.Active())
	}
	c.Destroy()
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	transientErr := cachefabric.New(cachefabric.KindTransient, string(provider.TCPKV), "k1", errors.New("timeout"))

	c.RecordResult(provider.TCPKV, transientErr)
	c.RecordResult(provider.TCPKV, nil) // reset
	c.RecordResult(provider.TCPKV, transientErr)

	if c.Active() != provider.TCPKV {
		t.Fatalf("expected success to reset the failure counter, preventing premature demotion")
	}
}

func TestRecoveryProbeRestoresPreferredProvider(t *testing.T) {
	var probed atomic.Bool
	probe := func(ctx context.Context, id provider.ID) error {
		probed.Store(true)
		return nil // recovery succeeds
	}

	c := New(provider.TCPKV, probe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindAuth, string(provider.TCPKV), "k1", errors.New("NOAUTH"))
	c.RecordResult(provider.TCPKV, err)

	if c.Active() == provider.TCPKV {
		t.Fatalf("expected demotion to have occurred")
	}

	c.mu.Lock()
	c.recoveryTimer.Reset(time.Millisecond)
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Active() == provider.TCPKV {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if c.Active() != provider.TCPKV {
		t.Fatalf("expected recovery probe to restore tcp-kv, got %s", c.Active())
	}
	if !probed.Load() {
		t.Fatalf("expected probe to have been invoked")
	}
	c.Destroy()
}

func TestMaxAttemptsPerCallConstant(t *testing.T) {
	c := New(provider.TCPKV, alwaysFailProbe, nil, 30*time.Minute, 12*time.Hour)
	if c.MaxAttempts() != 3 {
		t.Fatalf("expected maxAttemptsPerCall of 3, got %d", c.MaxAttempts())
	}
}

func TestDestroyStopsRecoveryLoop(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context, id provider.ID) error {
		probes.Add(1)
		return errors.New("still down")
	}

	c := New(provider.TCPKV, probe, nil, 30*time.Minute, 12*time.Hour)
	err := cachefabric.New(cachefabric.KindAuth, string(provider.TCPKV), "k1", errors.New("NOAUTH"))
	c.RecordResult(provider.TCPKV, err)

	c.Destroy()

	c.mu.Lock()
	timerWasCleared := c.recoveryTimer == nil
	c.mu.Unlock()
	if !timerWasCleared {
		t.Fatalf("expected Destroy to clear the recovery timer")
	}
}
