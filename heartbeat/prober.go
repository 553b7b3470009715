// Package heartbeat implements the periodic liveness probe the facade
// arms only when the active provider is TCP-KV (the only backend with a
// persistent connection worth watching): ping on a ticker, and schedule
// a reconnect once the connection is observed closed.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/takaraflow/cachefabric/log"
)

// Period is the default heartbeat interval for TCP-KV, used when New is
// given a non-positive interval.
const Period = 30 * time.Second

// DefaultRestartDelay is the default reconnect delay.
const DefaultRestartDelay = 5 * time.Second

// PingTimeout bounds each individual heartbeat PING command.
const PingTimeout = 5 * time.Second

// latencyWarnThreshold is the high-latency cutoff: crossing it logs a
// warning but never demotes the provider.
const latencyWarnThreshold = 200 * time.Millisecond

// consecutiveFailureLogThreshold is the consecutive-ping-failure cutoff
// that logs an error but still does not demote the provider on its own.
const consecutiveFailureLogThreshold = 3

// Status mirrors the connection states the reconnect logic switches on.
type Status int

const (
	StatusReady Status = iota
	StatusConnecting
	StatusClosed
)

// Target is what the prober pings and, on a closed connection,
// reconnects. Implemented directly by provider/tcpkv.Provider, which the
// facade hands to the prober as is.
type Target interface {
	Status() Status
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Prober runs the heartbeat loop for one Target. It is the facade's
// responsibility to create one only while TCP-KV is active and to Stop
// it on demotion or Destroy.
type Prober struct {
	target       Target
	interval     time.Duration
	restartDelay time.Duration
	logger       log.Logger

	mu          sync.Mutex
	restarting  bool
	destroyed   bool
	failStreak  int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Prober for target, ticking every interval. Call Start to
// begin ticking.
func New(target Target, interval, restartDelay time.Duration, logger log.Logger) *Prober {
	if interval <= 0 {
		interval = Period
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	if logger == nil {
		logger = log.Nop{}
	}
	return &Prober{
		target:       target,
		interval:     interval,
		restartDelay: restartDelay,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the tick loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
}

func (p *Prober) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Prober) tick() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	switch p.target.Status() {
	case StatusClosed:
		p.scheduleReconnect()
	case StatusConnecting:
		// Best-effort nudge; does not count toward health either way.
		ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
		_ = p.target.Ping(ctx)
		cancel()
	case StatusReady:
		p.pingReady()
	}
}

func (p *Prober) pingReady() {
	ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
	defer cancel()

	start := time.Now()
	err := p.target.Ping(ctx)
	latency := time.Since(start)

	if latency > latencyWarnThreshold {
		p.logger.Warn("heartbeat latency high", map[string]any{"latency_ms": latency.Milliseconds()})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.failStreak++
		if p.failStreak >= consecutiveFailureLogThreshold {
			p.logger.Error("heartbeat ping failing repeatedly", map[string]any{"consecutive_failures": p.failStreak})
		}
		return
	}
	p.failStreak = 0
}

// scheduleReconnect enforces a single in-flight reconnect via the
// restarting flag so repeated closed-status ticks don't stack retries.
func (p *Prober) scheduleReconnect() {
	p.mu.Lock()
	if p.restarting || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.restarting = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.restarting = false
			p.mu.Unlock()
		}()

		select {
		case <-time.After(p.restartDelay):
		case <-p.stop:
			return
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
		defer cancel()
		if err := p.target.Reconnect(ctx); err != nil {
			p.logger.Error("heartbeat reconnect failed", map[string]any{"error": err.Error()})
		} else {
			p.logger.Info("heartbeat reconnected", nil)
		}
	}()
}
