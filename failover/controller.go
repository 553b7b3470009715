// Package failover implements the demotion/recovery state machine that
// sits between the facade and the active provider. It tracks consecutive
// failures, demotes to an ordered fallback chain on threshold breach or
// an auth-terminal error, and probes the previously preferred provider
// on a timer to recover.
package failover

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/log"
	"github.com/takaraflow/cachefabric/provider"
)

// Threshold is the number of consecutive retryable failures that
// triggers demotion. A single auth-terminal failure demotes immediately,
// bypassing this counter entirely.
const Threshold = 2

// maxAttemptsPerCall bounds how many providers a single logical call may
// try (primary plus fallbacks) before giving up. Deliberately distinct
// from Threshold: threshold governs when the controller demotes *between*
// calls; this governs how far one call's retry loop may walk the chain.
const maxAttemptsPerCall = 3

// defaultRecoveryInterval and defaultRecoveryIntervalQuota are the
// fallback probe periods New uses when given a non-positive interval:
// quota/usage-limit demotions get the long interval since those errors
// don't clear until a billing cycle resets; everything else gets the
// short one.
const (
	defaultRecoveryInterval      = 30 * time.Minute
	defaultRecoveryIntervalQuota = 12 * time.Hour
)

// fallbackChains is the deterministic per-provider demotion order.
var fallbackChains = map[provider.ID][]provider.ID{
	provider.TCPKV:    {provider.RESTKV, provider.RemoteKV, provider.MemoryKV},
	provider.RemoteKV: {provider.RESTKV, provider.MemoryKV},
	provider.RESTKV:   {provider.RemoteKV, provider.MemoryKV},
	provider.MemoryKV: {},
}

// ProbeFunc issues a cheap, side-effect-free health call against a
// provider (e.g. Get("__health_check__") or PING) and reports whether it
// succeeded.
type ProbeFunc func(ctx context.Context, id provider.ID) error

// Controller owns the active-provider selection and the demotion/
// recovery state machine. It never performs I/O itself beyond the probe
// callback; the facade supplies providers and the probe function.
type Controller struct {
	mu sync.Mutex

	activeID     provider.ID
	preferredID  provider.ID // the provider this controller was originally configured to prefer
	failureCount int
	isFailover   bool
	lastWasQuota bool

	recoveryTimer *time.Timer
	destroyed     bool

	recoveryInterval      time.Duration
	recoveryIntervalQuota time.Duration

	probe  ProbeFunc
	logger log.Logger
}

// New creates a Controller whose initially active and preferred provider
// is preferredID. recoveryInterval and recoveryIntervalQuota are the
// two probe periods armRecoveryTimer chooses between; a non-positive
// value falls back to the package defaults.
func New(preferredID provider.ID, probe ProbeFunc, logger log.Logger, recoveryInterval, recoveryIntervalQuota time.Duration) *Controller {
	if logger == nil {
		logger = log.Nop{}
	}
	if recoveryInterval <= 0 {
		recoveryInterval = defaultRecoveryInterval
	}
	if recoveryIntervalQuota <= 0 {
		recoveryIntervalQuota = defaultRecoveryIntervalQuota
	}
	return &Controller{
		activeID:              preferredID,
		preferredID:           preferredID,
		probe:                 probe,
		logger:                logger,
		recoveryInterval:      recoveryInterval,
		recoveryIntervalQuota: recoveryIntervalQuota,
	}
}

// Active returns the currently active provider ID.
func (c *Controller) Active() provider.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// IsFailover reports whether the controller is currently operating on a
// demoted (non-preferred) provider.
func (c *Controller) IsFailover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFailover
}

// MaxAttempts returns the retry budget for one logical call.
func (c *Controller) MaxAttempts() int { return maxAttemptsPerCall }

// RecordResult feeds one provider call's outcome into the state machine.
// err should already be a *cachefabric.Error if classification matters;
// unclassified errors default to KindClient (never retried).
func (c *Controller) RecordResult(id provider.ID, err error) {
	if err == nil {
		c.mu.Lock()
		if id == c.activeID {
			c.failureCount = 0
		}
		c.mu.Unlock()
		return
	}

	kind := cachefabric.KindOf(err)
	switch kind {
	case cachefabric.KindAuth:
		c.demote(id, true)
	case cachefabric.KindTransient:
		c.recordTransient(id, err)
	default:
		// Client/logic errors surface to the caller without touching
		// the failure counter.
	}
}

func (c *Controller) recordTransient(id provider.ID, err error) {
	c.mu.Lock()
	if id != c.activeID {
		c.mu.Unlock()
		return
	}
	c.failureCount++
	breach := c.failureCount >= Threshold
	c.mu.Unlock()

	if breach {
		c.demote(id, isQuotaError(err))
	}
}

// demote cancels the recovery timer, swaps to the first entry of from's
// fallback chain (memory when the chain is empty), resets counters, and
// starts a new recovery timer. It does not close or disconnect the
// demoted provider's connection.
func (c *Controller) demote(from provider.ID, quota bool) {
	c.mu.Lock()
	if c.destroyed || from != c.activeID {
		c.mu.Unlock()
		return
	}

	c.cancelRecoveryTimerUnsafe()

	chain := fallbackChains[from]
	var next provider.ID = provider.MemoryKV
	if len(chain) > 0 {
		next = chain[0]
	}

	prev := c.activeID
	c.activeID = next
	c.failureCount = 0
	c.isFailover = true
	c.lastWasQuota = quota
	c.mu.Unlock()

	c.logger.Info("demoted provider", map[string]any{
		"from": string(prev), "to": string(next), "quota": quota,
	})

	c.armRecoveryTimer(prev, quota)
}

func (c *Controller) armRecoveryTimer(previousPreferred provider.ID, quota bool) {
	interval := c.recoveryInterval
	if quota {
		interval = c.recoveryIntervalQuota
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.recoveryTimer = time.AfterFunc(interval, func() {
		c.runRecoveryProbe(previousPreferred, quota)
	})
}

func (c *Controller) runRecoveryProbe(previousPreferred provider.ID, quota bool) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.probe(ctx, previousPreferred)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.activeID = previousPreferred
		c.isFailover = false
		c.failureCount = 0
		c.mu.Unlock()
		c.logger.Info("recovered provider", map[string]any{"provider": string(previousPreferred)})
		return
	}
	c.mu.Unlock()

	// Probe failed: keep going on the demoted provider, rearm the timer.
	c.armRecoveryTimer(previousPreferred, quota)
}

func (c *Controller) cancelRecoveryTimerUnsafe() {
	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
		c.recoveryTimer = nil
	}
}

// Destroy halts the recovery loop permanently.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.cancelRecoveryTimerUnsafe()
}

func isQuotaError(err error) bool {
	var e *cachefabric.Error
	if !errors.As(err, &e) || e.Cause == nil {
		return false
	}
	msg := strings.ToLower(e.Cause.Error())
	for _, marker := range []string{"quota exceeded", "rate limit", "free usage limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
