// Package cache implements the public Facade: the single get/set/delete/
// listKeys/bulkSet/lock/unlock/pipeline surface the rest of an
// application talks to, composing l1, provider, failover, ratelimit and
// heartbeat underneath. New is the only constructor; the embedding
// application owns the instance and its lifecycle explicitly rather than
// reaching through a package-level singleton.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/failover"
	"github.com/takaraflow/cachefabric/heartbeat"
	"github.com/takaraflow/cachefabric/l1"
	"github.com/takaraflow/cachefabric/log"
	"github.com/takaraflow/cachefabric/pipeline"
	"github.com/takaraflow/cachefabric/provider"
	"github.com/takaraflow/cachefabric/provider/memkv"
	"github.com/takaraflow/cachefabric/provider/remotekv"
	"github.com/takaraflow/cachefabric/provider/restkv"
	"github.com/takaraflow/cachefabric/provider/tcpkv"
	"github.com/takaraflow/cachefabric/ratelimit"
)

// Facade is the public entry point. Construct with New; every exported
// method is safe for concurrent use by many callers.
type Facade struct {
	cfg    Config
	logger log.Logger

	l1 *l1.Cache

	mu        sync.Mutex
	providers map[provider.ID]provider.Provider
	destroyed bool
	prober    *heartbeat.Prober
	proberID  provider.ID

	controller *failover.Controller

	authDispatcher *ratelimit.Dispatcher
	quotaLanes     map[provider.ID]*quotaLane

	locks *lockTable
	group singleflight.Group

	metrics *Metrics
}

// Option customizes a Facade at construction time.
type Option func(*Facade)

// WithProvider preloads a ready-to-use provider instance, bypassing the
// normal lazy construction from Config. Mainly useful for tests and for
// applications that need custom provider wiring (a mocked transport, a
// non-default HTTP client, a cluster-aware redis client).
func WithProvider(id provider.ID, p provider.Provider) Option {
	return func(f *Facade) { f.providers[id] = p }
}

// WithLogger overrides Config.Logger after construction has already
// built the default.
func WithLogger(l log.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// New builds a Facade from cfg. It does not dial any backend; call
// Initialize to eagerly construct and verify the selected provider, or
// let the first operation do it lazily.
func New(cfg Config, opts ...Option) (*Facade, error) {
	cfg = withDefaults(cfg)

	f := &Facade{
		cfg:            cfg,
		logger:         cfg.Logger,
		l1:             l1.New(cfg.L1Cap),
		providers:      make(map[provider.ID]provider.Provider),
		authDispatcher: ratelimit.NewTokenBucketDispatcher(ratelimit.NewTokenBucket(50, 50)),
		quotaLanes:     defaultQuotaLanes(),
		locks:          newLockTable(),
		metrics:        &Metrics{},
	}

	for _, opt := range opts {
		opt(f)
	}

	f.controller = failover.New(detectProvider(cfg), f.probe, f.logger, cfg.RecoveryInterval, cfg.RecoveryIntervalQuota)

	if cfg.FailoverThreshold != 0 && cfg.FailoverThreshold != failover.Threshold {
		f.logger.Warn("failover threshold configured but ignored; standardized on fixed value", map[string]any{
			"configured": cfg.FailoverThreshold, "effective": failover.Threshold,
		})
	}

	return f, nil
}

// quotaLane pairs the priority dispatcher a remote-backed provider's
// calls run through with the auto-scaler that adjusts its window's
// intervalCap from the recent success ratio.
type quotaLane struct {
	dispatcher *ratelimit.Dispatcher
	scaler     *ratelimit.AutoScaler
}

// autoScaleInterval is how often each quota lane's AutoScaler
// re-evaluates its success ratio and adjusts intervalCap.
const autoScaleInterval = 30 * time.Second

// defaultQuotaLanes gives each remote-backed provider its own rolling
// window, dispatched through a priority queue and auto-scaled between
// half and double its starting capacity. These figures are sane
// per-minute defaults, not mandated numbers; an application with
// tighter upstream quotas should configure its own provider instances
// via WithProvider instead.
func defaultQuotaLanes() map[provider.ID]*quotaLane {
	newLane := func(intervalCap int) *quotaLane {
		limiter := ratelimit.NewWindowedLimiter(intervalCap, time.Minute, 0)
		return &quotaLane{
			dispatcher: ratelimit.NewWindowedDispatcher(limiter),
			scaler:     ratelimit.NewAutoScaler(limiter, intervalCap/2, intervalCap*2, autoScaleInterval),
		}
	}
	return map[provider.ID]*quotaLane{
		provider.RemoteKV: newLane(1200),
		provider.TCPKV:    newLane(5000),
		provider.RESTKV:   newLane(1000),
	}
}

// Initialize eagerly constructs and verifies the selected provider and
// arms the heartbeat if it's tcp-kv. Calling it is optional; the first
// operation will do the same lazily.
func (f *Facade) Initialize(ctx context.Context) error {
	if f.isDestroyed() {
		return cachefabric.Terminal
	}
	if _, err := f.providerFor(f.controller.Active()); err != nil {
		return err
	}
	f.syncHeartbeat()
	return nil
}

// Get reads key, consulting L1 first. On an L1 miss, concurrent callers
// for the same key are coalesced via singleflight so only one provider
// round-trip is issued. A nil, nil result means "not found", never an
// error.
func (f *Facade) Get(ctx context.Context, key string, typ ValueType, opts ...CallOption) (any, error) {
	if f.isDestroyed() {
		return nil, cachefabric.Terminal
	}
	o := resolveOptions(opts)

	if !o.skipCache {
		if v, ok := f.l1.Get(key); ok {
			f.metrics.hits.Add(1)
			return v, nil
		}
	}

	raw, err, _ := f.group.Do(key, func() (any, error) {
		return withResult(f, ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) (any, error) {
			return p.Get(ctx, key, string(typ))
		})
	})

	if err != nil {
		if cachefabric.KindOf(err) == cachefabric.KindUnavailable {
			// Every provider in the chain is exhausted: degrade to
			// whatever L1 holds rather than raising the L2 failure to
			// the caller.
			f.metrics.l2Errors.Add(1)
			if v, ok := f.l1.Get(key); ok {
				return v, nil
			}
			return nil, nil
		}
		f.metrics.misses.Add(1)
		return nil, err
	}

	if raw == nil {
		f.metrics.l2Misses.Add(1)
		f.metrics.misses.Add(1)
		return nil, nil
	}

	f.metrics.l2Hits.Add(1)
	decoded, err := decodeValue(raw, typ)
	if err != nil {
		return nil, err
	}
	if !o.skipCache {
		f.l1.Put(key, decoded, f.resolveL1TTL(o.cacheTTL))
	}
	return decoded, nil
}

// Set writes key, short-circuiting if L1 already holds an identical
// value (IsUnchanged) unless skipCache is set.
func (f *Facade) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...CallOption) error {
	if f.isDestroyed() {
		return cachefabric.Terminal
	}
	o := resolveOptions(opts)

	if !o.skipCache && f.l1.IsUnchanged(key, value) {
		return nil
	}

	err := f.withProvider(ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) error {
		clamped, raised := provider.ClampTTL(id, ttl)
		if raised {
			f.logger.Warn("ttl raised to provider floor", map[string]any{
				"provider": string(id), "key": key,
			})
		}
		encoded, encErr := encodeValue(value)
		if encErr != nil {
			return cachefabric.New(cachefabric.KindClient, string(id), key, encErr)
		}
		return p.Set(ctx, key, encoded, clamped)
	})

	if err != nil {
		if cachefabric.KindOf(err) != cachefabric.KindUnavailable {
			return err
		}
		// Degraded L1-only mode: every provider in the chain failed, so
		// the write lands only in L1.
		if !o.skipCache {
			f.l1.Put(key, value, f.resolveL1TTL(ttl))
		}
		f.metrics.sets.Add(1)
		f.logger.Warn("all providers exhausted; set applied to L1 only", map[string]any{"key": key})
		return nil
	}

	f.metrics.sets.Add(1)
	if !o.skipCache {
		f.l1.Put(key, value, f.resolveL1TTL(ttl))
	}
	return nil
}

// Delete always evicts L1 first, then attempts the provider delete.
// Provider-side failures are logged and swallowed (delete-is-eventually-
// consistent); client/cancellation errors still propagate.
func (f *Facade) Delete(ctx context.Context, key string, opts ...CallOption) error {
	if f.isDestroyed() {
		return cachefabric.Terminal
	}
	o := resolveOptions(opts)
	f.l1.Delete(key)

	err := f.withProvider(ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) error {
		return p.Delete(ctx, key)
	})
	if err == nil {
		f.metrics.deletes.Add(1)
		return nil
	}

	switch cachefabric.KindOf(err) {
	case cachefabric.KindClient, cachefabric.KindCancelled:
		return err
	}
	f.metrics.l2Errors.Add(1)
	f.logger.Warn("l2 delete failed; treating as eventually consistent", map[string]any{
		"key": key, "error": err.Error(),
	})
	return nil
}

// ListKeys passes through directly to the active provider; L1 is never
// consulted.
func (f *Facade) ListKeys(ctx context.Context, prefix string, limit int, opts ...CallOption) ([]string, error) {
	if f.isDestroyed() {
		return nil, cachefabric.Terminal
	}
	o := resolveOptions(opts)
	return withResult(f, ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) ([]string, error) {
		return p.ListKeys(ctx, prefix, limit)
	})
}

// KVPair is one entry of a BulkSet call.
type KVPair struct {
	Key   string
	Value any
	TTL   time.Duration
}

// BulkSet populates L1 for every pair and dispatches the write to the
// active provider's bulk path.
func (f *Facade) BulkSet(ctx context.Context, pairs []KVPair, opts ...CallOption) ([]provider.BulkResult, error) {
	if f.isDestroyed() {
		return nil, cachefabric.Terminal
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	o := resolveOptions(opts)

	encoded := make(map[string]any, len(pairs))
	ttl := f.cfg.L1TTL
	for _, kv := range pairs {
		v, err := encodeValue(kv.Value)
		if err != nil {
			return nil, cachefabric.New(cachefabric.KindClient, "", kv.Key, err)
		}
		encoded[kv.Key] = v
		if kv.TTL > ttl {
			ttl = kv.TTL
		}
	}

	results, err := withResult(f, ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) ([]provider.BulkResult, error) {
		clamped, raised := provider.ClampTTL(id, ttl)
		if raised {
			f.logger.Warn("ttl raised to provider floor", map[string]any{"provider": string(id)})
		}
		return p.BulkSet(ctx, encoded, clamped)
	})

	if err != nil {
		if cachefabric.KindOf(err) != cachefabric.KindUnavailable {
			return nil, err
		}
		results = make([]provider.BulkResult, 0, len(pairs))
		for _, kv := range pairs {
			f.l1.Put(kv.Key, kv.Value, f.resolveL1TTL(kv.TTL))
			results = append(results, provider.BulkResult{Key: kv.Key, Success: true})
		}
		f.metrics.sets.Add(int64(len(pairs)))
		return results, nil
	}

	for _, kv := range pairs {
		f.l1.Put(kv.Key, kv.Value, f.resolveL1TTL(kv.TTL))
	}
	f.metrics.sets.Add(int64(len(pairs)))
	return results, nil
}

// Lock acquires a distributed lock, generating and owning the token
// locally so Unlock can tell its own lock from a stale or foreign one.
func (f *Facade) Lock(ctx context.Context, key string, ttl time.Duration, opts ...CallOption) (bool, error) {
	if f.isDestroyed() {
		return false, cachefabric.Terminal
	}
	o := resolveOptions(opts)
	token := newLockToken()

	ok, err := withResult(f, ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) (bool, error) {
		if id == provider.RemoteKV {
			f.logger.Warn("lock acquired on a non-atomic provider; exclusivity is not guaranteed", map[string]any{
				"key": key,
			})
		}
		return p.Lock(ctx, key, token, ttl)
	})
	if err != nil {
		return false, err
	}
	if ok {
		f.locks.store(key, token)
	}
	return ok, nil
}

// Unlock releases a lock previously acquired by this Facade instance. A
// lock this instance never held (no local token on file) is a no-op
// returning false.
func (f *Facade) Unlock(ctx context.Context, key string, opts ...CallOption) (bool, error) {
	if f.isDestroyed() {
		return false, cachefabric.Terminal
	}
	o := resolveOptions(opts)
	token, held := f.locks.lookup(key)
	if !held {
		return false, nil
	}

	ok, err := withResult(f, ctx, o.priority, func(ctx context.Context, p provider.Provider, id provider.ID) (bool, error) {
		return p.Unlock(ctx, key, token)
	})
	if err != nil {
		return false, err
	}
	if ok {
		f.locks.clear(key)
	}
	return ok, nil
}

// Pipeline returns a fresh batch handle bound to this Facade's failover/
// rate-limit/L1 wiring.
func (f *Facade) Pipeline() *pipeline.Pipeline {
	return pipeline.New(f.execPipeline)
}

func (f *Facade) execPipeline(ctx context.Context, cmds []provider.PipelineCommand) ([]provider.PipelineResult, error) {
	if f.isDestroyed() {
		return nil, cachefabric.Terminal
	}

	results, err := withResult(f, ctx, DefaultPriority, func(ctx context.Context, p provider.Provider, id provider.ID) ([]provider.PipelineResult, error) {
		if pl, ok := p.(provider.Pipeliner); ok {
			return pl.ExecPipeline(ctx, cmds)
		}
		return pipeline.ExecSequential(ctx, p, cmds)
	})
	if err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		if results[i].Err != nil {
			continue
		}
		switch cmd.Kind {
		case provider.PipeSet:
			f.l1.Put(cmd.Key, cmd.Value, f.resolveL1TTL(cmd.TTL))
		case provider.PipeDelete:
			f.l1.Delete(cmd.Key)
		}
	}
	return results, nil
}

// Destroy stops all timers, disconnects every provider that was ever
// constructed (best-effort, ≤1s total), and flips the facade terminal.
// Idempotent: a second call is a no-op.
func (f *Facade) Destroy(ctx context.Context) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true

	built := make([]provider.Provider, 0, len(f.providers))
	for _, p := range f.providers {
		built = append(built, p)
	}
	prober := f.prober
	f.prober = nil
	f.mu.Unlock()

	if prober != nil {
		prober.Stop()
	}
	f.controller.Destroy()

	f.authDispatcher.Close()
	for _, lane := range f.quotaLanes {
		lane.dispatcher.Close()
		lane.scaler.Stop()
	}

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for _, p := range built {
		_ = p.Disconnect(deadline)
	}
	return nil
}

func (f *Facade) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// resolveL1TTL clamps requested to min(requested, Config.L1TTL); a
// non-positive requested ttl means "use L1's own default".
func (f *Facade) resolveL1TTL(requested time.Duration) time.Duration {
	if requested <= 0 || requested > f.cfg.L1TTL {
		return f.cfg.L1TTL
	}
	return requested
}

// providerFor returns the cached provider for id, building and
// Initializing it on first use.
func (f *Facade) providerFor(id provider.ID) (provider.Provider, error) {
	f.mu.Lock()
	if p, ok := f.providers[id]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	p, err := f.buildProvider(id)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(context.Background()); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.providers[id]; ok {
		// Lost the race to build id; keep the one already stored and
		// disconnect the redundant one (best-effort, don't block on it).
		go func() { _ = p.Disconnect(context.Background()) }()
		return existing, nil
	}
	f.providers[id] = p
	return p, nil
}

func (f *Facade) buildProvider(id provider.ID) (provider.Provider, error) {
	switch id {
	case provider.TCPKV:
		return tcpkv.New(tcpkv.Config{
			Addr:     f.cfg.TCPKVAddr,
			Password: f.cfg.TCPKVPassword,
			DB:       f.cfg.TCPKVDB,
			TLS:      f.cfg.TCPKVTLS,
			Logger:   f.logger,
		}), nil
	case provider.RemoteKV:
		return remotekv.New(remotekv.Config{
			BaseURL:     f.cfg.RemoteKVBaseURL,
			AccountID:   f.cfg.RemoteKVAccount,
			NamespaceID: f.cfg.RemoteKVNamespace,
			BearerToken: f.cfg.RemoteKVToken,
			Logger:      f.logger,
		}), nil
	case provider.RESTKV:
		return restkv.New(restkv.Config{
			BaseURL:     f.cfg.RESTKVURL,
			BearerToken: f.cfg.RESTKVToken,
			Logger:      f.logger,
		}), nil
	case provider.MemoryKV:
		return memkv.New(f.cfg.L1Cap), nil
	default:
		return nil, cachefabric.New(cachefabric.KindClient, string(id), "", fmt.Errorf("unknown provider id %q", id))
	}
}

// probe issues the cheap, side-effect-free health call the failover
// controller's recovery loop uses to test a demoted provider.
func (f *Facade) probe(ctx context.Context, id provider.ID) error {
	p, err := f.providerFor(id)
	if err != nil {
		return err
	}
	if pinger, ok := p.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	_, err = p.Get(ctx, "__health_check__", "")
	return err
}

// syncHeartbeat arms a Prober exactly when the active provider is
// tcp-kv, and stops any previous one otherwise. Called after every
// RecordResult, since demotion/recovery can flip the active provider at
// any time.
func (f *Facade) syncHeartbeat() {
	active := f.controller.Active()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}

	if active != provider.TCPKV {
		if f.prober != nil {
			f.prober.Stop()
			f.prober = nil
		}
		return
	}

	if f.prober != nil && f.proberID == active {
		return
	}

	target, ok := f.providers[active].(heartbeat.Target)
	if !ok {
		return
	}
	if f.prober != nil {
		f.prober.Stop()
	}
	f.prober = heartbeat.New(target, f.cfg.HeartbeatInterval, heartbeat.DefaultRestartDelay, f.logger)
	f.proberID = active
	f.prober.Start()
}

// noopDispatchJob is the unit of work handed to a rate-limit dispatcher
// when the only thing that matters is the slot itself; the operation it
// guards runs afterward, outside the dispatcher's own serialization.
func noopDispatchJob(ctx context.Context) error { return nil }

// acquireRateLimit runs priority through the shared authentication
// dispatcher and then, for remote-backed providers, the provider's own
// quota dispatcher — both built on ratelimit.Dispatcher.Run so higher
// priority callers are admitted first. Memory never goes over the wire,
// so it's exempt from both.
func (f *Facade) acquireRateLimit(ctx context.Context, id provider.ID, priority int) error {
	if id == provider.MemoryKV {
		return nil
	}
	if err := f.authDispatcher.Run(ctx, priority, noopDispatchJob); err != nil {
		return cachefabric.Cancelled(err)
	}

	lane, ok := f.quotaLanes[id]
	if !ok {
		return nil
	}
	if err := lane.dispatcher.Run(ctx, priority, noopDispatchJob); err != nil {
		return cachefabric.Cancelled(err)
	}
	return nil
}

// withResult runs op against the active provider, retrying on the
// (possibly newly demoted) active provider up to the controller's
// max-attempts budget. Client and cancellation errors return immediately
// without consuming an attempt on a fallback; every attempt's outcome
// feeds RecordResult so the failover state machine stays current and
// the provider's quota auto-scaler sees its success ratio.
func withResult[T any](f *Facade, ctx context.Context, priority int, op func(ctx context.Context, p provider.Provider, id provider.ID) (T, error)) (T, error) {
	var zero T
	if f.isDestroyed() {
		return zero, cachefabric.Terminal
	}

	maxAttempts := f.controller.MaxAttempts()
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := f.controller.Active()

		p, err := f.providerFor(id)
		if err != nil {
			return zero, err
		}
		if err := f.acquireRateLimit(ctx, id, priority); err != nil {
			return zero, err
		}

		v, err := op(ctx, p, id)
		f.controller.RecordResult(id, err)
		f.syncHeartbeat()
		if lane, ok := f.quotaLanes[id]; ok {
			if err == nil {
				lane.scaler.RecordSuccess()
			} else {
				lane.scaler.RecordFailure()
			}
		}

		if err == nil {
			return v, nil
		}
		lastErr = err

		switch cachefabric.KindOf(err) {
		case cachefabric.KindClient, cachefabric.KindCancelled:
			return zero, err
		}
	}

	return zero, cachefabric.Unavailable(string(f.controller.Active()), lastErr)
}

func (f *Facade) withProvider(ctx context.Context, priority int, op func(ctx context.Context, p provider.Provider, id provider.ID) error) error {
	_, err := withResult(f, ctx, priority, func(ctx context.Context, p provider.Provider, id provider.ID) (struct{}, error) {
		return struct{}{}, op(ctx, p, id)
	})
	return err
}

// opOptions backs every operation's variadic opts: the skipCache/
// cacheTTL pair Get and Set use, plus the priority every rate-limited
// operation accepts.
type opOptions struct {
	skipCache bool
	cacheTTL  time.Duration
	priority  int
}

// CallOption customizes a single facade call.
type CallOption func(*opOptions)

// SkipCache bypasses L1 entirely for this call: Get reads straight
// through to the provider and never populates L1; Set writes straight
// through without the IsUnchanged short-circuit or the L1 population.
func SkipCache() CallOption {
	return func(o *opOptions) { o.skipCache = true }
}

// WithCacheTTL overrides the L1 TTL this call's result is cached under
// (still clamped to Config.L1TTL by resolveL1TTL).
func WithCacheTTL(ttl time.Duration) CallOption {
	return func(o *opOptions) { o.cacheTTL = ttl }
}

// DefaultPriority is the priority an operation runs at when the caller
// doesn't supply WithPriority: neither favored nor deprioritized against
// concurrent callers sharing the same rate limiter.
const DefaultPriority = 0

// WithPriority sets the integer priority this call's rate-limit wait is
// queued at (higher runs earlier); ties break in submission order. It
// governs queueing only, never whether the call is allowed at all.
func WithPriority(priority int) CallOption {
	return func(o *opOptions) { o.priority = priority }
}

func resolveOptions(opts []CallOption) opOptions {
	o := opOptions{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encodeValue turns a Go value into the pre-encoded string form every
// provider adapter stores. Strings and []byte pass through unchanged;
// everything else is JSON-marshaled.
func encodeValue(value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("value cannot be nil")
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeValue parses raw according to typ. Only ValueJSON triggers
// decoding; everything else is returned as the provider gave it.
func decodeValue(raw any, typ ValueType) (any, error) {
	if raw == nil || typ != ValueJSON {
		return raw, nil
	}
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, cachefabric.New(cachefabric.KindClient, "", "", err)
	}
	return v, nil
}
