// Package tcpkv implements the TCP KV adapter: a native-client-library
// connection (optionally TLS) exposing the full command set, grounded
// on the go-redis usage shown in store/redis/store.go across the
// example pack. Lock is a SET NX with a TTL and Unlock a compare-and-delete
// EVAL script; this is the only adapter the heartbeat package probes.
package tcpkv

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/heartbeat"
	"github.com/takaraflow/cachefabric/log"
	"github.com/takaraflow/cachefabric/provider"
)

// unlockScript atomically deletes key iff its current value equals the
// token passed as ARGV[1].
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Config holds connection parameters for the native client.
type Config struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	Logger   log.Logger
}

// Provider is the TCP KV adapter.
type Provider struct {
	cfg    Config
	logger log.Logger

	mu     sync.RWMutex
	client *goredis.Client
	closed bool
}

func clientOptions(cfg Config) *goredis.Options {
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// New creates a Provider. Connection is established lazily by go-redis;
// Initialize issues a PING to confirm reachability.
func New(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop{}
	}
	return &Provider{cfg: cfg, client: goredis.NewClient(clientOptions(cfg)), logger: logger}
}

// NewFromClient wraps an already-constructed client (used by tests with
// a fake/mini-redis server, and by callers who need cluster/sentinel
// client construction this package doesn't expose directly).
func NewFromClient(client *goredis.Client, logger log.Logger) *Provider {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Provider{client: client, logger: logger}
}

// currentClient returns the live client under a read lock, so a
// concurrent Reconnect swap can't race with an in-flight command.
func (p *Provider) currentClient() *goredis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Provider) Initialize(ctx context.Context) error {
	if err := p.currentClient().Ping(ctx).Err(); err != nil {
		return provider.ClassifyTransportError(provider.TCPKV, "", err)
	}
	return nil
}

func (p *Provider) Name() provider.ID { return provider.TCPKV }

func (p *Provider) Get(ctx context.Context, key, typeHint string) (any, error) {
	val, err := p.currentClient().Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		p.noteFailure(err)
		return nil, provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return val, nil
}

func (p *Provider) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	clamped, raised := provider.ClampTTL(provider.TCPKV, ttl)
	if raised {
		p.logger.Warn("ttl raised to provider floor", map[string]any{
			"provider": string(provider.TCPKV), "key": key,
		})
	}

	s, ok := value.(string)
	if !ok {
		return cachefabric.New(cachefabric.KindClient, string(provider.TCPKV), key,
			errors.New("tcpkv.Set requires a pre-encoded string value"))
	}

	if err := p.currentClient().Set(ctx, key, s, clamped).Err(); err != nil {
		p.noteFailure(err)
		return provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	if err := p.currentClient().Del(ctx, key).Err(); err != nil {
		p.noteFailure(err)
		return provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return nil
}

func (p *Provider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.currentClient().Exists(ctx, key).Result()
	if err != nil {
		p.noteFailure(err)
		return false, provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return n > 0, nil
}

func (p *Provider) Incr(ctx context.Context, key string) (int64, error) {
	n, err := p.currentClient().Incr(ctx, key).Result()
	if err != nil {
		p.noteFailure(err)
		return 0, provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return n, nil
}

// Lock issues SET key token NX PX ttlMs, the atomic acquisition form.
func (p *Provider) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := p.currentClient().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		p.noteFailure(err)
		return false, provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	return ok, nil
}

// Unlock runs unlockScript via EVAL so the compare-and-delete is atomic.
func (p *Provider) Unlock(ctx context.Context, key, token string) (bool, error) {
	res, err := p.currentClient().Eval(ctx, unlockScript, []string{key}, token).Result()
	if err != nil {
		p.noteFailure(err)
		return false, provider.ClassifyTransportError(provider.TCPKV, key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ListKeys uses SCAN (never KEYS, which blocks the server) with a
// MATCH-prefix* cursor loop, truncated to limit.
func (p *Provider) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	match := prefix + "*"
	var cursor uint64
	var keys []string
	client := p.currentClient()

	for {
		batch, next, err := client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			p.noteFailure(err)
			return nil, provider.ClassifyTransportError(provider.TCPKV, "", err)
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// BulkSet uses a native pipeline, parsing per-item results individually
// (no all-or-nothing synthesis here, unlike remotekv).
func (p *Provider) BulkSet(ctx context.Context, pairs map[string]any, ttl time.Duration) ([]provider.BulkResult, error) {
	clamped, _ := provider.ClampTTL(provider.TCPKV, ttl)

	pipe := p.currentClient().Pipeline()
	cmds := make(map[string]*goredis.StatusCmd, len(pairs))
	for k, v := range pairs {
		s, ok := v.(string)
		if !ok {
			cmds[k] = nil
			continue
		}
		cmds[k] = pipe.Set(ctx, k, s, clamped)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		p.logger.Warn("pipeline exec returned an error; inspecting per-item results", map[string]any{
			"provider": string(provider.TCPKV), "error": err.Error(),
		})
	}

	results := make([]provider.BulkResult, 0, len(pairs))
	for k, cmd := range cmds {
		if cmd == nil {
			results = append(results, provider.BulkResult{
				Key: k, Success: false,
				Err: cachefabric.New(cachefabric.KindClient, string(provider.TCPKV), k,
					errors.New("value is not a pre-encoded string")),
			})
			continue
		}
		if cmdErr := cmd.Err(); cmdErr != nil {
			results = append(results, provider.BulkResult{
				Key: k, Success: false,
				Err: provider.ClassifyTransportError(provider.TCPKV, k, cmdErr),
			})
			continue
		}
		results = append(results, provider.BulkResult{Key: k, Success: true})
	}
	return results, nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.client.Close()
}

// ExecPipeline satisfies provider.Pipeliner: the whole batch goes out as
// one native go-redis pipeline round-trip, then results are read back
// per-command in submission order.
func (p *Provider) ExecPipeline(ctx context.Context, cmds []provider.PipelineCommand) ([]provider.PipelineResult, error) {
	client := p.currentClient()
	pipe := client.Pipeline()
	queued := make([]goredis.Cmder, len(cmds))

	for i, cmd := range cmds {
		switch cmd.Kind {
		case provider.PipeSet:
			clamped, _ := provider.ClampTTL(provider.TCPKV, cmd.TTL)
			s, _ := cmd.Value.(string)
			queued[i] = pipe.Set(ctx, cmd.Key, s, clamped)
		case provider.PipeGet:
			queued[i] = pipe.Get(ctx, cmd.Key)
		case provider.PipeDelete:
			queued[i] = pipe.Del(ctx, cmd.Key)
		case provider.PipeExists:
			queued[i] = pipe.Exists(ctx, cmd.Key)
		case provider.PipeIncr:
			queued[i] = pipe.Incr(ctx, cmd.Key)
		case provider.PipeExpire:
			queued[i] = pipe.Expire(ctx, cmd.Key, cmd.TTL)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		p.logger.Warn("pipeline exec returned an error; inspecting per-item results", map[string]any{
			"provider": string(provider.TCPKV), "error": err.Error(),
		})
	}

	results := make([]provider.PipelineResult, len(cmds))
	for i, cmd := range queued {
		results[i] = pipelineResultFromCmd(cmd)
	}
	return results, nil
}

func pipelineResultFromCmd(cmd goredis.Cmder) provider.PipelineResult {
	switch c := cmd.(type) {
	case *goredis.StatusCmd:
		if err := c.Err(); err != nil {
			return provider.PipelineResult{Err: provider.ClassifyTransportError(provider.TCPKV, "", err)}
		}
		return provider.PipelineResult{Value: c.Val()}
	case *goredis.StringCmd:
		if errors.Is(c.Err(), goredis.Nil) {
			return provider.PipelineResult{Value: nil}
		}
		if err := c.Err(); err != nil {
			return provider.PipelineResult{Err: provider.ClassifyTransportError(provider.TCPKV, "", err)}
		}
		return provider.PipelineResult{Value: c.Val()}
	case *goredis.IntCmd:
		if err := c.Err(); err != nil {
			return provider.PipelineResult{Err: provider.ClassifyTransportError(provider.TCPKV, "", err)}
		}
		return provider.PipelineResult{Value: c.Val()}
	case *goredis.BoolCmd:
		if err := c.Err(); err != nil {
			return provider.PipelineResult{Err: provider.ClassifyTransportError(provider.TCPKV, "", err)}
		}
		return provider.PipelineResult{Value: c.Val()}
	default:
		return provider.PipelineResult{
			Err: cachefabric.New(cachefabric.KindClient, string(provider.TCPKV), "",
				errors.New("unsupported pipeline command result type")),
		}
	}
}

func (p *Provider) ConnectionInfo() provider.ConnectionInfo {
	client := p.currentClient()
	opts := client.Options()
	return provider.ConnectionInfo{
		"kind": "tcp-kv",
		"addr": opts.Addr,
		"db":   opts.DB,
	}
}

// Ping is used directly by the heartbeat prober rather than going
// through Get, since a native PING is the cheaper liveness check.
func (p *Provider) Ping(ctx context.Context) error {
	err := p.currentClient().Ping(ctx).Err()
	if err != nil {
		p.noteFailure(err)
	}
	return err
}

// Status satisfies heartbeat.Target. A connection marked closed (by a
// failed ping or an explicit Disconnect) reports StatusClosed so the
// prober schedules a reconnect; otherwise it reports StatusReady.
func (p *Provider) Status() heartbeat.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return heartbeat.StatusClosed
	}
	return heartbeat.StatusReady
}

// noteFailure marks the connection closed on errors that indicate the
// underlying TCP connection is gone, so the next heartbeat tick
// reconnects instead of repeatedly pinging a dead socket.
func (p *Provider) noteFailure(err error) {
	if !isConnectionError(err) {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func isConnectionError(err error) bool {
	if errors.Is(err, goredis.Nil) {
		return false
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

// Reconnect satisfies heartbeat.Target. It tears down the old client and
// builds a fresh one from the stored config, swapping the pointer under
// the write lock so in-flight commands on the old client finish cleanly.
func (p *Provider) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	old := p.client
	next := goredis.NewClient(clientOptions(p.cfg))
	p.client = next
	p.closed = false
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if err := next.Ping(ctx).Err(); err != nil {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		return provider.ClassifyTransportError(provider.TCPKV, "", err)
	}
	return nil
}
