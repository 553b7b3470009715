// Package pipeline implements command batching over the Provider
// contract: accumulate Set/Get/Del/Exists/Incr/Expire calls, then submit
// them in a single round-trip. Pipelines are not transactional — a
// command that errors leaves a per-entry marker at its index without
// aborting the rest of the batch, generalizing the BulkSet contract
// every provider already implements to the full command set.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/provider"
)

// execFunc is supplied by cache.Facade: it applies rate limiting and
// failover retry the same way every other facade operation does, then
// dispatches the accumulated commands.
type execFunc func(ctx context.Context, cmds []provider.PipelineCommand) ([]provider.PipelineResult, error)

// Pipeline accumulates commands against a single logical call to Exec.
// Not safe for concurrent accumulation from multiple goroutines followed
// by a single Exec race; callers building one pipeline should do so from
// one goroutine.
type Pipeline struct {
	mu   sync.Mutex
	cmds []provider.PipelineCommand
	exec execFunc
}

func newPipeline(exec execFunc) *Pipeline {
	return &Pipeline{exec: exec}
}

// New wraps an already-built execFunc. Exported so other packages (or
// tests) can construct a Pipeline without going through cache.Facade.
func New(exec func(ctx context.Context, cmds []provider.PipelineCommand) ([]provider.PipelineResult, error)) *Pipeline {
	return newPipeline(exec)
}

func (p *Pipeline) append(cmd provider.PipelineCommand) *Pipeline {
	p.mu.Lock()
	p.cmds = append(p.cmds, cmd)
	p.mu.Unlock()
	return p
}

func (p *Pipeline) Set(key string, value any, ttl time.Duration) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeSet, Key: key, Value: value, TTL: ttl})
}

func (p *Pipeline) Get(key string) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeGet, Key: key})
}

func (p *Pipeline) Del(key string) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeDelete, Key: key})
}

func (p *Pipeline) Exists(key string) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeExists, Key: key})
}

func (p *Pipeline) Incr(key string) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeIncr, Key: key})
}

func (p *Pipeline) Expire(key string, ttl time.Duration) *Pipeline {
	return p.append(provider.PipelineCommand{Kind: provider.PipeExpire, Key: key, TTL: ttl})
}

// Len reports how many commands are currently queued.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cmds)
}

// Exec submits every queued command in one round-trip (when the active
// provider supports it) or sequentially otherwise, then clears the
// queue. results[i] corresponds to the i-th command submitted.
func (p *Pipeline) Exec(ctx context.Context) ([]provider.PipelineResult, error) {
	p.mu.Lock()
	cmds := append([]provider.PipelineCommand(nil), p.cmds...)
	p.cmds = p.cmds[:0]
	p.mu.Unlock()

	if len(cmds) == 0 {
		return nil, nil
	}
	return p.exec(ctx, cmds)
}

// ExecSequential drives cmds one at a time against p, the fallback path
// for every provider that doesn't implement provider.Pipeliner.
func ExecSequential(ctx context.Context, p provider.Provider, cmds []provider.PipelineCommand) ([]provider.PipelineResult, error) {
	results := make([]provider.PipelineResult, len(cmds))
	for i, cmd := range cmds {
		results[i] = execOne(ctx, p, cmd)
	}
	return results, nil
}

func execOne(ctx context.Context, p provider.Provider, cmd provider.PipelineCommand) provider.PipelineResult {
	switch cmd.Kind {
	case provider.PipeSet:
		err := p.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)
		if err != nil {
			return provider.PipelineResult{Err: err}
		}
		return provider.PipelineResult{Value: "OK"}

	case provider.PipeGet:
		v, err := p.Get(ctx, cmd.Key, "")
		return provider.PipelineResult{Value: v, Err: err}

	case provider.PipeDelete:
		if err := p.Delete(ctx, cmd.Key); err != nil {
			return provider.PipelineResult{Err: err}
		}
		return provider.PipelineResult{Value: int64(1)}

	case provider.PipeExists:
		ok, err := p.Exists(ctx, cmd.Key)
		return provider.PipelineResult{Value: ok, Err: err}

	case provider.PipeIncr:
		n, err := p.Incr(ctx, cmd.Key)
		return provider.PipelineResult{Value: n, Err: err}

	case provider.PipeExpire:
		return execExpire(ctx, p, cmd)

	default:
		return provider.PipelineResult{
			Err: cachefabric.New(cachefabric.KindClient, string(p.Name()), cmd.Key,
				fmt.Errorf("unknown pipeline command kind %d", cmd.Kind)),
		}
	}
}

// execExpire re-applies a new TTL via Get-then-Set, since the Provider
// contract has no standalone TTL-touch operation. Best-effort and not
// atomic; providers with a native pipeline (tcpkv) use EXPIRE directly
// instead via their own ExecPipeline.
func execExpire(ctx context.Context, p provider.Provider, cmd provider.PipelineCommand) provider.PipelineResult {
	v, err := p.Get(ctx, cmd.Key, "")
	if err != nil {
		return provider.PipelineResult{Err: err}
	}
	if v == nil {
		return provider.PipelineResult{Value: int64(0)}
	}
	if err := p.Set(ctx, cmd.Key, v, cmd.TTL); err != nil {
		return provider.PipelineResult{Err: err}
	}
	return provider.PipelineResult{Value: int64(1)}
}
