// Package memkv is the in-process memory fallback provider: the last
// link in every failover chain, and the sole backend when no remote is
// configured. It reuses the same bounded, TTL-expiring map shape as l1,
// since both need identical capacity and eviction behavior.
package memkv

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/provider"
)

const lockPrefix = "__lock:"

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	element   *list.Element
}

// Provider is the in-process memory backend.
type Provider struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    *list.List
	capacity int
	matcher  *provider.KeyMatcher
}

// New creates a memory provider bounded to capacity entries (same
// default as l1 when capacity <= 0).
func New(capacity int) *Provider {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Provider{
		entries:  make(map[string]*entry, capacity),
		order:    list.New(),
		capacity: capacity,
		matcher:  provider.NewKeyMatcher(),
	}
}

func (p *Provider) Initialize(ctx context.Context) error { return nil }

func (p *Provider) Name() provider.ID { return provider.MemoryKV }

func (p *Provider) Get(ctx context.Context, key, typeHint string) (any, error) {
	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		p.mu.Lock()
		p.deleteUnsafe(key)
		p.mu.Unlock()
		return nil, nil
	}

	p.mu.Lock()
	p.order.MoveToFront(e.element)
	p.mu.Unlock()
	return e.value, nil
}

func (p *Provider) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ttl, _ = provider.ClampTTL(provider.MemoryKV, ttl)

	p.mu.Lock()
	defer p.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if e, ok := p.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		p.order.MoveToFront(e.element)
		return nil
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	e.element = p.order.PushFront(e)
	p.entries[key] = e

	if len(p.entries) > p.capacity {
		p.evictOldestUnsafe()
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteUnsafe(key)
	return nil
}

func (p *Provider) Exists(ctx context.Context, key string) (bool, error) {
	v, err := p.Get(ctx, key, "")
	return v != nil, err
}

func (p *Provider) Incr(ctx context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current int64
	if e, ok := p.entries[key]; ok && !time.Now().After(e.expiresAt) {
		s, ok := e.value.(string)
		if !ok {
			return 0, cachefabric.New(cachefabric.KindClient, string(provider.MemoryKV), key,
				fmt.Errorf("value is not an integer string"))
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, cachefabric.New(cachefabric.KindClient, string(provider.MemoryKV), key, err)
		}
		current = n
	}

	current++
	next := strconv.FormatInt(current, 10)

	if e, ok := p.entries[key]; ok {
		e.value = next
		e.expiresAt = time.Now().Add(time.Hour)
		p.order.MoveToFront(e.element)
	} else {
		e := &entry{key: key, value: next, expiresAt: time.Now().Add(time.Hour)}
		e.element = p.order.PushFront(e)
		p.entries[key] = e
		if len(p.entries) > p.capacity {
			p.evictOldestUnsafe()
		}
	}

	return current, nil
}

// Lock uses a local __lock:key sentinel entry holding the caller's
// token. Atomicity is trivial here since everything is under p.mu.
func (p *Provider) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lockKey := lockPrefix + key

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[lockKey]; ok && !time.Now().After(e.expiresAt) {
		return false, nil
	}

	e := &entry{key: lockKey, value: token, expiresAt: time.Now().Add(ttl)}
	if existing, ok := p.entries[lockKey]; ok {
		existing.value = token
		existing.expiresAt = e.expiresAt
		p.order.MoveToFront(existing.element)
	} else {
		e.element = p.order.PushFront(e)
		p.entries[lockKey] = e
	}
	return true, nil
}

func (p *Provider) Unlock(ctx context.Context, key, token string) (bool, error) {
	lockKey := lockPrefix + key

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[lockKey]
	if !ok || time.Now().After(e.expiresAt) {
		return false, nil
	}
	if e.value != token {
		return false, nil
	}
	p.deleteUnsafe(lockKey)
	return true, nil
}

func (p *Provider) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	pattern := prefix
	if pattern == "" {
		pattern = "*"
	} else if pattern[len(pattern)-1] != '*' {
		pattern += "*"
	}

	p.mu.RLock()
	now := time.Now()
	keys := make([]string, 0, len(p.entries))
	for k, e := range p.entries {
		if now.After(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	sort.Strings(keys)

	matched, err := p.matcher.Filter(pattern, keys)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (p *Provider) BulkSet(ctx context.Context, pairs map[string]any, ttl time.Duration) ([]provider.BulkResult, error) {
	results := make([]provider.BulkResult, 0, len(pairs))
	for k, v := range pairs {
		err := p.Set(ctx, k, v, ttl)
		results = append(results, provider.BulkResult{Key: k, Success: err == nil, Err: err})
	}
	return results, nil
}

func (p *Provider) Disconnect(ctx context.Context) error { return nil }

func (p *Provider) ConnectionInfo() provider.ConnectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return provider.ConnectionInfo{
		"kind":    "memory",
		"entries": len(p.entries),
	}
}

func (p *Provider) deleteUnsafe(key string) bool {
	e, ok := p.entries[key]
	if !ok {
		return false
	}
	p.order.Remove(e.element)
	delete(p.entries, key)
	return true
}

func (p *Provider) evictOldestUnsafe() {
	n := len(p.entries) / 10
	if n < 1 {
		n = 1
	}

	victims := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].expiresAt.Before(victims[j].expiresAt)
	})

	for i := 0; i < n && i < len(victims); i++ {
		p.order.Remove(victims[i].element)
		delete(p.entries, victims[i].key)
	}
}
