// Package restkv implements the HTTP REST KV adapter: a JSON
// command-protocol backend (Upstash-shaped) where every operation is an
// array-of-args POST body and the response is a `{result}`/`{error}`
// envelope. Pipelining POSTs an array-of-arrays to a dedicated endpoint,
// falling back to sequential single-exec calls when that endpoint is
// absent.
package restkv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/takaraflow/cachefabric"
	"github.com/takaraflow/cachefabric/log"
	"github.com/takaraflow/cachefabric/provider"
)

// unlockScript mirrors tcpkv's compare-and-delete; this backend also
// requires EVAL for Lock since a single REST command can't chain
// NX+PX+local-token verification as cheaply as a script can.
const unlockScript = `if redis.call("get",KEYS[1])==ARGV[1] then return redis.call("del",KEYS[1]) else return 0 end`
const lockScript = `return redis.call("set",KEYS[1],ARGV[1],"NX","PX",ARGV[2])`

// Config holds the adapter's connection parameters.
type Config struct {
	BaseURL     string // e.g. https://us1-rest.example.upstash.io
	BearerToken string
	HTTPClient  *http.Client
	Logger      log.Logger
}

// Provider is the HTTP REST KV adapter.
type Provider struct {
	cfg           Config
	client        *http.Client
	logger        log.Logger
	pipelineKnown bool // true once a 404 has told us /pipeline doesn't exist
}

func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop{}
	}
	return &Provider{cfg: cfg, client: client, logger: logger}
}

func (p *Provider) Initialize(ctx context.Context) error { return nil }

func (p *Provider) Name() provider.ID { return provider.RESTKV }

type envelope struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// exec POSTs a single command (array of args) to the base endpoint and
// returns the decoded envelope.
func (p *Provider) exec(ctx context.Context, key string, args []string) (envelope, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return envelope{}, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return envelope{}, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return envelope{}, provider.ClassifyTransportError(provider.RESTKV, key, err)
	}
	defer resp.Body.Close()

	p.logTelemetry(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, provider.ClassifyTransportError(provider.RESTKV, key, err)
	}

	if err := p.classifyStatus(resp, key, data); err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, err)
	}
	if env.Error != "" {
		return envelope{}, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, errors.New(env.Error))
	}
	return env, nil
}

// classifyStatus applies the 401/403-terminal and 429 rules. A 429 logs
// its Retry-After header value and is returned as a classified error;
// the adapter does not wait out the Retry-After period itself. A 2xx
// passes through untouched.
func (p *Provider) classifyStatus(resp *http.Response, key string, body []byte) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		p.logger.Warn("rate limited", map[string]any{
			"provider": string(provider.RESTKV), "key": key, "retry_after": retryAfter,
		})
	}
	return provider.ClassifyHTTPStatus(provider.RESTKV, key, resp.StatusCode, string(body))
}

func (p *Provider) logTelemetry(resp *http.Response) {
	cost := resp.Header.Get("Upstash-Request-Cost")
	latency := resp.Header.Get("Upstash-Latency")
	if cost == "" && latency == "" {
		return
	}
	p.logger.Debug("rest-kv telemetry", map[string]any{
		"request_cost": cost,
		"latency":      latency,
	})
}

func (p *Provider) Get(ctx context.Context, key, typeHint string) (any, error) {
	env, err := p.exec(ctx, key, []string{"GET", key})
	if err != nil {
		return nil, err
	}
	if env.Result == nil {
		return nil, nil
	}

	s, ok := env.Result.(string)
	if !ok {
		return env.Result, nil
	}
	if typeHint == "json" {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, err)
		}
		return v, nil
	}
	return s, nil
}

func (p *Provider) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	clamped, raised := provider.ClampTTL(provider.RESTKV, ttl)
	if raised {
		p.logger.Warn("ttl raised to provider floor", map[string]any{
			"provider": string(provider.RESTKV), "key": key,
		})
	}

	encoded, err := encodeValue(value)
	if err != nil {
		return cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, err)
	}

	_, err = p.exec(ctx, key, []string{"SET", key, encoded, "PX", strconv.FormatInt(clamped.Milliseconds(), 10)})
	return err
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.exec(ctx, key, []string{"DEL", key})
	return err
}

func (p *Provider) Exists(ctx context.Context, key string) (bool, error) {
	env, err := p.exec(ctx, key, []string{"EXISTS", key})
	if err != nil {
		return false, err
	}
	n, _ := toInt64(env.Result)
	return n > 0, nil
}

func (p *Provider) Incr(ctx context.Context, key string) (int64, error) {
	env, err := p.exec(ctx, key, []string{"INCR", key})
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(env.Result)
	if !ok {
		return 0, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key,
			fmt.Errorf("unexpected INCR result type %T", env.Result))
	}
	return n, nil
}

// Lock and Unlock are scripted via EVAL so acquisition/release stay
// atomic even though the transport is plain HTTP.
func (p *Provider) Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	env, err := p.exec(ctx, key, []string{
		"EVAL", lockScript, "1", key, token, strconv.FormatInt(ttl.Milliseconds(), 10),
	})
	if err != nil {
		return false, err
	}
	return env.Result != nil, nil
}

func (p *Provider) Unlock(ctx context.Context, key, token string) (bool, error) {
	env, err := p.exec(ctx, key, []string{"EVAL", unlockScript, "1", key, token})
	if err != nil {
		return false, err
	}
	n, _ := toInt64(env.Result)
	return n == 1, nil
}

// ListKeys issues SCAN commands in a cursor loop, same shape as
// tcpkv's native SCAN but expressed as REST commands.
func (p *Provider) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	cursor := "0"
	var keys []string

	for {
		env, err := p.exec(ctx, "", []string{"SCAN", cursor, "MATCH", prefix + "*", "COUNT", "200"})
		if err != nil {
			return nil, err
		}

		pair, ok := env.Result.([]any)
		if !ok || len(pair) != 2 {
			return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), "",
				fmt.Errorf("unexpected SCAN result shape"))
		}
		cursor, _ = pair[0].(string)

		batch, _ := pair[1].([]any)
		for _, k := range batch {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
				if limit > 0 && len(keys) >= limit {
					return keys[:limit], nil
				}
			}
		}

		if cursor == "0" || cursor == "" {
			break
		}
	}
	return keys, nil
}

// BulkSet prefers the dedicated /pipeline endpoint (array-of-arrays,
// order-preserving per-item envelopes) and falls back to sequential
// single-exec calls once a 404 has told us pipelining isn't supported.
func (p *Provider) BulkSet(ctx context.Context, pairs map[string]any, ttl time.Duration) ([]provider.BulkResult, error) {
	clamped, _ := provider.ClampTTL(provider.RESTKV, ttl)

	keys := make([]string, 0, len(pairs))
	commands := make([][]string, 0, len(pairs))
	for k, v := range pairs {
		encoded, err := encodeValue(v)
		if err != nil {
			keys = append(keys, k)
			commands = append(commands, nil)
			continue
		}
		keys = append(keys, k)
		commands = append(commands, []string{"SET", k, encoded, "PX", strconv.FormatInt(clamped.Milliseconds(), 10)})
	}

	if !p.pipelineKnown {
		envs, err := p.execPipeline(ctx, commands)
		if err == nil {
			return resultsFrom(keys, envs), nil
		}
		if !p.pipelineKnown {
			return nil, err
		}
	}

	results := make([]provider.BulkResult, 0, len(keys))
	for i, key := range keys {
		if commands[i] == nil {
			results = append(results, provider.BulkResult{Key: key, Success: false,
				Err: cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, errors.New("encode failed"))})
			continue
		}
		_, err := p.exec(ctx, key, commands[i])
		results = append(results, provider.BulkResult{Key: key, Success: err == nil, Err: err})
	}
	return results, nil
}

func (p *Provider) execPipeline(ctx context.Context, commands [][]string) ([]envelope, error) {
	body, err := json.Marshal(commands)
	if err != nil {
		return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), "", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransportError(provider.RESTKV, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.pipelineKnown = true
		return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), "", errors.New("pipeline endpoint not found"))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.ClassifyTransportError(provider.RESTKV, "", err)
	}
	if err := p.classifyStatus(resp, "", data); err != nil {
		return nil, err
	}

	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), "", err)
	}
	return envs, nil
}

func resultsFrom(keys []string, envs []envelope) []provider.BulkResult {
	results := make([]provider.BulkResult, 0, len(keys))
	for i, key := range keys {
		if i >= len(envs) {
			results = append(results, provider.BulkResult{Key: key, Success: false})
			continue
		}
		if envs[i].Error != "" {
			results = append(results, provider.BulkResult{
				Key: key, Success: false,
				Err: cachefabric.New(cachefabric.KindClient, string(provider.RESTKV), key, errors.New(envs[i].Error)),
			})
			continue
		}
		results = append(results, provider.BulkResult{Key: key, Success: true})
	}
	return results
}

func (p *Provider) Disconnect(ctx context.Context) error { return nil }

func (p *Provider) ConnectionInfo() provider.ConnectionInfo {
	return provider.ConnectionInfo{
		"kind":     "http-rest-kv",
		"base_url": p.cfg.BaseURL,
	}
}

func encodeValue(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
