package cache

import (
	"strconv"
	"time"

	"github.com/takaraflow/cachefabric/log"
	"github.com/takaraflow/cachefabric/provider"
)

// ValueType tells Get how to decode the raw value a provider returns.
// An empty ValueType means "return the raw string/bytes as-is".
type ValueType string

const (
	ValueRaw  ValueType = ""
	ValueJSON ValueType = "json"
)

// Config holds every knob the facade and its collaborators need. Loading
// it from the environment (or any other source) is the embedding
// application's job; ConfigFromEnv is a convenience for callers who
// already have a flat string map handy.
type Config struct {
	// Provider, if set, overrides auto-detection. Auto-detection
	// otherwise picks the first of tcp-kv / remote-http-kv / http-rest-kv
	// / memory whose credentials are present.
	Provider provider.ID

	RemoteKVAccount   string
	RemoteKVNamespace string
	RemoteKVToken     string
	RemoteKVBaseURL   string

	TCPKVAddr     string
	TCPKVPassword string
	TCPKVDB       int
	TCPKVTLS      bool

	RESTKVURL   string
	RESTKVToken string

	L1Cap int
	L1TTL time.Duration

	// HeartbeatInterval is the tick period of the TCP-KV heartbeat
	// prober, passed straight through to heartbeat.New.
	HeartbeatInterval time.Duration
	// RecoveryInterval and RecoveryIntervalQuota are the failover
	// controller's two recovery-probe periods (non-quota and quota
	// demotions respectively), passed straight through to failover.New.
	RecoveryInterval      time.Duration
	RecoveryIntervalQuota time.Duration

	// FailoverThreshold is accepted for parity with the documented
	// configuration surface, but the controller's consecutive-failure
	// threshold is standardized on 2 (see DESIGN.md); a value other than
	// 2 (or the zero value, which means "use the default") is logged as a
	// warning at New time and otherwise ignored rather than silently
	// miscounted.
	FailoverThreshold int

	Logger log.Logger
}

func withDefaults(cfg Config) Config {
	if cfg.L1Cap <= 0 {
		cfg.L1Cap = 1000
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 30 * time.Minute
	}
	if cfg.RecoveryIntervalQuota <= 0 {
		cfg.RecoveryIntervalQuota = 12 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop{}
	}
	return cfg
}

// ConfigFromEnv builds a Config from a flat string map of environment
// variable values, such as one loaded via os.Environ.
func ConfigFromEnv(env map[string]string) Config {
	return Config{
		Provider: provider.ID(env["CACHE_PROVIDER"]),

		RemoteKVAccount:   env["REMOTE_KV_ACCOUNT"],
		RemoteKVNamespace: env["REMOTE_KV_NAMESPACE"],
		RemoteKVToken:     env["REMOTE_KV_TOKEN"],

		TCPKVAddr:     tcpKVAddr(env),
		TCPKVPassword: env["TCP_KV_PASSWORD"],

		RESTKVURL:   env["HTTP_REST_KV_URL"],
		RESTKVToken: env["HTTP_REST_KV_TOKEN"],

		L1Cap:                 envInt(env, "L1_CAP", 1000),
		L1TTL:                 envMillis(env, "L1_TTL_MS", 10000),
		HeartbeatInterval:     envMillis(env, "HEARTBEAT_INTERVAL_MS", 30000),
		RecoveryInterval:      envMillis(env, "RECOVERY_INTERVAL_MS", 1800000),
		RecoveryIntervalQuota: envMillis(env, "RECOVERY_INTERVAL_QUOTA_MS", 43200000),
		FailoverThreshold:     envInt(env, "FAILOVER_THRESHOLD", 2),
	}
}

func tcpKVAddr(env map[string]string) string {
	if addr := env["TCP_KV_URL"]; addr != "" {
		return addr
	}
	host := env["TCP_KV_HOST"]
	if host == "" {
		return ""
	}
	port := env["TCP_KV_PORT"]
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

func envInt(env map[string]string, key string, def int) int {
	v, ok := env[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillis(env map[string]string, key string, defMillis int) time.Duration {
	return time.Duration(envInt(env, key, defMillis)) * time.Millisecond
}

// detectProvider resolves the active provider: explicit choice wins;
// otherwise auto-detect by configured credentials in priority tcp-kv >
// remote-http-kv > http-rest-kv > memory. Missing credentials at any
// tier fall through rather than erroring.
func detectProvider(cfg Config) provider.ID {
	if cfg.Provider != "" {
		return cfg.Provider
	}
	if cfg.TCPKVAddr != "" {
		return provider.TCPKV
	}
	if cfg.RemoteKVAccount != "" && cfg.RemoteKVNamespace != "" && cfg.RemoteKVToken != "" {
		return provider.RemoteKV
	}
	if cfg.RESTKVURL != "" && cfg.RESTKVToken != "" {
		return provider.RESTKV
	}
	return provider.MemoryKV
}
