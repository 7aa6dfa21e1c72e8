// Package config loads the relay node's configuration: a JSON document
// describing the cluster's node list plus flag overrides for the most
// commonly-tuned knobs.
//
// Grounded on the teacher's clusterConfig/clusterNodeConfig (server/
// cluster.go) for the cluster-node-list shape, and on tinode-db/main.go
// for the flag-based CLI convention (a handful of named flags layered
// over a JSON config file read once at startup).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// ClusterNode names one member of the relay cluster (mirrors the
// teacher's clusterNodeConfig).
type ClusterNode struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Config is the relay node's full runtime configuration.
type Config struct {
	// SelfName is this node's entry in Nodes.
	SelfName string `json:"self"`
	// Nodes lists every cluster member, including this one.
	Nodes []ClusterNode `json:"nodes"`

	// ListenAddress is the public HTTP/WebSocket listener (hub channels
	// and client requests alike), e.g. ":8443".
	ListenAddress string `json:"listen_address"`
	// InternalAddress is this node's address as dialed by
	// CrossNodeForwarder from other nodes.
	InternalAddress string `json:"internal_address"`
	// MetricsAddress serves /metrics and /healthz.
	MetricsAddress string `json:"metrics_address"`
	// PublicHost is the Host header value substituted for ordinary
	// requests (spec §4.4 step 4 header hygiene).
	PublicHost string `json:"public_host"`
	// RemoteHost replaces PublicHost for requests under /remote/ (spec
	// §4.4 step 4's alternate-host convention).
	RemoteHost string `json:"remote_host"`

	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	LockTTL       time.Duration `json:"lock_ttl"`
	RenewInterval time.Duration `json:"renew_interval"`
	PingInterval  time.Duration `json:"ping_interval"`
	DeadPeerAfter time.Duration `json:"dead_peer_after"`

	RequestTimeout    time.Duration `json:"request_timeout"`
	PendingRequestTTL time.Duration `json:"pending_request_ttl"`

	MaxBodyBytes int64 `json:"max_body_bytes"`
	// MaxPendingPerSession caps the number of requests a single
	// HubSession may have in flight toward its hub at once (spec §6 "max
	// pending per session"); further sends are rejected rather than
	// queued unbounded.
	MaxPendingPerSession int `json:"max_pending_per_session"`
}

// Default returns the baseline configuration; callers apply Load /
// ApplyFlags on top.
func Default() Config {
	return Config{
		ListenAddress:        ":8443",
		MetricsAddress:       ":9090",
		RedisAddress:         "localhost:6379",
		LockTTL:              5 * time.Minute,
		RenewInterval:        90 * time.Second,
		PingInterval:         25 * time.Second,
		DeadPeerAfter:        60 * time.Second,
		RequestTimeout:       2 * time.Second,
		PendingRequestTTL:    10 * time.Minute,
		MaxBodyBytes:         10 << 20,
		MaxPendingPerSession: 64,
	}
}

// Load reads a JSON config document from path and overlays it onto
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyFlags registers the relay's command-line overrides on fs and
// returns a function that, once fs.Parse has run, writes any flags the
// caller actually set back into cfg.
func ApplyFlags(fs *flag.FlagSet, cfg *Config) func() {
	listen := fs.String("listen", cfg.ListenAddress, "public HTTP/WebSocket listen address")
	internal := fs.String("internal-address", cfg.InternalAddress, "this node's address as dialed by other cluster nodes")
	metrics := fs.String("metrics-address", cfg.MetricsAddress, "Prometheus /metrics and /healthz listen address")
	redisAddr := fs.String("redis-address", cfg.RedisAddress, "Redis address backing the ConnectionStore")
	selfName := fs.String("self", cfg.SelfName, "this node's name within the cluster node list")
	lockTTL := fs.Duration("lock-ttl", cfg.LockTTL, "ConnectionStore ownership lock TTL")
	keepalive := fs.Duration("keepalive-interval", cfg.PingInterval, "hub channel ping/keepalive interval")
	maxPending := fs.Int("max-pending-per-session", cfg.MaxPendingPerSession, "maximum in-flight requests per hub session")

	return func() {
		cfg.ListenAddress = *listen
		cfg.InternalAddress = *internal
		cfg.MetricsAddress = *metrics
		cfg.RedisAddress = *redisAddr
		cfg.SelfName = *selfName
		cfg.LockTTL = *lockTTL
		cfg.PingInterval = *keepalive
		cfg.MaxPendingPerSession = *maxPending
	}
}
