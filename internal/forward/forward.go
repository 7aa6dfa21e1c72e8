// Package forward implements CrossNodeForwarder (spec §4.5): when a hub's
// ConnectionOwnership names a node other than this one, the request is
// re-proxied there over an internal address rather than rejected.
//
// Grounded on the teacher's server/cluster.go ClusterNode.call/route,
// which forwards a topic operation to whichever cluster node owns the
// session, reconnecting lazily when the RPC link is down. That RPC
// transport is Go's net/rpc over TCP; this relay instead re-proxies
// plain HTTP/WebSocket over the cluster's internal address, since the
// thing being forwarded is itself an HTTP/WebSocket request rather than
// an internal cluster message. Worker concurrency for the bidirectional
// WebSocket bridge uses golang.org/x/sync/errgroup, a direct dependency
// of USA-RedDragon-DMRHub.
package forward

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/audit"
	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
)

// pathFirstSegment mirrors multiplex's audit-record truncation so a
// cross-node-forwarded request logs the same shape as a locally-served one
// (spec §4.7: "path-first-segment").
func pathFirstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// Config tunes CrossNodeForwarder behavior.
type Config struct {
	SelfNodeAddress string
	DialTimeout     time.Duration
	UseTLS          bool
}

// DefaultConfig returns sane defaults.
func DefaultConfig(selfNodeAddress string) Config {
	return Config{SelfNodeAddress: selfNodeAddress, DialTimeout: 5 * time.Second}
}

// CrossNodeForwarder re-proxies a client request to the node that
// actually owns the target hub's live session (spec §4.5).
type CrossNodeForwarder struct {
	cfg     Config
	client  *http.Client
	metrics *audit.Metrics
	audit   *audit.Logger
	log     zerolog.Logger
}

// New builds a CrossNodeForwarder.
func New(cfg Config, metrics *audit.Metrics, auditLog *audit.Logger, log zerolog.Logger) *CrossNodeForwarder {
	return &CrossNodeForwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: 0},
		metrics: metrics,
		audit:   auditLog,
		log:     log.With().Str("component", "forward").Logger(),
	}
}

// ForwardHTTP re-issues r against ownership.NodeAddress and copies the
// response back verbatim (spec §4.5 "plain HTTP re-proxy").
func (f *CrossNodeForwarder) ForwardHTTP(w http.ResponseWriter, r *http.Request, ownership *connstore.ConnectionOwnership) {
	if ownership.NodeAddress == f.cfg.SelfNodeAddress {
		http.Error(w, relayerr.ErrLoopDetected.Error(), http.StatusInternalServerError)
		return
	}
	f.metrics.CrossNodeForwards.Inc()
	start := time.Now()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, f.targetURL(ownership.NodeAddress, r), r.Body)
	if err != nil {
		http.Error(w, "failed building forwarded request", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("x-relay-forwarded-from", f.cfg.SelfNodeAddress)
	outReq.ContentLength = r.ContentLength

	resp, err := f.client.Do(outReq)
	if err != nil {
		f.log.Warn().Err(err).Str("node", ownership.NodeAddress).Msg("cross-node forward failed")
		http.Error(w, "failed to reach relay node", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	bytesOut, _ := io.Copy(w, resp.Body)

	if f.audit != nil {
		bytesIn := r.ContentLength
		if bytesIn < 0 {
			bytesIn = 0
		}
		f.audit.RequestCompleted(ownership.HubID, relayid.RequestID(0), r.Method, pathFirstSegment(r.URL.Path), r.Header.Get("x-acting-user"), resp.StatusCode, bytesIn, bytesOut, time.Since(start), true)
	}
}

// ForwardWebSocket bridges the client's hijacked connection to a raw TCP
// connection against the owning node's internal address, replaying the
// HTTP/1.1 upgrade handshake manually and then copying bytes in both
// directions until either side closes (spec §4.5 "WebSocket tunnel
// bridging").
func (f *CrossNodeForwarder) ForwardWebSocket(w http.ResponseWriter, r *http.Request, ownership *connstore.ConnectionOwnership) {
	if ownership.NodeAddress == f.cfg.SelfNodeAddress {
		http.Error(w, relayerr.ErrLoopDetected.Error(), http.StatusInternalServerError)
		return
	}
	f.metrics.CrossNodeForwards.Inc()
	start := time.Now()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	upstream, err := f.dial(ownership.NodeAddress)
	if err != nil {
		f.log.Warn().Err(err).Str("node", ownership.NodeAddress).Msg("cross-node websocket dial failed")
		return
	}
	defer upstream.Close()

	if err := r.Write(upstream); err != nil {
		return
	}

	g, _ := errgroup.WithContext(r.Context())
	var bytesIn, bytesOut int64
	g.Go(func() error {
		n, err := io.Copy(upstream, clientBuf)
		bytesIn = n
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(clientConn, upstream)
		bytesOut = n
		return err
	})
	g.Wait()

	if f.audit != nil {
		f.audit.RequestCompleted(ownership.HubID, relayid.RequestID(0), r.Method, pathFirstSegment(r.URL.Path), r.Header.Get("x-acting-user"), 0, bytesIn, bytesOut, time.Since(start), true)
	}
}

func (f *CrossNodeForwarder) dial(nodeAddress string) (net.Conn, error) {
	d := net.Dialer{Timeout: f.cfg.DialTimeout}
	if f.cfg.UseTLS {
		return tls.DialWithDialer(&d, "tcp", nodeAddress, nil)
	}
	return d.Dial("tcp", nodeAddress)
}

func (f *CrossNodeForwarder) targetURL(nodeAddress string, r *http.Request) string {
	scheme := "http"
	if f.cfg.UseTLS {
		scheme = "https"
	}
	path := r.URL.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := scheme + "://" + nodeAddress + path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
