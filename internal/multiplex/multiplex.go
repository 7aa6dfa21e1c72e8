// Package multiplex implements the Multiplexer (spec §4.4): the HTTP
// entry point that turns an inbound client request into a request frame
// on the owning hub's HubSession, tracks it in the RequestTracker, and
// relays the matching response frames back to the client.
//
// Grounded on the teacher's server/main.go HTTP routing (topic REST
// handlers delegating to Hub.route) and server/cluster.go's
// local-vs-remote dispatch (Cluster.isRemoteTopic / routeToNode). The
// cross-node delegation itself lives in the sibling forward package.
package multiplex

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/audit"
	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
	"github.com/openhub-relay/relay/internal/tracker"
)

// forwardedUserAgent replaces whatever User-Agent the client sent: the hub
// sees a fixed, relay-controlled value rather than a pass-through of
// client-supplied data (spec §4.4 step 4).
const forwardedUserAgent = "openhub-relay/1.0"

// HubResolver maps an inbound request to the hub-id it targets. Supplied
// by the caller rather than hard-coded, per spec §9 Open Question 1 ("how
// hub-id is derived from the request path/host is left to the deployment's
// routing convention").
type HubResolver interface {
	ResolveHubID(r *http.Request) (relayid.HubID, error)
}

// HubResolverFunc adapts a plain function to HubResolver.
type HubResolverFunc func(r *http.Request) (relayid.HubID, error)

// ResolveHubID implements HubResolver.
func (f HubResolverFunc) ResolveHubID(r *http.Request) (relayid.HubID, error) { return f(r) }

// LookupStore is the subset of connstore.Store the Multiplexer needs.
type LookupStore interface {
	Lookup(ctx context.Context, hubID relayid.HubID) (*connstore.ConnectionOwnership, error)
}

// SessionSender is the subset of *session.HubSession the Multiplexer
// drives; declared as a port so this package does not force a direct
// dependency edge beyond what it actually uses.
type SessionSender interface {
	SendRequest(ctx context.Context, f session.RequestFrame) error
	SendCancel(ctx context.Context, id relayid.RequestID) error
	SendWebSocketData(ctx context.Context, id relayid.RequestID, payload []byte) error
}

// LocalSessions resolves a hub-id to a locally-held session, if any.
type LocalSessions interface {
	Get(hubID relayid.HubID) (SessionSender, bool)
}

// SessionSenderLookup adapts a lookup function to LocalSessions. cmd/relayd
// wires it over *registry.Registry (which stores registry.Entry, a narrower
// interface) since registry.Entry only guarantees HubID(); the concrete
// *session.HubSession satisfies SessionSender too.
type SessionSenderLookup func(hubID relayid.HubID) (SessionSender, bool)

// Get implements LocalSessions.
func (f SessionSenderLookup) Get(hubID relayid.HubID) (SessionSender, bool) { return f(hubID) }

// Forwarder is the cross-node delegation port implemented by
// internal/forward.CrossNodeForwarder.
type Forwarder interface {
	ForwardHTTP(w http.ResponseWriter, r *http.Request, ownership *connstore.ConnectionOwnership)
	ForwardWebSocket(w http.ResponseWriter, r *http.Request, ownership *connstore.ConnectionOwnership)
}

// Config tunes Multiplexer behavior (spec §4.4/§5).
type Config struct {
	SelfNodeAddress string
	PublicHost      string
	RemoteHost      string
	// SendTimeout bounds how long SendRequest/SendCancel/SendWebSocketData
	// may block against a full outbound channel before the Multiplexer
	// answers 503 (spec §5 backpressure rule).
	SendTimeout time.Duration
	// MaxBodyBytes bounds how much of a non-upgrade request body is
	// buffered before forwarding (spec §4.4 step 6 pre-reads the body).
	MaxBodyBytes int64
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:  2 * time.Second,
		MaxBodyBytes: 10 << 20,
	}
}

// Multiplexer is the HTTP entry point of spec §4.4.
type Multiplexer struct {
	cfg      Config
	store    LookupStore
	sessions LocalSessions
	tracker  *tracker.Tracker
	forward  Forwarder
	resolver HubResolver
	audit    *audit.Logger
	metrics  *audit.Metrics
	log      zerolog.Logger
}

// New builds a Multiplexer.
func New(cfg Config, store LookupStore, sessions LocalSessions, tr *tracker.Tracker, forward Forwarder, resolver HubResolver, auditLog *audit.Logger, metrics *audit.Metrics, log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		tracker:  tr,
		forward:  forward,
		resolver: resolver,
		audit:    auditLog,
		metrics:  metrics,
		log:      log.With().Str("component", "multiplex").Logger(),
	}
}

// ServeHTTP implements spec §4.4 steps 1-8.
func (m *Multiplexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hubID, err := m.resolver.ResolveHubID(r)
	if err != nil {
		http.Error(w, "cannot determine target hub", http.StatusNotFound)
		return
	}

	ownership, err := m.store.Lookup(r.Context(), hubID)
	if err != nil {
		m.log.Error().Err(err).Str("hub_id", string(hubID)).Msg("connection store lookup failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	if ownership == nil {
		http.Error(w, "openHAB is offline", http.StatusInternalServerError)
		return
	}

	if ownership.NodeAddress != m.cfg.SelfNodeAddress {
		if isWebSocketUpgrade(r) {
			m.forward.ForwardWebSocket(w, r, ownership)
		} else {
			m.forward.ForwardHTTP(w, r, ownership)
		}
		return
	}

	sess, ok := m.sessions.Get(hubID)
	if !ok {
		// Lock says local, registry disagrees: a teardown race. Treat as
		// offline rather than blocking the client indefinitely.
		http.Error(w, "openHAB is offline", http.StatusInternalServerError)
		return
	}

	if isWebSocketUpgrade(r) {
		m.serveUpgrade(w, r, hubID, sess)
		return
	}
	m.serveHTTP(w, r, hubID, sess)
}

func (m *Multiplexer) serveHTTP(w http.ResponseWriter, r *http.Request, hubID relayid.HubID, sess SessionSender) {
	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, m.cfg.MaxBodyBytes+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			http.Error(w, "failed reading request body", http.StatusBadRequest)
			return
		}
		if int64(len(data)) > m.cfg.MaxBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = data
	}

	start := time.Now()
	headers, path := buildForwardedHeaders(r, forwardedUserAgent, m.cfg.PublicHost, m.cfg.RemoteHost)
	actingUser := r.Header.Get("x-acting-user")
	rw := newHTTPResponseWriter(w)
	pending := m.tracker.Add(hubID, rw)

	frame := session.RequestFrame{
		ID:      pending.ID,
		Method:  r.Method,
		Headers: headers,
		Path:    path,
		Query:   flattenQuery(r.URL.Query()),
		Body:    body,
		UserID:  actingUser,
	}

	sendCtx, cancel := context.WithTimeout(r.Context(), m.cfg.SendTimeout)
	err := sess.SendRequest(sendCtx, frame)
	cancel()
	if err != nil {
		m.tracker.Remove(pending.ID)
		m.writeSendError(w, err)
		return
	}

	clientGone := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			if removed := m.tracker.Remove(pending.ID); removed != nil {
				cctx, ccancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
				sess.SendCancel(cctx, pending.ID)
				ccancel()
				m.metrics.CancelTotal.Inc()
				// The client is already gone, so this Finalize only
				// unblocks the wait below; nothing is actually written.
				removed.Writer.Finalize(0, "")
			}
		case <-clientGone:
		}
	}()

	<-rw.Done()
	close(clientGone)
	dur := time.Since(start)
	m.audit.RequestCompleted(hubID, pending.ID, r.Method, pathFirstSegment(path), actingUser, rw.StatusCode(), int64(len(body)), rw.BytesOut(), dur, false)
	m.metrics.RequestDuration.WithLabelValues(statusClass(rw.StatusCode())).Observe(dur.Seconds())
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "unknown"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (m *Multiplexer) serveUpgrade(w http.ResponseWriter, r *http.Request, hubID relayid.HubID, sess SessionSender) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	headers, path := buildForwardedHeaders(r, forwardedUserAgent, m.cfg.PublicHost, m.cfg.RemoteHost)
	actingUser := r.Header.Get("x-acting-user")
	wsWriter := newWSResponseWriter(conn, rw)
	pending := m.tracker.Add(hubID, wsWriter)

	frame := session.RequestFrame{
		ID:      pending.ID,
		Method:  r.Method,
		Headers: headers,
		Path:    path,
		Query:   flattenQuery(r.URL.Query()),
		UserID:  actingUser,
	}

	sendCtx, cancel := context.WithTimeout(r.Context(), m.cfg.SendTimeout)
	err = sess.SendRequest(sendCtx, frame)
	cancel()
	if err != nil {
		m.tracker.Remove(pending.ID)
		conn.Close()
		return
	}

	go m.pumpClientBytes(rw, sess, pending.ID)

	<-wsWriter.Done()
	dur := time.Since(start)
	m.audit.RequestCompleted(hubID, pending.ID, r.Method, pathFirstSegment(path), actingUser, wsWriter.StatusCode(), 0, wsWriter.BytesOut(), dur, false)
	m.metrics.RequestDuration.WithLabelValues(statusClass(wsWriter.StatusCode())).Observe(dur.Seconds())
}

// pumpClientBytes reads raw bytes from the hijacked client connection and
// forwards each chunk as a websocket-data frame to the hub, until EOF or
// error, at which point it cancels the pending request (spec §4.4 step
// 8, scenario 6).
func (m *Multiplexer) pumpClientBytes(rw *bufio.ReadWriter, sess SessionSender, id relayid.RequestID) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
			sendErr := sess.SendWebSocketData(ctx, id, append([]byte(nil), buf[:n]...))
			cancel()
			if sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	if removed := m.tracker.Remove(id); removed != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
		sess.SendCancel(ctx, id)
		cancel()
		m.metrics.CancelTotal.Inc()
		removed.Writer.Finalize(0, "")
	}
}

func (m *Multiplexer) writeSendError(w http.ResponseWriter, err error) {
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		http.Error(w, relayErr.Error(), relayerr.HTTPStatus(err))
		return
	}
	http.Error(w, "failed to reach openHAB", http.StatusBadGateway)
}
