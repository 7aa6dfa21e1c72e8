// Package hubchannel implements the HTTP endpoint a hub dials to open
// its persistent duplex channel (spec §4.2 "Opening"/"Authenticating",
// §6 "Handshake").
//
// Grounded on server/session.go's serveWebSocket in the teacher, which
// upgrades an inbound HTTP request via gorilla/websocket and hands the
// resulting *websocket.Conn to a freshly constructed Session.
package hubchannel

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/audit"
	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/registry"
	"github.com/openhub-relay/relay/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler accepts inbound hub channel upgrades.
type Handler struct {
	records     session.HubRecordStore
	store       connstore.Store
	sink        session.FrameSink
	cancel      session.RequestCanceller
	notify      session.NotificationSink
	lastOnline  session.LastOnlineRecorder
	registry    *registry.Registry
	nodeAddress string
	cfg         session.Config
	audit       *audit.Logger
	metrics     *audit.Metrics
	log         zerolog.Logger
}

// New builds a Handler.
func New(records session.HubRecordStore, store connstore.Store, sink session.FrameSink, cancel session.RequestCanceller, notify session.NotificationSink, lastOnline session.LastOnlineRecorder, reg *registry.Registry, nodeAddress string, cfg session.Config, auditLog *audit.Logger, metrics *audit.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		records:     records,
		store:       store,
		sink:        sink,
		cancel:      cancel,
		notify:      notify,
		lastOnline:  lastOnline,
		registry:    reg,
		nodeAddress: nodeAddress,
		cfg:         cfg,
		audit:       auditLog,
		metrics:     metrics,
		log:         log.With().Str("component", "hubchannel").Logger(),
	}
}

// ServeHTTP upgrades the request, authenticates the hub, and runs its
// HubSession to completion (spec §4.2).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	secret := r.Header.Get("secret")
	hubVersion := r.Header.Get("openhabversion")
	if uuid == "" || secret == "" {
		http.Error(w, "missing uuid or secret", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("hub channel upgrade failed")
		return
	}

	sess, err := session.Accept(r.Context(), session.AcceptParams{
		Conn:        conn,
		UUID:        uuid,
		Secret:      secret,
		HubVersion:  hubVersion,
		NodeAddress: h.nodeAddress,
		Records:     h.records,
		Store:       h.store,
		Sink:        h.sink,
		Cancel:      h.cancel,
		Notify:      h.notify,
		LastOnline:  h.lastOnline,
		OnClose: func(s *session.HubSession) {
			h.registry.Delete(s.HubID())
			h.audit.SessionClosed(s.HubID(), "channel closed")
		},
		OnLockRenewalLost: func(s *session.HubSession) {
			h.metrics.LockRenewalLosses.Inc()
			h.audit.LockRenewalLost(s.HubID())
		},
		Config: h.cfg,
		Logger: h.log,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("uuid", uuid).Msg("hub channel handshake rejected")
		reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	h.registry.Put(sess)
	h.audit.SessionEstablished(sess.HubID(), h.nodeAddress, hubVersion)
	sess.Run(r.Context())
}

// HealthHandler answers liveness probes (spec §6 "GET /healthz").
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
