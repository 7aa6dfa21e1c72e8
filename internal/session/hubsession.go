package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
)

// State is one node of the HubSession state machine (spec §4.2).
type State int32

const (
	StateOpening State = iota
	StateAuthenticating
	StateEstablished
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HubRecord is the external, read-only record the core queries once per
// channel acceptance (spec §3). Maps uuid -> {hub-id, account-id,
// owner-user-id} plus the shared secret used to authenticate the channel.
type HubRecord struct {
	HubID       relayid.HubID
	AccountID   string
	OwnerUserID string
	Secret      string
}

// HubRecordStore is the external collaborator queried once per channel
// acceptance (spec §3: "The core queries it once per channel acceptance").
type HubRecordStore interface {
	Lookup(ctx context.Context, uuid string) (*HubRecord, error)
}

// LastOnlineRecorder is the external collaborator that the core writes a
// best-effort last-online timestamp to on session close (spec §4.2,
// §6 "Persisted state").
type LastOnlineRecorder interface {
	Touch(ctx context.Context, hubID relayid.HubID, at time.Time) error
}

// RequestCanceller is the RequestTracker-shaped port a HubSession calls on
// teardown to finalize every PendingRequest tagged with its hub-id (spec
// §4.2 "fan a synthetic cancel to every PendingRequest").
type RequestCanceller interface {
	CancelForHub(hubID relayid.HubID, status int, reason string)
}

// FrameSink receives demultiplexed inbound frames. Implementations report
// whether the frame's request-id was known; an unknown id is a protocol
// violation, counted by the session but never turned into a state
// mutation (spec §4.2: "no frame referencing an unknown request-id
// mutates state; such frames are dropped with a warning").
type FrameSink interface {
	OnResponseHeader(hubID relayid.HubID, f ResponseHeaderFrame) (known bool)
	OnResponseBody(hubID relayid.HubID, f ResponseBodyFrame) (known bool)
	OnResponseFinished(hubID relayid.HubID, f ResponseFinishedFrame) (known bool)
	OnResponseError(hubID relayid.HubID, f ResponseErrorFrame) (known bool)
	OnWebSocketData(hubID relayid.HubID, f WebSocketDataFrame) (known bool)
}

// NotificationKind distinguishes the three hub-originated notification
// frame kinds (spec §4.2 "Frame kinds received from hub").
type NotificationKind int

const (
	NotificationUser NotificationKind = iota
	NotificationBroadcast
	NotificationLog
)

// NotificationSink is the PushFanout-shaped port a HubSession hands
// notification events to. Dispatch MUST NOT block on HubSession liveness
// (spec §9: "asynchronous dispatch whose progress is independent of the
// HubSession's liveness").
type NotificationSink interface {
	Dispatch(accountID, ownerUserID string, hubID relayid.HubID, kind NotificationKind, env NotificationFrame)
}

// Config bundles the tunable knobs named in spec §5/§6.
type Config struct {
	LockTTL            time.Duration
	RenewInterval      time.Duration
	MaxRenewFailures   int
	PingInterval       time.Duration
	DeadPeerAfter      time.Duration
	OutboundBufferSize int
	ViolationsPerMin   int
	ClientResponseWait time.Duration
	// MaxPendingPerSession caps the number of requests this session may
	// have outstanding toward its hub at once (spec §6 "max pending per
	// session"); SendRequest rejects further sends once the cap is hit.
	MaxPendingPerSession int
}

// DefaultConfig matches the defaults named in spec §5/§6.
func DefaultConfig() Config {
	return Config{
		LockTTL:              5 * time.Minute,
		RenewInterval:        90 * time.Second, // strictly < ttl/2
		MaxRenewFailures:     3,
		PingInterval:         25 * time.Second,
		DeadPeerAfter:        60 * time.Second,
		OutboundBufferSize:   256,
		ViolationsPerMin:     100,
		ClientResponseWait:   50 * time.Microsecond,
		MaxPendingPerSession: 64,
	}
}

// AcceptParams bundles everything Accept needs to run the handshake (spec
// §4.2 Opening -> Authenticating -> Established transitions, §6
// "Handshake").
type AcceptParams struct {
	Conn        *websocket.Conn
	UUID        string
	Secret      string
	HubVersion  string
	NodeAddress string

	Records     HubRecordStore
	Store       connstore.Store
	Sink        FrameSink
	Cancel      RequestCanceller
	Notify      NotificationSink
	LastOnline  LastOnlineRecorder
	OnClose     func(*HubSession)
	// OnLockRenewalLost is called once, from renewLoop, the moment
	// MaxRenewFailures consecutive ConnectionStore renewals fail (spec
	// §4.1, §4.7 "lock-renewal-losses" metric). May be nil.
	OnLockRenewalLost func(*HubSession)

	Config Config
	Logger zerolog.Logger
}

// HubSession is one accepted duplex hub channel (spec §3 Session, §4.2).
type HubSession struct {
	hubID       relayid.HubID
	uuid        string
	accountID   string
	ownerUserID string
	connID      relayid.ConnectionID
	nodeAddress string
	hubVersion  string

	conn *websocket.Conn
	send chan []byte
	stop chan struct{}

	state atomic.Int32

	mu          sync.Mutex
	pending     map[relayid.RequestID]struct{}
	lastFrameAt time.Time
	openedAt    time.Time

	violations      atomic.Int32
	violationWindow atomic.Int64 // unix seconds of window start

	store      connstore.Store
	sink       FrameSink
	cancel     RequestCanceller
	notify     NotificationSink
	lastOnline LastOnlineRecorder
	onClose    func(*HubSession)
	onLockLost func(*HubSession)

	cfg Config
	log zerolog.Logger

	closeOnce sync.Once
}

// Accept performs the handshake (authenticate, check block, acquire lock)
// and returns a HubSession in the Established state with its read/renewal
// loops not yet started -- call Run to start them. Accept itself never
// blocks on the network beyond the handshake's own round-trips.
func Accept(ctx context.Context, p AcceptParams) (*HubSession, error) {
	rec, err := p.Records.Lookup(ctx, p.UUID)
	if err != nil {
		return nil, relayerr.New(relayerr.KindTransientUpstream, "session: hub record lookup", err)
	}
	if rec == nil || rec.Secret != p.Secret {
		return nil, relayerr.New(relayerr.KindAuthoritativeRefusal, "session: authenticate", errors.New("unknown hub or bad secret"))
	}

	if blocked, _, err := p.Store.IsBlocked(ctx, p.UUID); err != nil {
		return nil, relayerr.New(relayerr.KindTransientUpstream, "session: block check", err)
	} else if blocked {
		return nil, relayerr.New(relayerr.KindAuthoritativeRefusal, "session: blocked", errors.New("hub is blocked"))
	}

	connID := relayid.NewConnectionID()
	if err := p.Store.Acquire(ctx, rec.HubID, connID, p.NodeAddress, p.HubVersion, p.Config.LockTTL); err != nil {
		return nil, err
	}

	now := time.Now()
	s := &HubSession{
		hubID:       rec.HubID,
		uuid:        p.UUID,
		accountID:   rec.AccountID,
		ownerUserID: rec.OwnerUserID,
		connID:      connID,
		nodeAddress: p.NodeAddress,
		hubVersion:  p.HubVersion,
		conn:        p.Conn,
		send:        make(chan []byte, p.Config.OutboundBufferSize),
		stop:        make(chan struct{}),
		pending:     make(map[relayid.RequestID]struct{}),
		openedAt:    now,
		lastFrameAt: now,
		store:       p.Store,
		sink:        p.Sink,
		cancel:      p.Cancel,
		notify:      p.Notify,
		lastOnline:  p.LastOnline,
		onClose:     p.OnClose,
		onLockLost:  p.OnLockRenewalLost,
		cfg:         p.Config,
		log:         p.Logger.With().Str("hub_id", string(rec.HubID)).Str("conn_id", string(connID)).Logger(),
	}
	s.state.Store(int32(StateEstablished))
	return s, nil
}

// HubID returns the session's hub-id.
func (s *HubSession) HubID() relayid.HubID { return s.hubID }

// NodeAddress returns the internal address this session is owned by.
func (s *HubSession) NodeAddress() string { return s.nodeAddress }

// State returns the current state.
func (s *HubSession) State() State { return State(s.state.Load()) }

// Run starts the renewal timer, the outbound writer, and the inbound read
// loop, and blocks until the session is closed by any of the triggers
// named in spec §4.2 (channel error, renewal loss, teardown request,
// explicit block). Run performs the full teardown sequence before
// returning.
func (s *HubSession) Run(ctx context.Context) {
	s.state.Store(int32(StateActive))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.renewLoop(ctx) }()

	s.readLoop(ctx)

	close(s.stop)
	wg.Wait()
	s.teardown(ctx)
}

// teardown performs the four MUST actions of spec §4.2 "On teardown".
func (s *HubSession) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		// (a) release the distributed lock.
		if err := s.store.Release(context.Background(), s.hubID, s.connID); err != nil {
			s.log.Warn().Err(err).Msg("session: release on teardown failed")
		}

		// (b) best-effort last-online timestamp.
		if s.lastOnline != nil {
			if err := s.lastOnline.Touch(context.Background(), s.hubID, time.Now()); err != nil {
				s.log.Debug().Err(err).Msg("session: last-online touch failed")
			}
		}

		// (c) fan a synthetic cancel to every PendingRequest for this hub.
		if s.cancel != nil {
			s.cancel.CancelForHub(s.hubID, 502, "upstream closed")
		}

		// (d) emit a session-closed event.
		if s.onClose != nil {
			s.onClose(s)
		}

		_ = s.conn.Close()
		s.log.Info().Msg("session: closed")
	})
}

// Close requests an orderly teardown (one of the four Closed triggers:
// "teardown request").
func (s *HubSession) Close() {
	select {
	case <-s.stop:
	default:
		_ = s.conn.Close()
	}
}

func (s *HubSession) touch() {
	s.mu.Lock()
	s.lastFrameAt = time.Now()
	s.mu.Unlock()
}

// LastFrameAt returns the time of the most recently received frame, used
// by dead-peer detection.
func (s *HubSession) LastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameAt
}

// trackPending records id as outstanding, refusing to do so once the
// session is already at cfg.MaxPendingPerSession (spec §6 "max pending
// per session").
func (s *HubSession) trackPending(id relayid.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxPendingPerSession > 0 && len(s.pending) >= s.cfg.MaxPendingPerSession {
		return false
	}
	s.pending[id] = struct{}{}
	return true
}

func (s *HubSession) untrackPending(id relayid.RequestID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// recordViolation counts a protocol violation (spec §7) in a rolling
// 1-minute window; exceeding cfg.ViolationsPerMin tears the session down.
func (s *HubSession) recordViolation(reason string) {
	nowWindow := time.Now().Unix() / 60
	if s.violationWindow.Swap(nowWindow) != nowWindow {
		s.violations.Store(0)
	}
	count := s.violations.Add(1)
	s.log.Warn().Str("reason", reason).Int32("count_this_minute", count).Msg("session: protocol violation")
	if int(count) > s.cfg.ViolationsPerMin {
		s.log.Error().Msg("session: violation threshold exceeded, tearing down")
		s.Close()
	}
}

// writeLoop is the single writer that serializes outbound frames (spec §5:
// "outbound frames are serialized by a single writer owned by the
// session").
func (s *HubSession) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Msg("session: write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// renewLoop renews the distributed lock at strictly less than half the
// ttl (spec §4.1) and is fatal to the session after MaxRenewFailures
// consecutive failures.
func (s *HubSession) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RenewInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if err := s.store.Renew(ctx, s.hubID, s.connID, s.cfg.LockTTL); err != nil {
				failures++
				s.log.Warn().Err(err).Int("failures", failures).Msg("session: renew failed")
				if failures >= s.cfg.MaxRenewFailures {
					s.log.Error().Msg("session: renewal loss, fatal")
					if s.onLockLost != nil {
						s.onLockLost(s)
					}
					s.Close()
					return
				}
				continue
			}
			failures = 0
		case <-s.stop:
			return
		}
	}
}

// readLoop decodes inbound frames and dispatches them (spec §5: "Inbound
// frames are deserialized by a single reader that dispatches to
// RequestTracker entries; demultiplexing never reorders within a
// request-id").
func (s *HubSession) readLoop(ctx context.Context) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.DeadPeerAfter))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.DeadPeerAfter))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Info().Err(err).Msg("session: read loop ended")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.DeadPeerAfter))
		s.touch()

		env, err := decodeEnvelope(raw)
		if err != nil {
			s.recordViolation("malformed frame")
			continue
		}
		s.dispatch(ctx, env)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *HubSession) dispatch(_ context.Context, env envelope) {
	var known bool
	switch env.Event {
	case eventResponseHeader:
		var f ResponseHeaderFrame
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			s.recordViolation("malformed responseHeader")
			return
		}
		known = s.sink.OnResponseHeader(s.hubID, f)
	case eventResponseContentBinary:
		var f ResponseBodyFrame
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			s.recordViolation("malformed responseContentBinary")
			return
		}
		known = s.sink.OnResponseBody(s.hubID, f)
	case eventResponseFinished:
		var f ResponseFinishedFrame
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			s.recordViolation("malformed responseFinished")
			return
		}
		known = s.sink.OnResponseFinished(s.hubID, f)
		s.untrackPending(f.ID)
	case eventResponseError:
		var f ResponseErrorFrame
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			s.recordViolation("malformed responseError")
			return
		}
		known = s.sink.OnResponseError(s.hubID, f)
		s.untrackPending(f.ID)
	case eventWebSocket:
		var f WebSocketDataFrame
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			s.recordViolation("malformed websocket data")
			return
		}
		known = s.sink.OnWebSocketData(s.hubID, f)
	case eventNotification:
		s.dispatchNotification(NotificationUser, env.Payload)
		return
	case eventBroadcastNotification:
		s.dispatchNotification(NotificationBroadcast, env.Payload)
		return
	case eventLogNotification:
		s.dispatchNotification(NotificationLog, env.Payload)
		return
	default:
		s.recordViolation(fmt.Sprintf("unknown event %q", env.Event))
		return
	}

	if !known {
		s.recordViolation("frame for unknown request-id")
	}
}

func (s *HubSession) dispatchNotification(kind NotificationKind, payload []byte) {
	var f NotificationFrame
	if err := unmarshalPayload(payload, &f); err != nil {
		s.recordViolation("malformed notification")
		return
	}
	if s.notify != nil {
		s.notify.Dispatch(s.accountID, s.ownerUserID, s.hubID, kind, f)
	}
}

func unmarshalPayload(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// SendRequest enqueues an outbound `request` frame (spec §4.2). Enqueue is
// a suspension point bounded by the per-session outbound buffer; when full
// the caller blocks, which is the backpressure signal to the client side
// (spec §5). ctx bounds that wait so the multiplexer can translate a
// timed-out enqueue into a 503 (spec §7 "Local resource exhaustion").
func (s *HubSession) SendRequest(ctx context.Context, f RequestFrame) error {
	if !s.trackPending(f.ID) {
		return relayerr.New(relayerr.KindResourceExhausted, "session: max pending requests per session reached", nil)
	}
	data, err := encode(eventRequest, f)
	if err != nil {
		s.untrackPending(f.ID)
		return relayerr.New(relayerr.KindFatalSession, "session: encode request", err)
	}
	if err := s.enqueue(ctx, data); err != nil {
		s.untrackPending(f.ID)
		return err
	}
	return nil
}

// SendCancel enqueues an outbound `cancel` frame. The cancelled id no longer
// counts against MaxPendingPerSession.
func (s *HubSession) SendCancel(ctx context.Context, id relayid.RequestID) error {
	s.untrackPending(id)
	data, err := encode(eventCancel, CancelFrame{ID: id})
	if err != nil {
		return relayerr.New(relayerr.KindFatalSession, "session: encode cancel", err)
	}
	return s.enqueue(ctx, data)
}

// SendWebSocketData enqueues a client->hub `websocket` data frame.
func (s *HubSession) SendWebSocketData(ctx context.Context, id relayid.RequestID, payload []byte) error {
	data, err := encode(eventWebSocket, WebSocketDataFrame{ID: id, Data: payload})
	if err != nil {
		return relayerr.New(relayerr.KindFatalSession, "session: encode websocket data", err)
	}
	return s.enqueue(ctx, data)
}

// SendHideNotification tells the hub a previously-pushed notification has
// been superseded (spec §4.6).
func (s *HubSession) SendHideNotification(ctx context.Context, supersededID string) error {
	data, err := encode(eventHideNotification, HideNotificationFrame{SupersededID: supersededID})
	if err != nil {
		return relayerr.New(relayerr.KindFatalSession, "session: encode hide-notification", err)
	}
	return s.enqueue(ctx, data)
}

func (s *HubSession) enqueue(ctx context.Context, data []byte) error {
	select {
	case s.send <- data:
		return nil
	case <-s.stop:
		return relayerr.New(relayerr.KindFatalSession, "session: enqueue", relayerr.ErrSessionClosed)
	case <-ctx.Done():
		return relayerr.New(relayerr.KindResourceExhausted, "session: outbound buffer full", ctx.Err())
	}
}
