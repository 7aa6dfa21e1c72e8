// Package push implements PushFanout (spec §4.6): dispatching a
// NotificationFrame originated by a hub to registered push providers,
// deduplicating by tag within a short window, and retrying transient
// provider failures with bounded backoff.
//
// Grounded on server/push/push.go's Handler interface (Init/IsReady/
// Push/Stop, registered by name, broadcast to every ready handler on a
// best-effort non-blocking channel send). PushFanout keeps that same
// plugin shape but adds the tag-based dedup and retry the teacher's push
// layer does not have, using github.com/cenkalti/backoff/v4 -- carried
// as an indirect dependency of uncord-chat-uncord-server and
// USA-RedDragon-DMRHub and promoted to direct here since it is exactly
// the "exponential backoff, capped attempts" primitive spec §4.6 calls
// for.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
)

// Handler is implemented by a concrete push provider (e.g. a platform
// notification gateway). Mirrors the teacher's push.Handler shape.
type Handler interface {
	Name() string
	IsReady() bool
	Send(ctx context.Context, userID string, n session.NotificationFrame) error
}

// HideNotificationSender lets PushFanout tell the originating hub that a
// previously-sent notification has been superseded (spec §4.6 "hub
// receives a hide-notification frame for the superseded tag").
type HideNotificationSender interface {
	SendHideNotification(ctx context.Context, supersededID string) error
}

const dedupWindow = 60 * time.Second

type dedupEntry struct {
	sentAt time.Time
}

// Config tunes PushFanout retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig matches spec §4.6 ("exponential backoff, capped at 3
// attempts").
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// SessionLookup resolves a hub-id to the HideNotificationSender capable
// of telling that hub a notification was superseded; normally backed by
// the node's SessionRegistry.
type SessionLookup func(hubID relayid.HubID) (HideNotificationSender, bool)

// Fanout dispatches notifications to every registered, ready Handler.
// Fanout implements session.NotificationSink directly, so a HubSession
// can be wired with a *Fanout as its NotificationSink without an adapter.
type Fanout struct {
	cfg      Config
	log      zerolog.Logger
	lookup   SessionLookup
	mu       sync.Mutex
	handlers map[string]Handler
	seenTags map[string]dedupEntry
}

// New builds an empty Fanout. lookup is used to find the originating
// HubSession again when a tag needs a hide-notification frame sent back.
func New(cfg Config, lookup SessionLookup, log zerolog.Logger) *Fanout {
	return &Fanout{
		cfg:      cfg,
		log:      log.With().Str("component", "push").Logger(),
		lookup:   lookup,
		handlers: make(map[string]Handler),
		seenTags: make(map[string]dedupEntry),
	}
}

// Register adds a provider. Safe to call concurrently with Dispatch: both
// take the Fanout's mutex, and Dispatch sends to the providers registered
// when it snapshots the handler set.
func (f *Fanout) Register(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[h.Name()] = h
}

// Dispatch implements session.NotificationSink (spec §4.6). It MUST NOT
// block on HubSession liveness, so all provider sends run on their own
// goroutine.
func (f *Fanout) Dispatch(accountID, ownerUserID string, hubID relayid.HubID, kind session.NotificationKind, n session.NotificationFrame) {
	if kind == session.NotificationLog {
		f.log.Info().Str("hub_id", string(hubID)).Str("message", n.Message).Msg("hub log notification")
		return
	}

	target := ownerUserID
	if kind == session.NotificationBroadcast {
		target = accountID
	}
	if n.UserID != "" {
		target = n.UserID
	}

	if n.Tag != "" {
		if superseded := f.checkDedup(target, n.Tag); superseded != "" {
			if hide, ok := f.lookup(hubID); ok {
				go func() {
					hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					hide.SendHideNotification(hctx, superseded)
				}()
			}
		}
	}

	f.mu.Lock()
	handlers := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		if h.IsReady() {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h := h
		go f.sendWithRetry(context.Background(), h, target, n)
	}
}

// checkDedup scopes dedup to a single recipient: two different users
// subscribed to the same tag must each see the notification (spec §4.6
// "within a recipient").
func (f *Fanout) checkDedup(target, tag string) (supersededTag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := target + "|" + tag
	now := time.Now()
	for k, e := range f.seenTags {
		if now.Sub(e.sentAt) > dedupWindow {
			delete(f.seenTags, k)
		}
	}
	prev, had := f.seenTags[key]
	f.seenTags[key] = dedupEntry{sentAt: now}
	if had && now.Sub(prev.sentAt) <= dedupWindow {
		return tag
	}
	return ""
}

func (f *Fanout) sendWithRetry(ctx context.Context, h Handler, userID string, n session.NotificationFrame) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialDelay
	b.MaxInterval = f.cfg.MaxDelay
	bounded := backoff.WithMaxRetries(b, uint64(f.cfg.MaxAttempts-1))

	op := func() error {
		return h.Send(ctx, userID, n)
	}

	if err := backoff.Retry(op, bounded); err != nil {
		f.log.Warn().Err(err).Str("provider", h.Name()).Str("user_id", userID).Msg("push delivery failed after retries")
	}
}
