package push_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/push"
	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
)

type recordingHandler struct {
	name  string
	ready bool

	mu  sync.Mutex
	got []session.NotificationFrame
	err error
}

func (h *recordingHandler) Name() string   { return h.name }
func (h *recordingHandler) IsReady() bool  { return h.ready }
func (h *recordingHandler) Send(_ context.Context, _ string, n session.NotificationFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, n)
	return h.err
}

func (h *recordingHandler) sent() []session.NotificationFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]session.NotificationFrame, len(h.got))
	copy(out, h.got)
	return out
}

type fakeHideSender struct {
	mu        sync.Mutex
	hidden    []string
}

func (f *fakeHideSender) SendHideNotification(_ context.Context, supersededID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = append(f.hidden, supersededID)
	return nil
}

func (f *fakeHideSender) hiddenIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.hidden))
	copy(out, f.hidden)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatchFansOutToReadyHandlers(t *testing.T) {
	t.Parallel()
	ready := &recordingHandler{name: "ready", ready: true}
	notReady := &recordingHandler{name: "not-ready", ready: false}

	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return nil, false }, zerolog.Nop())
	f.Register(ready)
	f.Register(notReady)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "motion detected"})

	waitFor(t, func() bool { return len(ready.sent()) == 1 })
	assert.Empty(t, notReady.sent())
}

func TestDispatchLogNotificationNeverReachesHandlers(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{name: "h", ready: true}
	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return nil, false }, zerolog.Nop())
	f.Register(h)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationLog, session.NotificationFrame{Message: "debug line"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.sent())
}

func TestDispatchBroadcastTargetsAccountID(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{name: "h", ready: true}
	var targetCapture string
	captureHandler := &capturingHandler{recordingHandler: h, captured: &targetCapture}

	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return nil, false }, zerolog.Nop())
	f.Register(captureHandler)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationBroadcast, session.NotificationFrame{Message: "firmware update"})

	waitFor(t, func() bool { return len(h.sent()) == 1 })
	assert.Equal(t, "account-1", targetCapture)
}

type capturingHandler struct {
	*recordingHandler
	captured *string
}

func (c *capturingHandler) Send(ctx context.Context, userID string, n session.NotificationFrame) error {
	*c.captured = userID
	return c.recordingHandler.Send(ctx, userID, n)
}

func TestDispatchDedupWithinWindowHidesSuperseded(t *testing.T) {
	t.Parallel()
	hide := &fakeHideSender{}
	h := &recordingHandler{name: "h", ready: true}

	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return hide, true }, zerolog.Nop())
	f.Register(h)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "first", Tag: "battery-low"})
	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "second", Tag: "battery-low"})

	waitFor(t, func() bool { return len(hide.hiddenIDs()) == 1 })
	assert.Equal(t, []string{"battery-low"}, hide.hiddenIDs())
}

func TestDispatchDedupIsScopedPerRecipient(t *testing.T) {
	t.Parallel()
	hide := &fakeHideSender{}
	h := &recordingHandler{name: "h", ready: true}

	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return hide, true }, zerolog.Nop())
	f.Register(h)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "first", Tag: "battery-low"})
	f.Dispatch("account-1", "user-2", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "first for user-2", Tag: "battery-low"})

	waitFor(t, func() bool { return len(h.sent()) == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, hide.hiddenIDs(), "distinct recipients sharing a tag must not supersede each other")
}

func TestDispatchRetriesOnFailureUpToMaxAttempts(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{name: "h", ready: true, err: assertAlwaysFails{}}

	cfg := push.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	f := push.New(cfg, func(relayid.HubID) (push.HideNotificationSender, bool) { return nil, false }, zerolog.Nop())
	f.Register(h)

	f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "retry me"})

	waitFor(t, func() bool { return len(h.sent()) == 3 })
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sent(), 3, "must not retry beyond MaxAttempts")
}

type assertAlwaysFails struct{}

func (assertAlwaysFails) Error() string { return "provider unavailable" }

func TestRegisterNotCalledConcurrentlyWithDispatchIsSafeForReads(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{name: "h", ready: true}
	f := push.New(push.DefaultConfig(), func(relayid.HubID) (push.HideNotificationSender, bool) { return nil, false }, zerolog.Nop())
	f.Register(h)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Dispatch("account-1", "user-1", "hub-1", session.NotificationUser, session.NotificationFrame{Message: "x"})
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return len(h.sent()) == 10 })
	require.Len(t, h.sent(), 10)
}
