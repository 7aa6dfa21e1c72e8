package multiplex

import (
	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
	"github.com/openhub-relay/relay/internal/tracker"
)

// FrameSink implements session.FrameSink by routing hub-originated
// response frames to the PendingRequest registered under the frame's
// request-id (spec §4.2/§4.3: "the session's FrameSink is the
// RequestTracker, looked up by request-id").
type FrameSink struct {
	tracker *tracker.Tracker
}

// NewFrameSink builds a FrameSink backed by tr.
func NewFrameSink(tr *tracker.Tracker) *FrameSink {
	return &FrameSink{tracker: tr}
}

func (fs *FrameSink) OnResponseHeader(_ relayid.HubID, f session.ResponseHeaderFrame) bool {
	p, ok := fs.tracker.Get(f.ID)
	if !ok {
		return false
	}
	p.Writer.WriteHeader(f.ResponseStatusCode, f.ResponseStatusText, f.Headers)
	return true
}

func (fs *FrameSink) OnResponseBody(_ relayid.HubID, f session.ResponseBodyFrame) bool {
	p, ok := fs.tracker.Get(f.ID)
	if !ok {
		return false
	}
	p.Writer.WriteBody(f.Body)
	return true
}

func (fs *FrameSink) OnResponseFinished(_ relayid.HubID, f session.ResponseFinishedFrame) bool {
	p := fs.tracker.Remove(f.ID)
	if p == nil {
		return false
	}
	p.Writer.Finalize(0, "")
	return true
}

func (fs *FrameSink) OnResponseError(_ relayid.HubID, f session.ResponseErrorFrame) bool {
	p := fs.tracker.Remove(f.ID)
	if p == nil {
		return false
	}
	p.Writer.Finalize(502, f.Error)
	return true
}

func (fs *FrameSink) OnWebSocketData(_ relayid.HubID, f session.WebSocketDataFrame) bool {
	p, ok := fs.tracker.Get(f.ID)
	if !ok {
		return false
	}
	p.Writer.WriteBody(f.Data)
	return true
}
