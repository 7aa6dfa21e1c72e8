// Package session implements the HubSession state machine (spec §4.2): the
// object representing one accepted duplex hub channel, its frame kinds,
// and its transitions through Opening -> Authenticating -> Established ->
// Active -> Closed.
//
// Grounded on server/session.go in the teacher (Session struct, queueOut /
// queueOutBytes, cleanUp, dispatch-by-nonnil-field) and on
// server/cluster.go's proxy-session bookkeeping for the renewal/teardown
// discipline. The wire transport is gorilla/websocket, a direct teacher
// dependency (session.go imports it for the `ws` field).
package session

import (
	"encoding/json"
	"fmt"

	"github.com/openhub-relay/relay/internal/relayid"
)

// eventName is the wire event name carried in every frame envelope (spec
// §6 table: "Event" column).
type eventName string

const (
	eventRequest               eventName = "request"
	eventCancel                eventName = "cancel"
	eventWebSocket             eventName = "websocket"
	eventResponseHeader        eventName = "responseHeader"
	eventResponseContentBinary eventName = "responseContentBinary"
	eventResponseFinished      eventName = "responseFinished"
	eventResponseError         eventName = "responseError"
	eventNotification          eventName = "notification"
	eventBroadcastNotification eventName = "broadcastnotification"
	eventLogNotification       eventName = "lognotification"
	eventHideNotification      eventName = "hide-notification"
)

// envelope is the on-the-wire shape: one JSON object per message, an event
// name plus its payload (spec §6: "Duplex message-oriented transport
// carrying event-name + payload").
type envelope struct {
	Event   eventName       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RequestFrame is the cloud->hub `request` event (spec §6 / §4.2).
type RequestFrame struct {
	ID       relayid.RequestID  `json:"id"`
	Method   string             `json:"method"`
	Headers  map[string]string  `json:"headers"`
	Path     string             `json:"path"`
	Query    map[string]string  `json:"query"`
	Body     []byte             `json:"body,omitempty"`
	UserID   string             `json:"userId,omitempty"`
}

// CancelFrame is the cloud->hub `cancel` event.
type CancelFrame struct {
	ID relayid.RequestID `json:"id"`
}

// WebSocketDataFrame carries opaque bytes in either direction once a
// request has been upgraded (spec §4.2 "websocket-data").
type WebSocketDataFrame struct {
	ID   relayid.RequestID `json:"id"`
	Data []byte            `json:"data"`
}

// ResponseHeaderFrame is the hub->cloud `responseHeader` event, the first
// frame of a response (spec §4.2).
type ResponseHeaderFrame struct {
	ID                relayid.RequestID `json:"id"`
	ResponseStatusCode int              `json:"responseStatusCode"`
	ResponseStatusText string           `json:"responseStatusText"`
	Headers            map[string]string `json:"headers"`
}

// ResponseBodyFrame is the hub->cloud `responseContentBinary` event, zero
// or more per request-id, strictly ordered within that request-id.
type ResponseBodyFrame struct {
	ID   relayid.RequestID `json:"id"`
	Body []byte            `json:"body"`
}

// ResponseFinishedFrame marks normal completion of a response.
type ResponseFinishedFrame struct {
	ID relayid.RequestID `json:"id"`
}

// ResponseErrorFrame is the terminal alternative to ResponseFinishedFrame.
type ResponseErrorFrame struct {
	ID    relayid.RequestID `json:"id"`
	Error string            `json:"error"`
}

// NotificationFrame carries a push-worthy event originated by the hub
// (spec §3 NotificationEnvelope, §6).
type NotificationFrame struct {
	UserID           string   `json:"userId,omitempty"`
	Message          string   `json:"message"`
	Icon             string   `json:"icon,omitempty"`
	Severity         string   `json:"severity,omitempty"`
	Tag              string   `json:"tag,omitempty"`
	Title            string   `json:"title,omitempty"`
	OnClick          string   `json:"on-click,omitempty"`
	MediaURL         string   `json:"media-attachment-url,omitempty"`
	ActionButtons    []string `json:"action-buttons,omitempty"`
}

// HideNotificationFrame is sent back to the hub when a newer tagged
// notification supersedes an older one within the dedup window (spec
// §4.6).
type HideNotificationFrame struct {
	SupersededID string `json:"supersededId"`
}

func encode(ev eventName, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s payload: %w", ev, err)
	}
	return json.Marshal(envelope{Event: ev, Payload: data})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("session: decode envelope: %w", err)
	}
	return env, nil
}
