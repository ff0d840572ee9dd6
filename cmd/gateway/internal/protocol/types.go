package protocol

import "encoding/json"

const (
	ActionAuthenticate   = "authenticate"
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
)

const (
	EventRestored     = "subscriptions_restored"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPrice        = "price"
	EventError        = "error"
	EventStatus       = "status"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

const ErrNotAuthenticated = "Please authenticate first"

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

type RequestPayload struct {
	SubscriberID string   `json:"subscriber_id,omitempty"`
	Tickers      []string `json:"tickers,omitempty"`
}

type WSResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // Matches request ID
	Tickers []string        `json:"tickers,omitempty"`
	Status  string          `json:"status,omitempty"` // "ok", "degraded"
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PriceEvent wraps a bus payload without re-encoding it.
func PriceEvent(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(`{"type":"price","data":}`))
	out = append(out, `{"type":"price","data":`...)
	out = append(out, payload...)
	return append(out, '}')
}
