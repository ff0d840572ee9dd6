package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"

	MessageTypeTick      = "A"
	MessageTypeInfo      = "I"
	MessageTypeHeartbeat = "H"
	MessageTypeError     = "E"
)

// Subscription is the outbound control message. The provider treats
// subscribe as replace-all and unsubscribe as remove-these.
type Subscription struct {
	EventName     string    `json:"eventName"`
	Authorization string    `json:"authorization"`
	EventData     EventData `json:"eventData"`
}

type EventData struct {
	Tickers        []string `json:"tickers"`
	ThresholdLevel int      `json:"thresholdLevel,omitempty"`
}

// Frame is any inbound message; MessageType discriminates the payload in Data.
type Frame struct {
	MessageType string          `json:"messageType"`
	Service     string          `json:"service,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Response    *FrameResponse  `json:"response,omitempty"`
}

type FrameResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type InfoData struct {
	SubscriptionID json.Number `json:"subscriptionId"`
}

var ErrMalformedTick = errors.New("feed: malformed tick")

// ParseTick decodes the positional [timestamp, ticker, price] tick payload.
// Timestamps are passed through as text; numeric ones are rendered verbatim.
func ParseTick(data json.RawMessage) (models.PriceTick, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.PriceTick{}, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if len(fields) < 3 {
		return models.PriceTick{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedTick, len(fields))
	}

	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return models.PriceTick{}, err
	}

	var ticker string
	if err := json.Unmarshal(fields[1], &ticker); err != nil {
		return models.PriceTick{}, fmt.Errorf("%w: ticker: %v", ErrMalformedTick, err)
	}
	ticker = models.NormalizeTicker(ticker)
	if ticker == "" {
		return models.PriceTick{}, fmt.Errorf("%w: empty ticker", ErrMalformedTick)
	}

	var price float64
	if err := json.Unmarshal(fields[2], &price); err != nil {
		return models.PriceTick{}, fmt.Errorf("%w: price: %v", ErrMalformedTick, err)
	}

	return models.PriceTick{Ticker: ticker, Timestamp: ts, Price: price}, nil
}

func parseTimestamp(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: timestamp: %v", ErrMalformedTick, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: timestamp: %v", ErrMalformedTick, err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", fmt.Errorf("%w: timestamp: %v", ErrMalformedTick, err)
	}
	return n.String(), nil
}
