package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/gateway/internal/protocol"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // Stores decoded JSON messages
	RawBytes []string              // Stores raw bytes
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	// If it's a response, store it
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) LastMsg() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

func (m *MockClient) LastMsgType() string {
	return m.LastMsg().Type
}

// Prices decodes every price event received so far.
func (m *MockClient) Prices() []PriceFrame {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []PriceFrame
	for _, raw := range m.RawBytes {
		var f PriceFrame
		if json.Unmarshal([]byte(raw), &f) == nil && f.Type == protocol.EventPrice {
			out = append(out, f)
		}
	}
	return out
}

type PriceFrame struct {
	Type string `json:"type"`
	Data struct {
		Ticker string  `json:"ticker"`
		Price  float64 `json:"price"`
	} `json:"data"`
}

// MockUpstream records the calls the hub makes on ref-count transitions
type MockUpstream struct {
	Mu            sync.Mutex
	Subscribed    map[string]int
	Unsubscribed  map[string]int
	Active        map[string]bool
	FailSubscribe bool

	// BlockOn parks a Subscribe carrying the ticker until the channel closes.
	// Parked, when set, receives the ticker as the call parks.
	BlockOn map[string]chan struct{}
	Parked  chan string
}

func NewMockUpstream() *MockUpstream {
	return &MockUpstream{
		Subscribed:   make(map[string]int),
		Unsubscribed: make(map[string]int),
		Active:       make(map[string]bool),
	}
}

func (m *MockUpstream) Subscribe(ctx context.Context, tickers []string) error {
	for _, t := range tickers {
		if gate, ok := m.BlockOn[t]; ok {
			if m.Parked != nil {
				m.Parked <- t
			}
			<-gate
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, t := range tickers {
		m.Subscribed[t]++
		m.Active[t] = true
	}
	if m.FailSubscribe {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *MockUpstream) Unsubscribe(ctx context.Context, tickers []string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, t := range tickers {
		m.Unsubscribed[t]++
		delete(m.Active, t)
	}
	return nil
}

func (m *MockUpstream) Counts(ticker string) (subs, unsubs int) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Subscribed[ticker], m.Unsubscribed[ticker]
}

func (m *MockUpstream) IsActive(ticker string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Active[ticker]
}
