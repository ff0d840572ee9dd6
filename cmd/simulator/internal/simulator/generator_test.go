package simulator_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/simulator/internal/simulator"
	"github.com/Stock-Smith/Stock-Smith-sub000/cmd/simulator/internal/testutils"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
)

func decodeTick(t *testing.T, raw []byte) (feed.Frame, float64, string) {
	t.Helper()
	var frame feed.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Generated invalid JSON: %v", err)
	}
	tick, err := feed.ParseTick(frame.Data)
	if err != nil {
		t.Fatalf("Generated unparseable tick: %v", err)
	}
	return frame, tick.Price, tick.Ticker
}

func TestGenerator_Logic(t *testing.T) {
	// Fix Randomness: (0.5 * 10) - 5 = 0 fluctuation, so the walk stays on the base price
	mockRand := &testutils.MockRand{ValFloat: 0.5}
	mockClock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}

	gen := simulator.NewGenerator("iex", map[string]float64{"AAPL": 100.0}, mockRand, mockClock)

	raw, err := gen.Next("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	frame, price, ticker := decodeTick(t, raw)

	if frame.MessageType != feed.MessageTypeTick {
		t.Errorf("Expected messageType A, got %s", frame.MessageType)
	}
	if frame.Service != "iex" {
		t.Errorf("Expected service iex, got %s", frame.Service)
	}
	if ticker != "AAPL" {
		t.Errorf("Expected AAPL, got %s", ticker)
	}
	if price != 100.0 {
		t.Errorf("Expected Price 100.0, got %f", price)
	}
}

func TestGenerator_RandomWalk(t *testing.T) {
	mockRand := &testutils.MockRand{ValFloat: 0.9} // +4 per step
	mockClock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}

	gen := simulator.NewGenerator("iex", map[string]float64{"MSFT": 300.0}, mockRand, mockClock)

	want := []float64{304, 308, 312}
	for i, w := range want {
		raw, _ := gen.Next("MSFT")
		_, price, _ := decodeTick(t, raw)
		if price != w {
			t.Errorf("step %d: expected %f, got %f", i, w, price)
		}
	}

	// Unknown tickers start from the default base
	raw, _ := gen.Next("NEW")
	_, price, _ := decodeTick(t, raw)
	if price != 104.0 {
		t.Errorf("Expected 104.0 for unseeded ticker, got %f", price)
	}
}

func TestGenerator_PriceFloor(t *testing.T) {
	mockRand := &testutils.MockRand{ValFloat: 0} // -5 per step
	gen := simulator.NewGenerator("iex", map[string]float64{"PENNY": 1.0}, mockRand, &testutils.MockClock{})

	raw, _ := gen.Next("PENNY")
	_, price, _ := decodeTick(t, raw)
	if price != 0.01 {
		t.Errorf("Expected price floor 0.01, got %f", price)
	}
}
