package simulator

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/feed"
)

const defaultBasePrice = 100.0

// Generator walks one price per ticker and renders it as a provider tick frame.
// It is shared by every session, so all clients see the same walk.
type Generator struct {
	mu      sync.Mutex
	service string
	rand    Rand
	clock   Clock
	prices  map[string]float64
}

func NewGenerator(service string, basePrices map[string]float64, rnd Rand, clock Clock) *Generator {
	prices := make(map[string]float64, len(basePrices))
	for t, p := range basePrices {
		prices[t] = p
	}
	return &Generator{
		service: service,
		rand:    rnd,
		clock:   clock,
		prices:  prices,
	}
}

// Next advances the walk for ticker and returns the encoded "A" frame.
func (g *Generator) Next(ticker string) ([]byte, error) {
	g.mu.Lock()
	price, ok := g.prices[ticker]
	if !ok {
		price = defaultBasePrice
	}
	fluctuation := (g.rand.Float64() * 10) - 5
	price = math.Max(0.01, math.Round((price+fluctuation)*100)/100)
	g.prices[ticker] = price
	ts := g.clock.Now().UTC().Format(time.RFC3339Nano)
	g.mu.Unlock()

	data, err := json.Marshal([]interface{}{ts, ticker, price})
	if err != nil {
		return nil, err
	}
	return json.Marshal(feed.Frame{
		MessageType: feed.MessageTypeTick,
		Service:     g.service,
		Data:        data,
	})
}
