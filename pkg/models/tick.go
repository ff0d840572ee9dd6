package models

import (
	"regexp"
	"strings"
)

// TopicPrefix is the bus topic namespace for price ticks: price.<TICKER>
const TopicPrefix = "price."

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,15}$`)

// PriceTick represents a single upstream price event for a ticker
type PriceTick struct {
	Ticker    string  `json:"ticker"`
	Timestamp string  `json:"timestamp"`
	Price     float64 `json:"price"`
	Seq       int64   `json:"seq,omitempty"` // monotonic per ticker, assigned by the feed client
}

// NormalizeTicker returns the canonical uppercase form used as identity key everywhere.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// NormalizeTickers normalizes and deduplicates, preserving first-seen order. Empty entries are dropped.
func NormalizeTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		n := NormalizeTicker(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ValidTicker reports whether an already normalized ticker is well formed.
func ValidTicker(t string) bool {
	return tickerPattern.MatchString(t)
}

func TopicFor(ticker string) string {
	return TopicPrefix + NormalizeTicker(ticker)
}

// TickerFromTopic extracts the ticker from a price.<TICKER> topic.
func TickerFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, TopicPrefix) || len(topic) == len(TopicPrefix) {
		return "", false
	}
	return topic[len(TopicPrefix):], true
}
