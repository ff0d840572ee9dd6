package hub

import (
	"testing"
	"time"
)

func TestTickerLocks_IndependentStripes(t *testing.T) {
	if stripeOf("AAPL") == stripeOf("MSFT") {
		t.Fatalf("AAPL and MSFT share stripe %d", stripeOf("AAPL"))
	}

	var l tickerLocks
	unlock := l.lock([]string{"AAPL", "AAPL"})

	done := make(chan struct{})
	go func() {
		l.lock([]string{"MSFT"})()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MSFT waited on the AAPL stripe")
	}

	blocked := make(chan struct{})
	go func() {
		l.lockAll()()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("lockAll acquired while AAPL was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("lockAll never acquired after release")
	}
}

func TestTickerLocks_OverlappingSetsDoNotDeadlock(t *testing.T) {
	var l tickerLocks
	a := []string{"AAPL", "MSFT", "TSLA"}
	b := []string{"TSLA", "GOOG", "AAPL"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			l.lock(a)()
		}
	}()
	for i := 0; i < 500; i++ {
		l.lock(b)()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping lock sets deadlocked")
	}
}
