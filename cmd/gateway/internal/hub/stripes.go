package hub

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const stripeCount = 64

// tickerLocks orders the registry, upstream and routing calls of each ticker
// without serializing unrelated tickers. Stripes are always taken in
// ascending index order.
type tickerLocks struct {
	stripes [stripeCount]sync.Mutex
}

func stripeOf(ticker string) int {
	return int(xxhash.Sum64String(ticker) % stripeCount)
}

// lock takes the stripes covering tickers and returns the matching unlock.
func (l *tickerLocks) lock(tickers []string) func() {
	seen := make(map[int]struct{}, len(tickers))
	idx := make([]int, 0, len(tickers))
	for _, t := range tickers {
		i := stripeOf(t)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return l.acquire(idx)
}

func (l *tickerLocks) lockAll() func() {
	idx := make([]int, stripeCount)
	for i := range idx {
		idx[i] = i
	}
	return l.acquire(idx)
}

func (l *tickerLocks) acquire(idx []int) func() {
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
