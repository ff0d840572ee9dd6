package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBackOff_Bounds(t *testing.T) {
	bo := newBackOff(Options{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	first := bo.NextBackOff()
	assert.GreaterOrEqual(t, first, 80*time.Millisecond)
	assert.LessOrEqual(t, first, 120*time.Millisecond)

	for i := 0; i < 20; i++ {
		d := bo.NextBackOff()
		assert.Greater(t, d, time.Duration(0), "backoff never stops")
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}

	bo.Reset()
	again := bo.NextBackOff()
	assert.LessOrEqual(t, again, 120*time.Millisecond, "reset restarts from the minimum")
}
