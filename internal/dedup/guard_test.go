package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBeginAcceptsFirstAndSuppressesSecond(t *testing.T) {
	g := NewGuard(30 * time.Second)

	assert.True(t, g.Begin(555))
	assert.False(t, g.Begin(555))
}

func TestBeginIsIndependentPerDeal(t *testing.T) {
	g := NewGuard(30 * time.Second)

	assert.True(t, g.Begin(1))
	assert.True(t, g.Begin(2))
	assert.False(t, g.Begin(1))
}

func TestBeginAcceptsAgainAfterWindow(t *testing.T) {
	g := NewGuard(20 * time.Millisecond)

	assert.True(t, g.Begin(7))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, g.Begin(7))
}

func TestBeginAdmitsExactlyOneConcurrentCaller(t *testing.T) {
	g := NewGuard(time.Minute)

	const callers = 32
	var wg sync.WaitGroup
	accepted := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- g.Begin(99)
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
