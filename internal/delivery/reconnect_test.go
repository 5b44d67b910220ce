package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnReconnectOnly(t *testing.T) {
	states := []bool{true, false, false, true, true, false, true}
	var mu sync.Mutex
	i := 0
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(states) {
			return states[len(states)-1]
		}
		s := states[i]
		i++
		return s
	}

	var reconnects atomic.Int32
	var changes atomic.Int32
	w := NewWatcher(probe, time.Millisecond, func() { reconnects.Add(1) }, func(bool) { changes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return i >= len(states)
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(2), reconnects.Load())
	assert.Equal(t, int32(4), changes.Load())
}
