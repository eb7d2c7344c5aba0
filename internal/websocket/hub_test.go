package websocket

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(logger)
}

func TestHub_StatsSafeUnderConcurrentReads(t *testing.T) {
	h := newTestHub()

	// Broadcast bookkeeping runs on the hub goroutine while handlers read
	// stats from request goroutines. Both sides must hold the lock.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.broadcastMessage([]byte(`{"type":"alert_created"}`))
			h.sendHeartbeat()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = h.GetStats()
			_ = h.GetClientCount()
		}
	}()
	wg.Wait()

	stats := h.GetStats()
	assert.Equal(t, int64(1000), stats.MessagesSent)
	assert.Equal(t, 0, stats.ConnectedClients)
}
