package connection

import (
	"sync"
	"time"
)

// heartbeat is a cancellable periodic task owned by a lifecycle. It only
// lives while the lifecycle is open.
type heartbeat struct {
	stop chan struct{}
	once sync.Once
}

// startHeartbeat calls tick every interval until Stop.
func startHeartbeat(interval time.Duration, tick func()) *heartbeat {
	h := &heartbeat{stop: make(chan struct{})}
	if interval <= 0 {
		return h
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()

	return h
}

// Stop cancels the task. A tick already running is discarded by the
// lifecycle's generation check.
func (h *heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
}
