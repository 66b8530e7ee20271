package presence

import (
	"context"
	"math/rand/v2"
	"time"
)

// Heartbeat is a cancellable stream of pseudo-random integers, one per
// interval, used by transport clients to verify stream liveness. It follows
// the same contract as Subscription: the first value is delivered without
// waiting, C is closed on cancellation, and a new Heartbeat always starts
// its own timer rather than resuming a previous one.
type Heartbeat struct {
	C <-chan int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat starts a heartbeat stream emitting a value in [0, 1000)
// every interval until ctx is cancelled or Close is called.
func NewHeartbeat(ctx context.Context, interval time.Duration) *Heartbeat {
	hbCtx, cancel := context.WithCancel(ctx)
	ch := make(chan int, 1)
	hb := &Heartbeat{
		C:      ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch <- rand.IntN(1000)

	go func() {
		defer close(hb.done)
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- rand.IntN(1000):
				case <-hbCtx.Done():
					return
				}
			}
		}
	}()

	return hb
}

// Close stops the heartbeat and blocks until its timer goroutine exits.
func (h *Heartbeat) Close() {
	h.cancel()
	<-h.done
}
