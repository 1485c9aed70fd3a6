package im

import (
	"sync"
	"time"

	"github.com/nodefabric/matter/pkg/exchange"
)

// timedWindowTracker arms and consumes the timed-interaction window opened
// by a TimedRequestMessage. The window is scoped to the exchange it was
// armed on: the very next Write or Invoke on that exchange is accepted as
// timed if it arrives before the deadline, and the window is cleared
// whether or not it was used.
//
// Spec: Section 8.6.3 "Timed Interaction"
type timedWindowTracker struct {
	mu       sync.Mutex
	deadline map[*exchange.ExchangeContext]time.Time
}

func newTimedWindowTracker() *timedWindowTracker {
	return &timedWindowTracker{
		deadline: make(map[*exchange.ExchangeContext]time.Time),
	}
}

// arm opens a timed-interaction window on ctx for the given timeout.
func (t *timedWindowTracker) arm(ctx *exchange.ExchangeContext, timeout time.Duration) {
	if ctx == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline[ctx] = time.Now().Add(timeout)
}

// consume reports whether ctx currently has an open, unexpired timed
// window, and clears it regardless of outcome: a timed window is
// single-use per spec.
func (t *timedWindowTracker) consume(ctx *exchange.ExchangeContext) bool {
	if ctx == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := t.deadline[ctx]
	delete(t.deadline, ctx)
	if !ok {
		return false
	}
	return time.Now().Before(deadline)
}

// clear drops any armed window for a closing exchange.
func (t *timedWindowTracker) clear(ctx *exchange.ExchangeContext) {
	if ctx == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deadline, ctx)
}
