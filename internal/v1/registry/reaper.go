package registry

import (
	"sync"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"k8s.io/utils/clock"
)

// reaper owns the per-participant grace timers. One timer per
// (room, peer) pair; rescheduling replaces any pending timer, rebinding
// cancels it.
type reaper struct {
	clk   clock.WithTickerAndDelayedExecution
	grace time.Duration

	mu     sync.Mutex
	timers map[string]clock.Timer
}

func newReaper(clk clock.WithTickerAndDelayedExecution, grace time.Duration) *reaper {
	return &reaper{
		clk:    clk,
		grace:  grace,
		timers: make(map[string]clock.Timer),
	}
}

func reapKey(roomID types.RoomIdType, peerId types.PeerIdType) string {
	return string(roomID) + "/" + string(peerId)
}

// schedule arms a grace timer for a disconnected participant. fn runs
// on the timer goroutine at expiry.
func (rp *reaper) schedule(roomID types.RoomIdType, peerId types.PeerIdType, fn func()) {
	key := reapKey(roomID, peerId)

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if timer, ok := rp.timers[key]; ok {
		timer.Stop()
	}
	// Fire on a fresh goroutine: clock implementations may run the
	// callback while holding their own lock, and fn takes room locks.
	rp.timers[key] = rp.clk.AfterFunc(rp.grace, func() {
		go func() {
			rp.forget(key)
			fn()
		}()
	})
}

// forget drops the bookkeeping entry for a fired timer.
func (rp *reaper) forget(key string) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	delete(rp.timers, key)
}

// cancel disarms a pending reap, if any. Called on rebind.
func (rp *reaper) cancel(roomID types.RoomIdType, peerId types.PeerIdType) {
	key := reapKey(roomID, peerId)

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if timer, ok := rp.timers[key]; ok {
		timer.Stop()
		delete(rp.timers, key)
	}
}

// cancelRoom disarms every pending reap for a room. Called on room
// removal.
func (rp *reaper) cancelRoom(roomID types.RoomIdType) {
	prefix := string(roomID) + "/"

	rp.mu.Lock()
	defer rp.mu.Unlock()
	for key, timer := range rp.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			timer.Stop()
			delete(rp.timers, key)
		}
	}
}

// stopAll disarms everything. Called on registry shutdown.
func (rp *reaper) stopAll() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for key, timer := range rp.timers {
		timer.Stop()
		delete(rp.timers, key)
	}
}
