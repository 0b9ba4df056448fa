package session

import (
	"errors"
	"sync/atomic"
)

// ErrSessionActive reports that another recording session owns the process.
var ErrSessionActive = errors.New("another recording session is already active")

// registry enforces the one-active-session-per-process rule. Acquisition is
// a compare-and-swap so two goroutines racing Begin cannot both win.
type registry struct {
	active atomic.Bool
}

var globalRegistry registry

func (r *registry) tryAcquire() bool {
	return r.active.CompareAndSwap(false, true)
}

func (r *registry) release() {
	r.active.Store(false)
}
