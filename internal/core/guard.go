package core

import "sync/atomic"

// Guard rejects nested entry into any guarded ledger operation. It is held
// for the whole operation, including the outbound transfer, so a callback
// triggered by the transfer cannot start another operation.
type Guard struct {
	busy atomic.Bool
}

// Enter acquires the guard. The returned release must run on every exit
// path; callers defer it.
func (g *Guard) Enter() (release func(), err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}
