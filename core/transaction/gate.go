package transaction

import "context"

// acquireLocked counts one more locking operation in flight. db.mu must be held.
func (db *Database) acquireLocked() {
	db.inflight++
	db.metrics.InFlightUpDownCounter.Add(context.Background(), 1)
}

// release marks one locking operation complete and returns the continuations
// that were waiting for the counter to drain. The caller runs them with
// runReady after it has delivered the operation's own result, so a BEGIN
// never overtakes the completion that let it start.
func (db *Database) release() []func() {
	db.mu.Lock()
	if db.inflight == 0 {
		db.mu.Unlock()
		panic(ErrLockImbalance)
	}
	db.inflight--
	var ready []func()
	if db.inflight == 0 {
		ready, db.waiters = db.waiters, nil
	}
	db.mu.Unlock()

	db.metrics.InFlightUpDownCounter.Add(context.Background(), -1)
	return ready
}

// runReady runs continuations returned by release. The state is Beginning or
// Finishing while they wait, so the counter is still zero here.
func runReady(ready []func()) {
	for _, fn := range ready {
		fn()
	}
}

// waitForZero runs fn once no locking operation is in flight. Callers move the
// state out of Idle first, so nothing new is admitted and the counter is
// still zero when fn runs.
func (db *Database) waitForZero(fn func()) {
	db.mu.Lock()
	if db.inflight == 0 {
		db.mu.Unlock()
		fn()
		return
	}
	db.waiters = append(db.waiters, fn)
	db.mu.Unlock()
}
