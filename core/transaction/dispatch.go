package transaction

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const connectionTarget = "connection"

// pendingItem is an operation deferred until the connection is free again.
// run already carries the wrapped completion callback.
type pendingItem struct {
	kind   itemKind
	target string
	op     Op
	run    func()
}

// dispatch starts call now, or queues it while a transaction owns the
// connection or earlier operations are still waiting.
func (db *Database) dispatch(target string, op Op, call func()) {
	db.mu.Lock()
	if db.state != StateIdle || db.draining || len(db.queue) > 0 {
		db.enqueueLocked(pendingItem{kind: op.kind(), target: target, op: op, run: call})
		db.mu.Unlock()
		return
	}
	db.admitLocked(op.kind())
	db.mu.Unlock()

	call()
}

func (db *Database) enqueueLocked(item pendingItem) {
	db.queue = append(db.queue, item)
	ctx := context.Background()
	db.metrics.QueueDepthUpDownCounter.Add(ctx, 1)
	db.metrics.QueuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", item.kind.String())))
	db.logger.Debug("Operation deferred",
		zap.Stringer("op", item.op),
		zap.String("target", item.target),
		zap.Int("pending", len(db.queue)))
}

// admitLocked does the bookkeeping for an operation about to be started.
func (db *Database) admitLocked(kind itemKind) {
	switch kind {
	case kindLocking:
		db.acquireLocked()
	case kindTransaction:
		db.state = StateBeginning
	}
}

// drain starts queued operations in order without waiting for them to
// complete. It stops after starting a transaction request, which takes the
// connection for itself; the rest waits for that transaction to finish.
func (db *Database) drain() {
	db.mu.Lock()
	if db.draining {
		db.mu.Unlock()
		return
	}
	db.draining = true
	started := 0
	for db.state == StateIdle && len(db.queue) > 0 {
		item := db.queue[0]
		db.queue[0] = pendingItem{}
		db.queue = db.queue[1:]
		db.admitLocked(item.kind)
		last := item.kind == kindTransaction
		if last {
			db.draining = false
		}
		db.mu.Unlock()

		db.metrics.QueueDepthUpDownCounter.Add(context.Background(), -1)
		started++
		item.run()
		if last {
			db.logger.Debug("Drain stopped at transaction request", zap.Int("started", started))
			return
		}
		db.mu.Lock()
	}
	db.draining = false
	remaining := len(db.queue)
	db.mu.Unlock()

	if started > 0 {
		db.logger.Debug("Drained pending operations", zap.Int("started", started), zap.Int("remaining", remaining))
	}
}

// locked wraps cb so the lock counter is released before cb runs. Without a
// callback, errors go to the connection's error channel. A BEGIN or COMMIT
// waiting on the counter starts only after the result is delivered, so an
// error is never blamed on a transaction that began after it.
func locked[T any](db *Database, cb func(T, error)) func(T, error) {
	return func(v T, err error) {
		ready := db.release()
		if cb != nil {
			cb(v, err)
		} else if err != nil {
			db.conn.EmitError(err)
		}
		runReady(ready)
	}
}

func lockedErr(db *Database, cb func(error)) func(error) {
	return func(err error) {
		ready := db.release()
		forward(db, cb, err)
		runReady(ready)
	}
}

// simple wraps cb for an operation that is never counted.
func simple(db *Database, cb func(error)) func(error) {
	return func(err error) { forward(db, cb, err) }
}

func forward(db *Database, cb func(error), err error) {
	if cb != nil {
		cb(err)
		return
	}
	if err != nil {
		db.conn.EmitError(err)
	}
}
