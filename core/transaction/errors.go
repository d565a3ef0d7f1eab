package transaction

import "errors"

var (
	// ErrTransactionFinished is returned by Commit and Rollback once the
	// transaction has committed, rolled back, or has either in progress.
	ErrTransactionFinished = errors.New("transaction already finished")
	// ErrLockImbalance is the panic value raised when an in-flight operation
	// completes more times than it was started.
	ErrLockImbalance = errors.New("lock counter released below zero")
	// ErrDatabaseClosed is returned by BeginTransaction after Close.
	ErrDatabaseClosed = errors.New("database is closed")
)
