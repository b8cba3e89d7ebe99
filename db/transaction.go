package db

import (
	"context"
	"fmt"
)

// txFunc represents a function that does work in the context of a transaction.
type txFunc func(tx Executor) (any, error)

// WithTransaction runs the given function in a transaction, rolling back if it
// returns an error and committing if not. WithTransaction also passes through
// a value returned by `f`, if there is no error.
func WithTransaction(ctx context.Context, dbMap DatabaseMap, f txFunc) (any, error) {
	tx, err := dbMap.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	result, err := f(tx)
	if err != nil {
		return nil, Rollback(tx, err)
	}
	err = tx.Commit()
	if err != nil {
		return nil, ErrDatabaseOp{Op: "commit transaction", Err: err}
	}
	return result, nil
}

// RollbackError is a combination of a database error and the error, if any,
// encountered while trying to rollback the transaction.
type RollbackError struct {
	Err         error
	RollbackErr error
}

// Error implements the error interface
func (re *RollbackError) Error() string {
	if re.RollbackErr == nil {
		return re.Err.Error()
	}
	return fmt.Sprintf("%s (also, while rolling back: %s)", re.Err, re.RollbackErr)
}

// Unwrap returns the error that caused the rollback.
func (re *RollbackError) Unwrap() error {
	return re.Err
}

// Rollback rolls back the provided transaction. If the rollback fails for any
// reason a `RollbackError` is returned wrapping the original error. If no
// rollback error occurs then the original error is returned.
func Rollback(tx Transaction, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return &RollbackError{Err: err, RollbackErr: rbErr}
	}
	return err
}
