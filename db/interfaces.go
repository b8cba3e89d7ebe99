package db

import (
	"context"
	"database/sql"
)

// These interfaces exist to aid in mocking database operations for unit tests.

// A OneSelector is anything that provides a `SelectOne` function.
type OneSelector interface {
	SelectOne(context.Context, any, string, ...any) error
}

// A Selector is anything that provides a `Select` function.
type Selector interface {
	Select(context.Context, any, string, ...any) ([]any, error)
}

// A Inserter is anything that provides an `Insert` function
type Inserter interface {
	Insert(context.Context, ...any) error
}

// A Execer is anything that provides an `ExecContext` function
type Execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// SelectExecer offers a subset of borp.SqlExecutor's methods: Select and
// ExecContext.
type SelectExecer interface {
	Selector
	Execer
}

// DatabaseMap offers the full combination of OneSelector, Inserter,
// SelectExecer, and a Begin function for creating a Transaction.
type DatabaseMap interface {
	Executor
	BeginTx(context.Context) (Transaction, error)
}

// Executor is what the storage layer runs its queries on, inside a
// transaction or not.
type Executor interface {
	OneSelector
	Inserter
	SelectExecer
}

// Transaction extends an Executor and adds Rollback and Commit
type Transaction interface {
	Executor
	Rollback() error
	Commit() error
}
