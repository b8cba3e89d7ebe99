package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"

	"github.com/serverpki/serverpki/test"
)

func TestErrDatabaseOpError(t *testing.T) {
	testErr := errors.New("computers are cancelled")
	testCases := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name: "error with table",
			err: ErrDatabaseOp{
				Op:    "test",
				Table: "testTable",
				Err:   testErr,
			},
			expected: fmt.Sprintf("failed to test testTable: %s", testErr),
		},
		{
			name: "error with no table",
			err: ErrDatabaseOp{
				Op:  "test",
				Err: testErr,
			},
			expected: fmt.Sprintf("failed to test: %s", testErr),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			test.AssertEquals(t, tc.err.Error(), tc.expected)
		})
	}
}

func TestIsNoRows(t *testing.T) {
	noRows := ErrDatabaseOp{
		Op:    "test",
		Table: "testTable",
		Err:   fmt.Errorf("some wrapper around %w", sql.ErrNoRows),
	}
	test.Assert(t, IsNoRows(noRows), "expected IsNoRows for wrapped sql.ErrNoRows")

	other := ErrDatabaseOp{
		Op:    "test",
		Table: "testTable",
		Err:   errors.New("lots of rows. too many rows."),
	}
	test.Assert(t, !IsNoRows(other), "unexpected IsNoRows")
}

func TestIsDuplicate(t *testing.T) {
	dup := ErrDatabaseOp{
		Op:    "test",
		Table: "testTable",
		Err:   fmt.Errorf("some wrapper around %w", &mysql.MySQLError{Number: 1062}),
	}
	test.Assert(t, IsDuplicate(dup), "expected IsDuplicate for error 1062")

	notDup := ErrDatabaseOp{
		Op:    "test",
		Table: "testTable",
		Err:   fmt.Errorf("some wrapper around %w", &mysql.MySQLError{Number: 1234}),
	}
	test.Assert(t, !IsDuplicate(notDup), "unexpected IsDuplicate")
}

func TestTableFromQuery(t *testing.T) {
	testCases := []struct {
		query         string
		expectedTable string
	}{
		{
			query:         "SELECT id, certificateID, serial, notBefore, notAfter, keyAlgorithm, state FROM certInstances WHERE certificateID = ? AND keyAlgorithm = ? AND state = ?",
			expectedTable: "certInstances",
		},
		{
			query:         "\n\t\tSELECT c.id, c.name\n\t\tFROM certificates AS c\n\t\tWHERE c.disabled = false",
			expectedTable: "certificates",
		},
		{
			query:         "SELECT schemaVersion, keysEncrypted FROM revision WHERE id = 1 FOR UPDATE",
			expectedTable: "revision",
		},
		{
			query:         "insert into `certInstances` (`id`,`certificateID`,`serial`,`state`) values (null,?,?,?);",
			expectedTable: "`certInstances`",
		},
		{
			query:         "UPDATE certInstances SET state = ? WHERE id = ? AND state = ?",
			expectedTable: "certInstances",
		},
		{
			query:         "UPDATE revision SET keysEncrypted = ? WHERE id = 1",
			expectedTable: "revision",
		},
		{
			query:         "DELETE FROM certInstances WHERE id = ? AND state IN (?, ?)",
			expectedTable: "certInstances",
		},
		{
			query:         "SET @x = 1",
			expectedTable: "",
		},
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("testCases.%d", i), func(t *testing.T) {
			test.AssertEquals(t, tableFromQuery(tc.query), tc.expectedTable)
		})
	}
}

func TestErrForQueryUnknownTable(t *testing.T) {
	err := errForQuery("SET @x = 1", "exec", errors.New("oops"), nil)
	test.AssertEquals(t, err.Table, "unknown table")

	err = errForQuery("SET @x = 1", "exec", errors.New("oops"), []any{42})
	test.AssertEquals(t, err.Table, "int (unknown table)")
}

// failingExecutor fails every query the storage layer runs.
type failingExecutor struct {
	borp.SqlExecutor
	err error
}

func (f failingExecutor) Insert(context.Context, ...any) error { return f.err }
func (f failingExecutor) SelectOne(context.Context, any, string, ...any) error {
	return f.err
}
func (f failingExecutor) Select(context.Context, any, string, ...any) ([]any, error) {
	return nil, f.err
}
func (f failingExecutor) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, f.err
}

type certRow struct{}

func TestWrappedExecutorErrors(t *testing.T) {
	ctx := context.Background()
	we := WrappedExecutor{sqlExecutor: failingExecutor{err: sql.ErrNoRows}}

	var dbErr ErrDatabaseOp
	err := we.SelectOne(ctx, &certRow{}, "SELECT id FROM certificates WHERE name = ?", "www.example.com")
	test.Assert(t, IsNoRows(err), "SelectOne should keep sql.ErrNoRows")
	test.Assert(t, errors.As(err, &dbErr), "expected an ErrDatabaseOp")
	test.AssertEquals(t, dbErr.Op, "select one")
	test.AssertEquals(t, dbErr.Table, "certificates")

	_, err = we.Select(ctx, &certRow{}, "SELECT id FROM places")
	test.Assert(t, errors.As(err, &dbErr), "expected an ErrDatabaseOp")
	test.AssertEquals(t, dbErr.Table, "places")

	err = we.Insert(ctx, &certRow{})
	test.Assert(t, errors.As(err, &dbErr), "expected an ErrDatabaseOp")
	test.AssertEquals(t, dbErr.Op, "insert")
	test.AssertEquals(t, dbErr.Table, "*db.certRow")

	_, err = we.ExecContext(ctx, "UPDATE revision SET keysEncrypted = ? WHERE id = 1", true)
	test.Assert(t, errors.As(err, &dbErr), "expected an ErrDatabaseOp")
	test.AssertEquals(t, dbErr.Op, "exec")
	test.AssertEquals(t, dbErr.Table, "revision")
}
