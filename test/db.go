package test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/serverpki/serverpki/test/vars"
)

var _ CleanUpDB = &sql.DB{}

// CleanUpDB is an interface with only what is needed to delete all
// rows in all tables in a database plus close the database
// connection. It is satisfied by *sql.DB.
type CleanUpDB interface {
	BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error)
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	io.Closer
}

// ResetTestDatabase returns a cleanup function which deletes all rows in all
// tables of the serverpki test database and puts the revision row back to
// its migrated state. The 'goose_db_version' table is left alone, as goose
// tracks migrations in it. If it encounters an error it fails the tests.
func ResetTestDatabase(t testing.TB) func() {
	return resetTestDatabase(t, context.Background(), vars.DBConnSAFullPerms)
}

func resetTestDatabase(t testing.TB, ctx context.Context, dsn string) func() {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Couldn't create db: %s", err)
	}
	err = deleteEverythingInAllTables(ctx, db)
	if err != nil {
		t.Fatalf("Failed to delete everything: %s", err)
	}
	return func() {
		err := deleteEverythingInAllTables(ctx, db)
		if err != nil {
			t.Fatalf("Failed to truncate tables after the test: %s", err)
		}
		_ = db.Close()
	}
}

// deleteEverythingInAllTables empties every table allTableNamesInDB finds
// and inserts a fresh revision row, all in one transaction so that the
// foreign key checks stay off on the connection doing the deletes.
func deleteEverythingInAllTables(ctx context.Context, db CleanUpDB) error {
	tables, err := allTableNamesInDB(ctx, db)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting cleanup transaction: %w", err)
	}

	stmts := []string{"SET FOREIGN_KEY_CHECKS = 0"}
	for _, table := range tables {
		// The WHERE clause keeps sql_safe_updates from refusing the DELETE.
		stmts = append(stmts, "DELETE FROM `"+table+"` WHERE 1 = 1")
	}
	stmts = append(stmts,
		"INSERT INTO `revision` (`id`, `schemaVersion`, `keysEncrypted`) VALUES (1, 1, FALSE)",
		"SET FOREIGN_KEY_CHECKS = 1",
	)
	for _, stmt := range stmts {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil {
			_, _ = tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
			_ = tx.Rollback()
			return fmt.Errorf("cleanup statement %q: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// allTableNamesInDB lists the tables of the current database, except the one
// goose keeps its migration state in.
func allTableNamesInDB(ctx context.Context, db CleanUpDB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name != 'goose_db_version'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}
