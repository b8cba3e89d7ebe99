// Package vars holds the connection strings of the test environment.
package vars

import (
	"fmt"
	"os"
)

func dbAddr() string {
	addr := os.Getenv("DB_ADDR")
	if addr == "" {
		return "localhost:3306"
	}
	return addr
}

func dsn(user, database string) string {
	return fmt.Sprintf("%s@tcp(%s)/%s", user, dbAddr(), database)
}

var (
	// DBConnSA is the connection used by the storage layer in tests.
	DBConnSA = dsn("serverpki", "serverpki_test")
	// DBConnSAFullPerms is used to reset the test database between tests.
	DBConnSAFullPerms = dsn("test_setup", "serverpki_test")
	// RedisAddr is the Redis instance the lock tests use.
	RedisAddr = func() string {
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			return addr
		}
		return "localhost:6379"
	}()
)
