//go:build integration

package lock

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"
	"github.com/redis/go-redis/v9"

	"github.com/serverpki/serverpki/blog"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/test"
	"github.com/serverpki/serverpki/test/vars"
)

func exerciseLocker(t *testing.T, first, second Locker) {
	t.Helper()
	ctx := blog.NewTestContext(t)

	lease, err := first.Acquire(ctx)
	test.AssertNotError(t, err, "first Acquire")
	test.AssertNotError(t, Check(lease), "fresh lease should be held")

	_, err = second.Acquire(ctx)
	test.Assert(t, berrors.Is(err, berrors.Locked), "second Acquire should report Locked")

	test.AssertNotError(t, lease.Release(ctx), "Release")
	test.AssertError(t, lease.Release(ctx), "second Release should fail")

	lease, err = second.Acquire(ctx)
	test.AssertNotError(t, err, "Acquire after release")
	test.AssertNotError(t, lease.Release(ctx), "Release")
}

func TestMySQLLock(t *testing.T) {
	db, err := sql.Open("mysql", vars.DBConnSA)
	test.AssertNotError(t, err, "opening DB")
	defer db.Close()

	name := "serverpki-test-" + t.Name()
	exerciseLocker(t, NewMySQL(db, name, 0), NewMySQL(db, name, 0))
}

func TestRedisLock(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: vars.RedisAddr})
	defer client.Close()

	key := "serverpki-test-" + t.Name()
	clk := clock.New()
	exerciseLocker(t,
		NewRedis(client, key, time.Minute, 0, clk),
		NewRedis(client, key, time.Minute, 0, clk))
}

func TestRedisLeaseLost(t *testing.T) {
	ctx := blog.NewTestContext(t)
	client := redis.NewClient(&redis.Options{Addr: vars.RedisAddr})
	defer client.Close()

	key := "serverpki-test-" + t.Name()
	lease, err := NewRedis(client, key, 300*time.Millisecond, 0, clock.New()).Acquire(ctx)
	test.AssertNotError(t, err, "Acquire")

	// Another holder takes the key over.
	err = client.Set(ctx, key, "someone else", time.Minute).Err()
	test.AssertNotError(t, err, "overwriting the key")
	select {
	case <-lease.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("lease was not reported lost")
	}
	test.Assert(t, berrors.Is(Check(lease), berrors.Locked), "Check should report Locked")

	err = lease.Release(ctx)
	test.Assert(t, berrors.Is(err, berrors.Conflict), "releasing a lost lease should be a Conflict")
	test.AssertNotError(t, client.Del(ctx, key).Err(), "cleaning up")
}
