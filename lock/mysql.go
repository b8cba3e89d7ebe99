package lock

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/serverpki/serverpki/blog"
	berrors "github.com/serverpki/serverpki/errors"
)

// MySQL is a Locker backed by a MySQL named lock. GET_LOCK locks belong to
// a session, so the lease pins one connection out of the pool until it is
// released.
type MySQL struct {
	db   *sql.DB
	name string
	wait time.Duration
}

var _ Locker = (*MySQL)(nil)

// NewMySQL returns a Locker for the named lock that waits up to wait for it.
func NewMySQL(db *sql.DB, name string, wait time.Duration) *MySQL {
	return &MySQL{db: db, name: name, wait: wait}
}

func (m *MySQL) Acquire(ctx context.Context) (Lease, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var got sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.name, int(m.wait.Seconds())).Scan(&got)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, berrors.LockedError("lock %q is held by another process", m.name)
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &mysqlLease{
		conn:   conn,
		name:   m.name,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.watch(watchCtx, mysqlCheckInterval)
	return lease, nil
}

// mysqlCheckInterval is how often a lease checks that its session still
// holds the lock.
const mysqlCheckInterval = 10 * time.Second

type mysqlLease struct {
	conn   *sql.Conn
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

// watch checks that the session still owns the lock. A broken connection
// drops its named locks with it.
func (l *mysqlLease) watch(ctx context.Context, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var owned sql.NullBool
			err := l.conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?) = CONNECTION_ID()", l.name).Scan(&owned)
			if errors.Is(err, context.Canceled) {
				continue
			}
			if err == nil && owned.Valid && owned.Bool {
				continue
			}
			if err == nil {
				err = errors.New("session no longer owns the lock")
			}
			blog.Error(ctx, "Lock was lost", err, slog.String("lock", l.name))
			close(l.lost)
			return
		}
	}
}

func (l *mysqlLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *mysqlLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("lock already released")
	}
	l.cancel()
	<-l.done
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()
	var released sql.NullInt64
	err := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released)
	if err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return berrors.ConflictError("lock %q was not held by this session", l.name)
	}
	return nil
}
