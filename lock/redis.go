package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/redis/go-redis/v9"

	"github.com/serverpki/serverpki/blog"
	berrors "github.com/serverpki/serverpki/errors"
)

// The scripts only touch the key while it still carries our token, so a
// lease that expired and was taken over is never released or extended by
// its old holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker backed by a single Redis key, set with NX and a TTL.
// While a lease is held its TTL is refreshed in the background.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	wait   time.Duration
	clk    clock.Clock
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a Locker for key. The lock expires after ttl if its
// holder dies; Acquire polls for up to wait.
func NewRedis(client redis.Cmdable, key string, ttl, wait time.Duration, clk clock.Clock) *Redis {
	return &Redis{client: client, key: key, ttl: ttl, wait: wait, clk: clk}
}

func (r *Redis) Acquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	deadline := r.clk.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !r.clk.Now().Before(deadline) {
			return nil, berrors.LockedError("lock %q is held by another process", r.key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.clk.After(250 * time.Millisecond):
		}
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		client: r.client,
		key:    r.key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.refresh(refreshCtx, r.ttl, r.clk)
	return lease, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
	once   sync.Once
}

// refresh extends the TTL every third of it. The lease is lost when the key
// no longer carries our token, or when extending has failed for a whole TTL.
func (l *redisLease) refresh(ctx context.Context, ttl time.Duration, clk clock.Clock) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	extended := clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
			if errors.Is(err, context.Canceled) {
				continue
			}
			if err != nil {
				if clk.Since(extended) < ttl {
					blog.Warn(ctx, "Extending lock failed", slog.String("key", l.key), slog.Any("err", err))
					continue
				}
				blog.Error(ctx, "Lock was lost", err, slog.String("key", l.key))
				close(l.lost)
				return
			}
			if n == 0 {
				blog.Error(ctx, "Lock was lost", errors.New("token no longer matches"), slog.String("key", l.key))
				close(l.lost)
				return
			}
			extended = clk.Now()
		}
	}
}

func (l *redisLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *redisLease) Release(ctx context.Context) error {
	released := false
	l.once.Do(func() { released = true })
	if !released {
		return errors.New("lock already released")
	}
	l.cancel()
	<-l.done
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return berrors.ConflictError("lock %q was not held by this lease", l.key)
	}
	return nil
}
