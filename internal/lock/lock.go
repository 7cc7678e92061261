// Package lock keeps a job from running on two cabeat instances at once.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "cabeat/pkg/logx"
)

// ErrHeld is returned by Acquire when another owner holds the lock.
var ErrHeld = errors.New("lock held by another instance")

// Locker acquires a named lease. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX lease. The TTL bounds how long a crashed owner can
// block other instances; it should exceed the longest expected run.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	owner  string
	log    logx.Logger
}

func NewRedis(rdb redis.Cmdable, ttl time.Duration, prefix string, log logx.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "lock:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: prefix, owner: uuid.NewString(), log: log.With(logx.Comp("lock"))}
}

func (l *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := l.owner + ":" + uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	release := func() {
		// Release must work even if the run's ctx is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn("lock release failed", logx.String("key", key), logx.Err(err))
		}
	}
	return release, nil
}

// Wrap guards fn with the named lock. A held lock skips the run and returns
// nil; only errors talking to the lock backend are returned.
func Wrap(l Locker, name string, log logx.Logger, fn func(ctx context.Context) error) func(ctx context.Context) error {
	if l == nil {
		return fn
	}
	return func(ctx context.Context) error {
		release, err := l.Acquire(ctx, name)
		if errors.Is(err, ErrHeld) {
			log.Info("job skipped, lock held elsewhere", logx.String("job", name))
			return nil
		}
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx)
	}
}
