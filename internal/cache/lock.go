package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshid/api/internal/ids"
)

var ErrLockTimeout = errors.New("lock wait cancelled")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a cross-process mutex held as a Redis key with a TTL.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	poll   time.Duration
}

func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, ttl: ttl, poll: 100 * time.Millisecond}
}

// Lock blocks until the key is acquired or ctx is done. The returned func
// releases the key only if it is still held by this caller.
func (l *Lock) Lock(ctx context.Context) (func(), error) {
	owner := ids.New()
	for {
		ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		case <-time.After(l.poll):
		}
	}
}
