package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseLockScript deletes the lock only when the caller still owns it, so a
// lock that expired and was re-acquired by another worker is never released
// by the original holder.
// ARGV: [1]=owner token
var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// JobLocker serializes collection jobs per metric across all instances.
type JobLocker struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewJobLocker creates a locker whose locks expire after ttl. The ttl bounds
// how long a crashed worker can block a metric.
func NewJobLocker(client *Client, ttl time.Duration) *JobLocker {
	return &JobLocker{rdb: client.rdb, ttl: ttl}
}

// TryAcquire attempts to take the lock for a metric. When the lock is free it
// returns a release function and true; when another job holds it, (nil, false).
func (l *JobLocker) TryAcquire(ctx context.Context, metricID uuid.UUID) (release func(), acquired bool, err error) {
	key := lockKey(metricID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire collection lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// Release runs on job completion paths where ctx may already be
		// cancelled; use a fresh context so the lock is not leaked.
		_, _ = releaseLockScript.Run(context.Background(), l.rdb, []string{key}, token).Result()
	}
	return release, true, nil
}

func lockKey(metricID uuid.UUID) string {
	return "collect:lock:" + metricID.String()
}
