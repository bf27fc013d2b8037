package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	leaderKey = "tally:{lease}:sweep-leader"
	// DefaultLeaseTTL outlives one sweep interval so a healthy leader keeps renewing in time.
	DefaultLeaseTTL = 90 * time.Second
)

// acquireScript takes the lease when it is free and renews it when we already hold it.
// KEYS: [1]=lease  ARGV: [1]=instance id [2]=ttl ms
var acquireScript = goredis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if holder then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// releaseScript deletes the lease only if we still hold it.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LeaderLock is a Redis lease that lets one instance run the closing sweep.
type LeaderLock struct {
	rdb        *goredis.Client
	instanceID string
	ttl        time.Duration
}

var _ domain.LeaderLock = (*LeaderLock)(nil)

// NewLeaderLock builds a lease for instanceID, which must be unique per process
// (e.g. hostname-pid).
func NewLeaderLock(rdb *goredis.Client, instanceID string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaderLock{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

// TryAcquire reports whether this instance holds the lease after the call.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	held, err := acquireScript.Run(ctx, l.rdb, []string{leaderKey}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	return held == 1, nil
}

// Release gives the lease up. It is a no-op when another instance holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaderKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lease: %w", err)
	}
	return nil
}
