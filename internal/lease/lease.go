package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "surveillance:lease:"

var (
	// ErrHeld is returned when another worker already owns the session.
	ErrHeld = errors.New("lease held by another worker")
	// ErrLost is returned when the lease expired or was taken over.
	ErrLost = errors.New("lease lost")
)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out per-session worker leases so that a session never has
// two live workers.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (l *Locker) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	owner := uuid.NewString()
	key := keyPrefix + sessionID

	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", sessionID, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{client: l.client, key: key, owner: owner, ttl: l.ttl}, nil
}

type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
