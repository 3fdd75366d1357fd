package task

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
)

// Deletes the key only while it still holds our token, so an expired lock taken over
// by another worker is never released by us
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short lived exclusive locks shared by every task worker
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker returns a Locker storing its keys under prefix
func NewLocker(client redis.UniversalClient, prefix string) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("nil Redis client is invalid")
	}
	return &Locker{
		client: client,
		prefix: prefix,
	}, nil
}

// TryLock takes the lock called name for ttl without waiting. ok is false when another
// worker holds it. The returned release function is safe to call more than once.
func (l *Locker) TryLock(name string, ttl time.Duration) (release func() error, ok bool, err error) {
	key := l.prefix + name
	token := uuid.New().String()
	ok, err = l.client.SetNX(key, token, ttl).Result()
	if err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot acquire lock")
	}
	if !ok {
		return nil, false, nil
	}
	return func() error {
		if err := unlockScript.Run(l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return extErrors.Wrap(err, "Cannot release lock")
		}
		return nil
	}, true, nil
}
