package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coneno/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// StudyLocker serialises work on one (user, patient, study) scratch
// directory. The returned release func must be called exactly once.
type StudyLocker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

func studyLockKey(username, patientID, studyUID string) string {
	return username + "/" + patientID + "/" + studyUID
}

type localLock struct {
	mu   sync.Mutex
	refs int
}

// localStudyLocker is an in-process keyed mutex. Entries are dropped when
// the last holder or waiter leaves.
type localStudyLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

func newLocalStudyLocker() *localStudyLocker {
	return &localStudyLocker{locks: make(map[string]*localLock)}
}

func (l *localStudyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		lk.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// the waiter goroutine still takes the mutex; hand it straight back
		go func() {
			<-acquired
			l.unlock(key, lk)
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.unlock(key, lk) }) }, nil
}

func (l *localStudyLocker) unlock(key string, lk *localLock) {
	lk.mu.Unlock()
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

var errLockHeld = errors.New("study lock held")

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisStudyLocker shares locks between gateway instances serving the same
// scratch volume. A lock expires after ttl if its holder dies.
type redisStudyLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func newRedisStudyLocker(client *redis.Client, ttl time.Duration) *redisStudyLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisStudyLocker{client: client, prefix: "rpb:studylock:", ttl: ttl, poll: 100 * time.Millisecond}
}

func (r *redisStudyLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	err := retry.Do(ctx, retry.NewConstant(r.poll), func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := redisReleaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				logger.Warning.Printf("studyLock: release %s: %v", key, err)
			}
		})
	}, nil
}
